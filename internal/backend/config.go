package backend

import (
	"fmt"
	"net/url"

	"coppia/internal/config"
)

// FromAppConfig converts the application config to backend config
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, fmt.Errorf("app config is nil")
	}

	backendType := BackendType(appConfig.DataBackend)
	if !backendType.IsValid() {
		return Config{}, fmt.Errorf("invalid backend type in config: %s", appConfig.DataBackend)
	}

	return Config{
		Type:        backendType,
		ServerURL:   appConfig.ServerURL,
		HouseholdID: appConfig.HouseholdID,
		UserID:      appConfig.UserID,
	}, nil
}

// Validate validates the backend configuration
func (c Config) Validate() error {
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid backend type: %s", c.Type)
	}

	if c.UserID == "" {
		return fmt.Errorf("user ID is required")
	}

	switch c.Type {
	case RemoteBackend:
		if c.ServerURL == "" {
			return fmt.Errorf("server URL is required for remote backend")
		}
		u, err := url.Parse(c.ServerURL)
		if err != nil {
			return fmt.Errorf("invalid server URL %q: %w", c.ServerURL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid server URL scheme %q: must be http or https", u.Scheme)
		}
	case MemoryBackend:
		// Memory backend is self-contained
	}

	return nil
}

// GetBackendTypeStrings returns all valid backend type strings
func GetBackendTypeStrings() []string {
	return []string{RemoteBackend.String(), MemoryBackend.String()}
}
