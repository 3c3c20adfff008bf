package sheets

import (
	"encoding/json"
	"fmt"

	"coppia/internal/core"
)

// UnsupportedKindError is returned for records the mirror cannot lay out.
type UnsupportedKindError struct {
	Kind core.RecordKind
}

func (e *UnsupportedKindError) Error() string {
	return fmt.Sprintf("unsupported record kind %q", e.Kind)
}

func decode(data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode record data: %w", err)
	}
	return nil
}

func centsToEuros(cents int64) float64 {
	return float64(cents) / 100.0
}
