package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"coppia/internal/backend"
	"coppia/internal/core"
	applog "coppia/internal/log"
)

// PairingService links a second user to a household. The join is a single
// conditional write on the backend; nothing here reads the household first
// or retries a conflict.
type PairingService struct {
	households backend.HouseholdManager
}

func NewPairingService(households backend.HouseholdManager) *PairingService {
	return &PairingService{households: households}
}

// CreateHousehold creates an unpaired household owned by primaryUserID. Its
// ID is the invite the partner joins with.
func (s *PairingService) CreateHousehold(ctx context.Context, primaryUserID string) (core.Household, error) {
	if strings.TrimSpace(primaryUserID) == "" {
		return core.Household{}, fmt.Errorf("create household: %w", &core.RejectedError{Reason: "user ID is required"})
	}

	h, err := s.households.CreateHousehold(ctx, primaryUserID)
	if err != nil {
		return core.Household{}, fmt.Errorf("create household: %w", err)
	}

	slog.InfoContext(ctx, "Household invite created",
		applog.FieldComponent, applog.ComponentPairing,
		applog.FieldHouseholdID, h.ID,
		applog.FieldUserID, primaryUserID)
	return h, nil
}

// Join attempts to pair userID into householdID. It returns nil only for
// core.JoinJoined. Conflicts come back as *core.PairingConflictError and an
// unknown household as core.ErrHouseholdNotFound.
func (s *PairingService) Join(ctx context.Context, householdID, userID string) (core.JoinOutcome, error) {
	if strings.TrimSpace(householdID) == "" || strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("join household: %w", &core.RejectedError{Reason: "household and user IDs are required"})
	}

	outcome, err := s.households.ConditionalJoinHousehold(ctx, householdID, userID)
	if err != nil {
		slog.WarnContext(ctx, "Join request failed",
			applog.FieldComponent, applog.ComponentPairing,
			applog.FieldHouseholdID, householdID,
			applog.FieldUserID, userID,
			applog.FieldError, err)
		return "", fmt.Errorf("join household %s: %w", householdID, err)
	}

	attrs := []any{
		applog.FieldComponent, applog.ComponentPairing,
		applog.FieldHouseholdID, householdID,
		applog.FieldUserID, userID,
		applog.FieldOutcome, string(outcome),
	}

	switch outcome {
	case core.JoinJoined:
		slog.InfoContext(ctx, "Household paired", attrs...)
		return outcome, nil
	case core.JoinAlreadyPaired, core.JoinSelfJoinRejected:
		slog.InfoContext(ctx, "Join refused", attrs...)
		return outcome, &core.PairingConflictError{HouseholdID: householdID, Outcome: outcome}
	case core.JoinNotFound:
		slog.InfoContext(ctx, "Join target not found", attrs...)
		return outcome, fmt.Errorf("join household %s: %w", householdID, core.ErrHouseholdNotFound)
	default:
		return outcome, fmt.Errorf("join household %s: unexpected outcome %q", householdID, outcome)
	}
}

// Household returns the current pairing state.
func (s *PairingService) Household(ctx context.Context, householdID string) (core.Household, error) {
	h, err := s.households.GetHousehold(ctx, householdID)
	if err != nil {
		return core.Household{}, fmt.Errorf("get household %s: %w", householdID, err)
	}
	return h, nil
}
