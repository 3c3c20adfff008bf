package backend

import (
	"context"
	"encoding/json"

	"coppia/internal/core"
)

type ApplyStatus string

const (
	StatusApplied        ApplyStatus = "applied"
	StatusAlreadyApplied ApplyStatus = "already_applied"
	StatusRejected       ApplyStatus = "rejected"
)

// ApplyResult is the server's answer to an idempotent write. Reason is set
// only for StatusRejected.
type ApplyResult struct {
	Status ApplyStatus `json:"status"`
	Reason string      `json:"reason,omitempty"`
}

// Confirmed reports whether the write is known to be applied server side.
func (r ApplyResult) Confirmed() bool {
	return r.Status == StatusApplied || r.Status == StatusAlreadyApplied
}

// Ports consumed by the sync core.
type (
	// Applier performs domain writes. Transport failures are returned as
	// errors wrapping core.ErrTransientNetwork.
	Applier interface {
		ApplyIdempotent(ctx context.Context, token string, kind core.OperationKind, payload json.RawMessage) (ApplyResult, error)
	}

	// LiveUpdater streams record changes for a household. The channel is
	// closed when the stream is lost; resubscribing from the last seen Seq
	// replays what was missed.
	LiveUpdater interface {
		SubscribeLiveUpdates(ctx context.Context, scope string, sinceSeq int64) (<-chan core.LiveUpdate, error)
	}

	// HouseholdJoiner performs the atomic conditional join server side.
	HouseholdJoiner interface {
		ConditionalJoinHousehold(ctx context.Context, householdID, userID string) (core.JoinOutcome, error)
	}

	// Syncer is what the sync engine needs.
	Syncer interface {
		Applier
		LiveUpdater
	}

	HouseholdManager interface {
		HouseholdJoiner
		CreateHousehold(ctx context.Context, primaryUserID string) (core.Household, error)
		GetHousehold(ctx context.Context, householdID string) (core.Household, error)
	}
)

// Backend represents everything a client needs from the ledger server.
type Backend interface {
	Applier
	LiveUpdater
	HouseholdManager
	Ping(ctx context.Context) error
}

type BackendType string

const (
	RemoteBackend BackendType = "remote"
	MemoryBackend BackendType = "memory"
)

func (t BackendType) IsValid() bool {
	return t == RemoteBackend || t == MemoryBackend
}

func (t BackendType) String() string {
	return string(t)
}

// Config holds configuration for backend creation
type Config struct {
	Type BackendType

	// Remote configuration
	ServerURL   string
	HouseholdID string
	UserID      string
}
