package core

import (
	"encoding/json"
	"time"
)

// OperationKind tags the domain write carried by a queue entry.
type OperationKind string

const (
	OpCreateExpense OperationKind = "create_expense"
	OpCreateIncome  OperationKind = "create_income"
	OpDeleteRecord  OperationKind = "delete_record"
)

func (k OperationKind) IsValid() bool {
	switch k {
	case OpCreateExpense, OpCreateIncome, OpDeleteRecord:
		return true
	}
	return false
}

type EntryStatus string

const (
	StatusPending  EntryStatus = "pending"
	StatusInFlight EntryStatus = "in_flight"
	StatusFailed   EntryStatus = "failed"
)

// QueueEntry is a locally buffered write not yet confirmed by the server.
// ID is client generated and doubles as the idempotency token.
type QueueEntry struct {
	ID           string          `json:"id"`
	Kind         OperationKind   `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
	Seq          int64           `json:"seq"`
	AttemptCount int             `json:"attempt_count"`
	Status       EntryStatus     `json:"status"`
	LastError    string          `json:"last_error,omitempty"`
}

// Replayable reports whether the entry still takes part in automatic replay.
func (e QueueEntry) Replayable() bool {
	return e.Status == StatusPending || e.Status == StatusInFlight
}

// DeletePayload is the payload of an OpDeleteRecord operation.
type DeletePayload struct {
	RecordID string `json:"record_id"`
}

// NetworkState is a snapshot of the connectivity monitor.
type NetworkState struct {
	Online      bool   `json:"online"`
	Transitions uint64 `json:"transitions"`
}
