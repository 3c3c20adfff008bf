package core

import (
	"encoding/json"
	"time"
)

type RecordKind string

const (
	RecordExpense RecordKind = "expense"
	RecordIncome  RecordKind = "income"
)

// LedgerRecord is a confirmed domain record owned by the server.
type LedgerRecord struct {
	ID          string          `json:"id"`
	HouseholdID string          `json:"household_id"`
	Kind        RecordKind      `json:"kind"`
	CreatedBy   string          `json:"created_by"`
	Data        json.RawMessage `json:"data"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type ChangeKind string

const (
	ChangeUpsert ChangeKind = "upsert"
	ChangeDelete ChangeKind = "delete"
)

// LiveUpdate is one entry of the server change stream. Seq is assigned by
// the server and increases per household; Token is the idempotency token of
// the operation that produced the change.
type LiveUpdate struct {
	Seq      int64        `json:"seq"`
	RecordID string       `json:"record_id"`
	Token    string       `json:"token"`
	Change   ChangeKind   `json:"change"`
	Record   LedgerRecord `json:"record"`
}
