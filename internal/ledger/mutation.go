// Package ledger is the server-side store of confirmed household records.
//
// Writes are idempotent by token: the token is recorded in the same
// transaction as the write, so a retried call is recognized and never
// applied twice. Pairing uses a single conditional UPDATE so concurrent
// joins cannot both succeed.
package ledger

import (
	"encoding/json"
	"fmt"
	"strings"

	"coppia/internal/core"
)

// Mutation is a validated operation ready to be stored.
type Mutation struct {
	Kind       core.OperationKind
	RecordKind core.RecordKind
	RecordID   string
	Data       json.RawMessage
}

// PrepareMutation validates a client operation. Invalid operations are
// returned as *core.RejectedError. Create operations use the token as the
// record ID so the client can match the pushed record to its queued write.
func PrepareMutation(token string, kind core.OperationKind, payload json.RawMessage) (Mutation, error) {
	if strings.TrimSpace(token) == "" {
		return Mutation{}, &core.RejectedError{Reason: "missing idempotency token"}
	}

	switch kind {
	case core.OpCreateExpense:
		var e core.Expense
		if err := json.Unmarshal(payload, &e); err != nil {
			return Mutation{}, &core.RejectedError{Reason: fmt.Sprintf("malformed expense: %v", err)}
		}
		if err := e.Validate(); err != nil {
			return Mutation{}, &core.RejectedError{Reason: err.Error()}
		}
		return newCreate(kind, core.RecordExpense, token, e)

	case core.OpCreateIncome:
		var in core.Income
		if err := json.Unmarshal(payload, &in); err != nil {
			return Mutation{}, &core.RejectedError{Reason: fmt.Sprintf("malformed income: %v", err)}
		}
		if err := in.Validate(); err != nil {
			return Mutation{}, &core.RejectedError{Reason: err.Error()}
		}
		return newCreate(kind, core.RecordIncome, token, in)

	case core.OpDeleteRecord:
		var d core.DeletePayload
		if err := json.Unmarshal(payload, &d); err != nil {
			return Mutation{}, &core.RejectedError{Reason: fmt.Sprintf("malformed delete: %v", err)}
		}
		if strings.TrimSpace(d.RecordID) == "" {
			return Mutation{}, &core.RejectedError{Reason: "record_id is required"}
		}
		return Mutation{Kind: kind, RecordID: d.RecordID}, nil

	default:
		return Mutation{}, &core.RejectedError{Reason: fmt.Sprintf("unknown operation kind %q", kind)}
	}
}

func newCreate(kind core.OperationKind, recordKind core.RecordKind, token string, v any) (Mutation, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Mutation{}, fmt.Errorf("encode %s: %w", recordKind, err)
	}
	return Mutation{Kind: kind, RecordKind: recordKind, RecordID: token, Data: data}, nil
}

// IsDelete reports whether the mutation removes a record.
func (m Mutation) IsDelete() bool {
	return m.Kind == core.OpDeleteRecord
}
