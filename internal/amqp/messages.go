package amqp

import (
	"encoding/json"
	"time"

	"coppia/internal/core"
)

// RecordChangeMessage announces a committed ledger change to downstream
// consumers such as the spreadsheet mirror.
type RecordChangeMessage struct {
	HouseholdID string            `json:"household_id"`
	Seq         int64             `json:"seq"`
	Token       string            `json:"token"`
	Change      core.ChangeKind   `json:"change"`
	Record      core.LedgerRecord `json:"record"`
	Timestamp   time.Time         `json:"timestamp"`
}

// NewRecordChangeMessage builds a message from a live update.
func NewRecordChangeMessage(u core.LiveUpdate) *RecordChangeMessage {
	return &RecordChangeMessage{
		HouseholdID: u.Record.HouseholdID,
		Seq:         u.Seq,
		Token:       u.Token,
		Change:      u.Change,
		Record:      u.Record,
		Timestamp:   time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *RecordChangeMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// RecordChangeMessageFromJSON creates a message from JSON bytes
func RecordChangeMessageFromJSON(data []byte) (*RecordChangeMessage, error) {
	var msg RecordChangeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
