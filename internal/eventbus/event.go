package eventbus

import (
	"time"
)

type EventType string

const (
	EventTypeTransactionImported EventType = "transaction.imported"
)

type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// TransactionImportedEvent is published once per bank statement row that
// survives parsing. Consumers run the matcher over the new transaction.
type TransactionImportedEvent struct {
	TenantID      string `json:"tenant_id"`
	TransactionID string `json:"transaction_id"`
	ImportID      string `json:"import_id"`
	LineNumber    int    `json:"line_number"`
}
