package models

import "time"

type OperationStatus string

const (
	OperationPending OperationStatus = "pending"
	OperationSuccess OperationStatus = "success"
	OperationFailed  OperationStatus = "failed"
)

// CreditOperation is the monitor's audit record of one credit-affecting call.
type CreditOperation struct {
	OperationID string          `json:"operationId"`
	UserID      string          `json:"userId"`
	Amount      int64           `json:"amount"` // negative = debit
	Type        string          `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	Status      OperationStatus `json:"status"`
	Error       string          `json:"error,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}
