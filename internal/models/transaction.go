package models

import (
	"time"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Who resolved a transaction out of PENDING.
const (
	ResolvedByCallback = "callback"
	ResolvedByPoll     = "poll"
	ResolvedBySweep    = "sweep"
)

// Transaction is the only persisted entity. Keyed by InternalReference,
// secondarily by CorrelationID (the provider's CheckoutRequestID).
type Transaction struct {
	InternalReference string `bson:"_id" json:"internalReference"`
	CorrelationID     string `bson:"correlation_id" json:"correlationId"`
	MerchantRequestID string `bson:"merchant_request_id" json:"merchantRequestId,omitempty"`

	PhoneNumber string `bson:"phone_number" json:"phoneNumber"`
	Amount      int64  `bson:"amount" json:"amount"`
	Description string `bson:"description" json:"description"`

	Status            Status `bson:"status" json:"status"`
	ResultCode        *int   `bson:"result_code,omitempty" json:"resultCode,omitempty"`
	ResultDescription string `bson:"result_description,omitempty" json:"resultDescription,omitempty"`
	ResolvedBy        string `bson:"resolved_by,omitempty" json:"resolvedBy,omitempty"`

	// Populated only on successful completion via callback.
	ReceiptNumber     string `bson:"receipt_number,omitempty" json:"mpesaReceiptNumber,omitempty"`
	ConfirmedAmount   *int64 `bson:"confirmed_amount,omitempty" json:"confirmedAmount,omitempty"`
	ConfirmedPhone    string `bson:"confirmed_phone,omitempty" json:"confirmedPhone,omitempty"`
	ProviderTimestamp string `bson:"provider_timestamp,omitempty" json:"providerTimestamp,omitempty"`

	CreatedAt  time.Time  `bson:"created_at" json:"createdAt"`
	TerminalAt *time.Time `bson:"terminal_at,omitempty" json:"terminalAt,omitempty"`
}

// Clone returns a deep copy so callers never share pointer fields with the store.
func (t Transaction) Clone() Transaction {
	c := t
	if t.ResultCode != nil {
		v := *t.ResultCode
		c.ResultCode = &v
	}
	if t.ConfirmedAmount != nil {
		v := *t.ConfirmedAmount
		c.ConfirmedAmount = &v
	}
	if t.TerminalAt != nil {
		v := *t.TerminalAt
		c.TerminalAt = &v
	}
	return c
}
