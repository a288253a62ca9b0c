package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	ResultSuccess = 0
	// ResultInProgress is the provider's "still being processed" code. Not terminal.
	ResultInProgress = 4999
)

// ResultCode accepts both the numeric form (callbacks) and the string form (query responses).
type ResultCode int

func (c *ResultCode) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		return fmt.Errorf("empty result code")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid result code %q: %w", s, err)
	}
	*c = ResultCode(n)
	return nil
}

// CallbackEnvelope is the body the provider POSTs to the callback URL.
type CallbackEnvelope struct {
	Body struct {
		StkCallback *StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type StkCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        *ResultCode       `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

type CallbackMetadata struct {
	Item []MetadataItem `json:"Item"`
}

type MetadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

// String renders the raw value without quotes; numbers keep their literal form.
func (i MetadataItem) String() string {
	v := bytes.TrimSpace(i.Value)
	if len(v) == 0 || string(v) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(v)
}

// Validate reports whether the envelope carries enough to be reconciled.
func (e *CallbackEnvelope) Validate() error {
	cb := e.Body.StkCallback
	if cb == nil {
		return NewValidationError("Body.stkCallback", "is required")
	}
	if strings.TrimSpace(cb.CheckoutRequestID) == "" {
		return NewValidationError("CheckoutRequestID", "is required")
	}
	if cb.ResultCode == nil {
		return NewValidationError("ResultCode", "is required")
	}
	return nil
}

// Receipt holds the success facts extracted from callback metadata.
type Receipt struct {
	Number    string
	Amount    *int64
	Phone     string
	Timestamp string
}

// Receipt extracts MpesaReceiptNumber, Amount, PhoneNumber and TransactionDate.
// Returns nil when the callback carries no metadata.
func (cb *StkCallback) Receipt() *Receipt {
	if cb.CallbackMetadata == nil || len(cb.CallbackMetadata.Item) == 0 {
		return nil
	}
	r := &Receipt{}
	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "MpesaReceiptNumber":
			r.Number = item.String()
		case "Amount":
			if f, err := strconv.ParseFloat(item.String(), 64); err == nil {
				amt := int64(math.Round(f))
				r.Amount = &amt
			}
		case "PhoneNumber":
			r.Phone = item.String()
		case "TransactionDate":
			r.Timestamp = item.String()
		}
	}
	return r
}
