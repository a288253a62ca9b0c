package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/markjakearzadon/pushpay-gateway/internal/models"
	"github.com/markjakearzadon/pushpay-gateway/internal/mpesa"
	"github.com/markjakearzadon/pushpay-gateway/internal/services"
)

// maxBodyBytes caps request bodies; callbacks are well under this.
const maxBodyBytes = 1 << 20

type PaymentHandler struct {
	service *services.PaymentService
}

func NewPaymentHandler(service *services.PaymentService) *PaymentHandler {
	return &PaymentHandler{service: service}
}

type createPaymentRequest struct {
	PhoneNumber string  `json:"phoneNumber"`
	Amount      float64 `json:"amount"`
	Description string  `json:"description"`
}

type createPaymentResponse struct {
	Success            bool          `json:"success"`
	TransactionID      string        `json:"transactionId"`
	CorrelationID      string        `json:"correlationId"`
	Status             models.Status `json:"status"`
	ProviderAckCode    string        `json:"providerAckCode"`
	ProviderAckMessage string        `json:"providerAckMessage"`
	CustomerMessage    string        `json:"customerMessage,omitempty"`
}

// transactionView is the external shape of a transaction.
type transactionView struct {
	Success            bool          `json:"success"`
	TransactionID      string        `json:"transactionId"`
	CorrelationID      string        `json:"correlationId,omitempty"`
	Status             models.Status `json:"status"`
	PhoneNumber        string        `json:"phoneNumber"`
	Amount             int64         `json:"amount"`
	Description        string        `json:"description"`
	ResultCode         *int          `json:"resultCode,omitempty"`
	ResultDescription  string        `json:"resultDescription,omitempty"`
	ResolvedBy         string        `json:"resolvedBy,omitempty"`
	MpesaReceiptNumber string        `json:"mpesaReceiptNumber,omitempty"`
	ConfirmedAmount    *int64        `json:"confirmedAmount,omitempty"`
	TransactionDate    string        `json:"transactionDate,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
	TerminalAt         *time.Time    `json:"terminalAt,omitempty"`
	Retryable          bool          `json:"retryable,omitempty"`
	PollError          string        `json:"pollError,omitempty"`
}

func newTransactionView(tx models.Transaction) transactionView {
	return transactionView{
		Success:            true,
		TransactionID:      tx.InternalReference,
		CorrelationID:      tx.CorrelationID,
		Status:             tx.Status,
		PhoneNumber:        mpesa.MaskPhone(tx.PhoneNumber),
		Amount:             tx.Amount,
		Description:        tx.Description,
		ResultCode:         tx.ResultCode,
		ResultDescription:  tx.ResultDescription,
		ResolvedBy:         tx.ResolvedBy,
		MpesaReceiptNumber: tx.ReceiptNumber,
		ConfirmedAmount:    tx.ConfirmedAmount,
		TransactionDate:    tx.ProviderTimestamp,
		CreatedAt:          tx.CreatedAt,
		TerminalAt:         tx.TerminalAt,
	}
}

// CreatePayment handles POST /payments.
func (h *PaymentHandler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.service.CreatePayment(r.Context(), services.CreatePaymentInput{
		PhoneNumber: req.PhoneNumber,
		Amount:      req.Amount,
		Description: req.Description,
	})
	if err != nil {
		status, msg := createErrorStatus(err)
		if status >= 500 {
			log.Ctx(r.Context()).Error().Err(err).Int("status", status).Msg("create payment failed")
		}
		respondError(w, status, msg)
		return
	}

	respondJSON(w, http.StatusOK, createPaymentResponse{
		Success:            true,
		TransactionID:      res.Transaction.InternalReference,
		CorrelationID:      res.Transaction.CorrelationID,
		Status:             res.Transaction.Status,
		ProviderAckCode:    res.Push.AckCode,
		ProviderAckMessage: res.Push.AckMessage,
		CustomerMessage:    res.Push.CustomerMessage,
	})
}

func createErrorStatus(err error) (int, string) {
	var (
		ve *models.ValidationError
		pe *mpesa.ProviderError
		ae *mpesa.AuthError
		ne *mpesa.NetworkError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ve.Error()
	case errors.As(err, &pe):
		return http.StatusBadGateway, "Payment provider rejected the request: " + pe.Message
	case errors.As(err, &ae):
		return http.StatusBadGateway, "Payment provider authentication failed"
	case errors.As(err, &ne):
		if ne.Timeout() {
			return http.StatusGatewayTimeout, "Payment provider timed out"
		}
		return http.StatusBadGateway, "Payment provider unreachable"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// pollErrorMessage says why a status refresh did not reach the provider's answer.
func pollErrorMessage(err error) string {
	var (
		pe *mpesa.ProviderError
		ae *mpesa.AuthError
	)
	switch {
	case errors.As(err, &pe):
		return "Payment provider rejected the status query: " + pe.Message
	case errors.As(err, &ae):
		return "Payment provider authentication failed"
	default:
		return "Status refresh failed"
	}
}

// Callback handles POST /payments/callback. Anything that parses is
// acknowledged with 200 so the provider stops retrying.
func (h *PaymentHandler) Callback(w http.ResponseWriter, r *http.Request) {
	var env models.CallbackEnvelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&env); err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Msg("undecodable callback")
		respondError(w, http.StatusBadRequest, "Invalid callback payload")
		return
	}

	if _, err := h.service.HandleCallback(r.Context(), &env); err != nil {
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			log.Ctx(r.Context()).Warn().Err(err).Msg("invalid callback")
			respondError(w, http.StatusBadRequest, "Invalid callback payload: "+ve.Error())
			return
		}
		log.Ctx(r.Context()).Error().Err(err).Msg("callback handling failed")
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Status handles GET /payments/{id}/status.
func (h *PaymentHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(mux.Vars(r)["id"])
	if id == "" {
		respondError(w, http.StatusBadRequest, "Transaction ID is required")
		return
	}

	tx, err := h.service.Status(r.Context(), id)
	switch {
	case errors.Is(err, models.ErrNotFound):
		respondError(w, http.StatusNotFound, "Transaction not found")
	case errors.Is(err, services.ErrPollUnavailable):
		respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"success":       false,
			"error":         "Payment provider unavailable, retry later",
			"retryable":     true,
			"transactionId": tx.InternalReference,
			"status":        tx.Status,
		})
	case err != nil:
		// the stored record is still valid; the failed poll only delays resolution
		log.Ctx(r.Context()).Error().Err(err).Str("reference", id).Msg("status poll failed")
		view := newTransactionView(tx)
		view.Retryable = true
		view.PollError = pollErrorMessage(err)
		respondJSON(w, http.StatusOK, view)
	default:
		respondJSON(w, http.StatusOK, newTransactionView(tx))
	}
}

// ListPayments handles GET /payments.
func (h *PaymentHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	txs, err := h.service.ListPayments(r.Context())
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("list payments failed")
		respondError(w, http.StatusInternalServerError, "Failed to list payments")
		return
	}
	views := make([]transactionView, 0, len(txs))
	for _, tx := range txs {
		views = append(views, newTransactionView(tx))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"count":        len(views),
		"transactions": views,
	})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]interface{}{"success": false, "error": message})
}
