package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/markjakearzadon/pushpay-gateway/internal/config"
	"github.com/markjakearzadon/pushpay-gateway/internal/models"
	"github.com/markjakearzadon/pushpay-gateway/internal/mpesa"
)

// PaymentProvider is the outbound side of the gateway.
type PaymentProvider interface {
	InitiatePush(ctx context.Context, req mpesa.PushRequest) (mpesa.PushResult, error)
	QueryPushStatus(ctx context.Context, correlationID string) (mpesa.QueryResult, error)
}

// ErrPollUnavailable means the provider could not be asked right now. The
// transaction is unchanged and the caller should poll again.
var ErrPollUnavailable = errors.New("provider status check unavailable")

type CreatePaymentInput struct {
	PhoneNumber string
	Amount      float64
	Description string
}

type CreatePaymentResult struct {
	Transaction models.Transaction
	Push        mpesa.PushResult
}

type CallbackOutcome struct {
	Matched     bool
	Changed     bool
	Transaction models.Transaction
}

type PaymentService struct {
	store      TransactionStore
	provider   PaymentProvider
	reconciler *Reconciler

	phonePattern *regexp.Regexp
	pollTimeout  time.Duration
	newRef       func() string
	now          func() time.Time
}

func NewPaymentService(cfg config.Config, store TransactionStore, provider PaymentProvider, reconciler *Reconciler) *PaymentService {
	return &PaymentService{
		store:        store,
		provider:     provider,
		reconciler:   reconciler,
		phonePattern: regexp.MustCompile(`^` + regexp.QuoteMeta(cfg.PhonePrefix) + `[0-9]{9}$`),
		pollTimeout:  cfg.ProviderTimeout,
		newRef:       uuid.NewString,
		now:          time.Now,
	}
}

// Validate checks caller input before anything is sent to the provider.
func (s *PaymentService) Validate(in CreatePaymentInput) error {
	phone := strings.TrimSpace(in.PhoneNumber)
	if phone == "" {
		return models.NewValidationError("phoneNumber", "is required")
	}
	if !s.phonePattern.MatchString(phone) {
		return models.NewValidationError("phoneNumber", "must match "+s.phonePattern.String())
	}
	if in.Amount < 1 {
		return models.NewValidationError("amount", "must be at least 1")
	}
	if in.Amount != math.Trunc(in.Amount) {
		return models.NewValidationError("amount", "must be a whole number")
	}
	if in.Amount > math.MaxInt32 {
		return models.NewValidationError("amount", "must be at most 2147483647")
	}
	if strings.TrimSpace(in.Description) == "" {
		return models.NewValidationError("description", "is required")
	}
	return nil
}

// CreatePayment triggers the push prompt and records a PENDING transaction
// tagged with the provider's correlation id.
func (s *PaymentService) CreatePayment(ctx context.Context, in CreatePaymentInput) (CreatePaymentResult, error) {
	if err := s.Validate(in); err != nil {
		return CreatePaymentResult{}, err
	}

	ref := s.newRef()
	phone := strings.TrimSpace(in.PhoneNumber)
	description := strings.TrimSpace(in.Description)
	amount := int64(in.Amount)

	push, err := s.provider.InitiatePush(ctx, mpesa.PushRequest{
		Phone:       phone,
		Amount:      amount,
		Reference:   ref,
		Description: description,
	})
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("reference", ref).Msg("stk push failed")
		return CreatePaymentResult{}, fmt.Errorf("initiate push: %w", err)
	}

	tx := models.Transaction{
		InternalReference: ref,
		CorrelationID:     push.CorrelationID,
		MerchantRequestID: push.MerchantRequestID,
		PhoneNumber:       phone,
		Amount:            amount,
		Description:       description,
		Status:            models.StatusPending,
		CreatedAt:         s.now().UTC().Truncate(time.Millisecond),
	}
	if err := s.store.Create(ctx, tx); err != nil {
		// the customer already has a prompt; the correlation id is the only trace of it
		log.Ctx(ctx).Error().Err(err).
			Str("reference", ref).
			Str("correlation_id", push.CorrelationID).
			Msg("push sent but transaction not recorded")
		return CreatePaymentResult{}, fmt.Errorf("record transaction: %w", err)
	}

	log.Ctx(ctx).Info().
		Str("reference", ref).
		Str("correlation_id", push.CorrelationID).
		Int64("amount", amount).
		Msg("payment initiated")
	return CreatePaymentResult{Transaction: tx, Push: push}, nil
}

// Status returns the current record, polling the provider first when it is
// still PENDING. A poll that cannot reach the provider leaves the record
// unchanged and returns ErrPollUnavailable alongside it.
func (s *PaymentService) Status(ctx context.Context, ref string) (models.Transaction, error) {
	tx, err := s.store.GetByReference(ctx, ref)
	if err != nil {
		return models.Transaction{}, err
	}
	return s.refresh(ctx, tx, models.ResolvedByPoll)
}

// PollPending is the sweeper's entry point for a single stale transaction.
func (s *PaymentService) PollPending(ctx context.Context, ref string) (models.Transaction, error) {
	tx, err := s.store.GetByReference(ctx, ref)
	if err != nil {
		return models.Transaction{}, err
	}
	return s.refresh(ctx, tx, models.ResolvedBySweep)
}

func (s *PaymentService) refresh(ctx context.Context, tx models.Transaction, source string) (models.Transaction, error) {
	if tx.Status != models.StatusPending || tx.CorrelationID == "" {
		return tx, nil
	}

	// no record lock is held across the provider call
	pollCtx, cancel := context.WithTimeout(ctx, s.pollTimeout)
	qr, err := s.provider.QueryPushStatus(pollCtx, tx.CorrelationID)
	cancel()

	switch {
	case errors.Is(err, mpesa.ErrInProgress):
		return tx, nil
	case err != nil:
		var ne *mpesa.NetworkError
		if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
			log.Ctx(ctx).Warn().Err(err).Str("reference", tx.InternalReference).Msg("status poll unavailable")
			return tx, fmt.Errorf("%w: %w", ErrPollUnavailable, err)
		}
		log.Ctx(ctx).Error().Err(err).Str("reference", tx.InternalReference).Msg("status poll failed")
		return tx, fmt.Errorf("query push status: %w", err)
	}

	updated, _, err := s.reconciler.ResolveByReference(ctx, tx.InternalReference, Result{
		Code:        qr.ResultCode,
		Description: qr.ResultDescription,
		Source:      source,
	})
	if err != nil {
		return tx, err
	}
	return updated, nil
}

// HandleCallback reconciles a provider callback. Only a structurally invalid
// payload is an error; unknown correlation ids and storage failures are logged
// and acknowledged so the provider does not retry forever.
func (s *PaymentService) HandleCallback(ctx context.Context, env *models.CallbackEnvelope) (CallbackOutcome, error) {
	if err := env.Validate(); err != nil {
		return CallbackOutcome{}, err
	}
	cb := env.Body.StkCallback

	res := Result{
		Code:        int(*cb.ResultCode),
		Description: cb.ResultDesc,
		Source:      models.ResolvedByCallback,
	}
	if res.Code == models.ResultSuccess {
		res.Receipt = cb.Receipt()
	}

	logger := log.Ctx(ctx).With().
		Str("correlation_id", cb.CheckoutRequestID).
		Str("merchant_request_id", cb.MerchantRequestID).
		Int("result_code", res.Code).
		Logger()

	tx, changed, err := s.reconciler.ResolveByCorrelation(ctx, cb.CheckoutRequestID, res)
	switch {
	case errors.Is(err, models.ErrNotFound):
		logger.Warn().Msg("callback for unknown transaction acknowledged")
		return CallbackOutcome{}, nil
	case err != nil:
		logger.Error().Err(err).Msg("callback could not be applied, left for the pending sweep")
		return CallbackOutcome{Matched: true}, nil
	}
	return CallbackOutcome{Matched: true, Changed: changed, Transaction: tx}, nil
}

func (s *PaymentService) ListPayments(ctx context.Context) ([]models.Transaction, error) {
	return s.store.ListAll(ctx)
}

// Healthy checks the durable mirror.
func (s *PaymentService) Healthy(ctx context.Context) error {
	return s.store.Ping(ctx)
}
