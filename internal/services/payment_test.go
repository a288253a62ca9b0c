package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/markjakearzadon/pushpay-gateway/internal/config"
	"github.com/markjakearzadon/pushpay-gateway/internal/models"
	"github.com/markjakearzadon/pushpay-gateway/internal/mpesa"
)

type MockProvider struct {
	InitiatePushFunc    func(ctx context.Context, req mpesa.PushRequest) (mpesa.PushResult, error)
	QueryPushStatusFunc func(ctx context.Context, correlationID string) (mpesa.QueryResult, error)
	queries             int
}

func (m *MockProvider) InitiatePush(ctx context.Context, req mpesa.PushRequest) (mpesa.PushResult, error) {
	return m.InitiatePushFunc(ctx, req)
}

func (m *MockProvider) QueryPushStatus(ctx context.Context, correlationID string) (mpesa.QueryResult, error) {
	m.queries++
	return m.QueryPushStatusFunc(ctx, correlationID)
}

func acceptingProvider() *MockProvider {
	return &MockProvider{
		InitiatePushFunc: func(_ context.Context, req mpesa.PushRequest) (mpesa.PushResult, error) {
			return mpesa.PushResult{CorrelationID: "ws_CO_" + req.Reference, MerchantRequestID: "m-1", AckCode: "0"}, nil
		},
		QueryPushStatusFunc: func(context.Context, string) (mpesa.QueryResult, error) {
			return mpesa.QueryResult{}, mpesa.ErrInProgress
		},
	}
}

func newTestService(t *testing.T, provider *MockProvider) (*PaymentService, *MockPublisher) {
	t.Helper()
	cfg := config.Config{PhonePrefix: "254", ProviderTimeout: time.Second}
	s := newTestStore(t)
	pub := &MockPublisher{}
	svc := NewPaymentService(cfg, s, provider, NewReconciler(s, pub))
	svc.newRef = func() string { return "ref-1" }
	svc.now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 123456789, time.UTC) }
	return svc, pub
}

func successCallback(correlationID string) *models.CallbackEnvelope {
	code := models.ResultCode(0)
	env := &models.CallbackEnvelope{}
	env.Body.StkCallback = &models.StkCallback{
		MerchantRequestID: "m-1",
		CheckoutRequestID: correlationID,
		ResultCode:        &code,
		ResultDesc:        "The service request is processed successfully.",
		CallbackMetadata: &models.CallbackMetadata{Item: []models.MetadataItem{
			{Name: "Amount", Value: []byte(`100`)},
			{Name: "MpesaReceiptNumber", Value: []byte(`"ABC123"`)},
			{Name: "PhoneNumber", Value: []byte(`254712345678`)},
		}},
	}
	return env
}

func TestValidate(t *testing.T) {
	svc, _ := newTestService(t, acceptingProvider())

	tests := []struct {
		name      string
		in        CreatePaymentInput
		wantField string
	}{
		{"Given valid input When validated Then ok", CreatePaymentInput{"254712345678", 100, "order"}, ""},
		{"Given empty phone When validated Then phone error", CreatePaymentInput{"", 100, "order"}, "phoneNumber"},
		{"Given local phone format When validated Then phone error", CreatePaymentInput{"0712345678", 100, "order"}, "phoneNumber"},
		{"Given short phone When validated Then phone error", CreatePaymentInput{"25471234567", 100, "order"}, "phoneNumber"},
		{"Given zero amount When validated Then amount error", CreatePaymentInput{"254712345678", 0, "order"}, "amount"},
		{"Given fractional amount When validated Then amount error", CreatePaymentInput{"254712345678", 10.5, "order"}, "amount"},
		{"Given blank description When validated Then description error", CreatePaymentInput{"254712345678", 100, "  "}, "description"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.Validate(tt.in)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *models.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if ve.Field != tt.wantField {
				t.Errorf("field = %s, want %s", ve.Field, tt.wantField)
			}
		})
	}
}

func TestValidateAmountMessages(t *testing.T) {
	svc, _ := newTestService(t, acceptingProvider())

	tests := []struct {
		name    string
		amount  float64
		wantMsg string
	}{
		{"Given fractional amount When validated Then whole number message", 10.5, "must be a whole number"},
		{"Given amount above int32 When validated Then ceiling message", 2147483648, "must be at most 2147483647"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.Validate(CreatePaymentInput{"254712345678", tt.amount, "order"})
			var ve *models.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if ve.Field != "amount" || ve.Message != tt.wantMsg {
				t.Errorf("got %s %q, want amount %q", ve.Field, ve.Message, tt.wantMsg)
			}
		})
	}
	if err := svc.Validate(CreatePaymentInput{"254712345678", 2147483647, "order"}); err != nil {
		t.Errorf("max int32 amount rejected: %v", err)
	}
}

func TestCreatePayment(t *testing.T) {
	provider := acceptingProvider()
	var sent mpesa.PushRequest
	provider.InitiatePushFunc = func(_ context.Context, req mpesa.PushRequest) (mpesa.PushResult, error) {
		sent = req
		return mpesa.PushResult{CorrelationID: "ws_CO_1", MerchantRequestID: "m-1", AckCode: "0"}, nil
	}
	svc, _ := newTestService(t, provider)

	res, err := svc.CreatePayment(context.Background(), CreatePaymentInput{PhoneNumber: "254712345678", Amount: 100, Description: " order 7 "})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if sent.Reference != "ref-1" || sent.Amount != 100 || sent.Description != "order 7" {
		t.Errorf("push request = %+v", sent)
	}

	tx := res.Transaction
	if tx.Status != models.StatusPending || tx.CorrelationID != "ws_CO_1" {
		t.Errorf("transaction = %+v", tx)
	}
	if tx.CreatedAt.Nanosecond() != 123000000 {
		t.Errorf("CreatedAt not truncated to milliseconds: %v", tx.CreatedAt)
	}

	stored, err := svc.store.GetByCorrelationID(context.Background(), "ws_CO_1")
	if err != nil || stored.InternalReference != "ref-1" {
		t.Errorf("stored = %+v, err = %v", stored, err)
	}
}

func TestCreatePaymentProviderRejects(t *testing.T) {
	provider := acceptingProvider()
	provider.InitiatePushFunc = func(context.Context, mpesa.PushRequest) (mpesa.PushResult, error) {
		return mpesa.PushResult{}, &mpesa.ProviderError{StatusCode: 400, Code: "400.002.02", Message: "Invalid Amount"}
	}
	svc, _ := newTestService(t, provider)

	_, err := svc.CreatePayment(context.Background(), CreatePaymentInput{PhoneNumber: "254712345678", Amount: 100, Description: "order"})
	var pe *mpesa.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProviderError", err)
	}
	if all, _ := svc.ListPayments(context.Background()); len(all) != 0 {
		t.Errorf("rejected push left %d records", len(all))
	}
}

func TestCreatePaymentInvalidInputSkipsProvider(t *testing.T) {
	provider := acceptingProvider()
	provider.InitiatePushFunc = func(context.Context, mpesa.PushRequest) (mpesa.PushResult, error) {
		t.Fatal("provider called for invalid input")
		return mpesa.PushResult{}, nil
	}
	svc, _ := newTestService(t, provider)

	_, err := svc.CreatePayment(context.Background(), CreatePaymentInput{PhoneNumber: "abc", Amount: 100, Description: "order"})
	var ve *models.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name        string
		query       func(context.Context, string) (mpesa.QueryResult, error)
		wantStatus  models.Status
		wantErr     error
		wantQueries int
	}{
		{
			name: "Given in progress When polled Then pending without error",
			query: func(context.Context, string) (mpesa.QueryResult, error) {
				return mpesa.QueryResult{}, mpesa.ErrInProgress
			},
			wantStatus:  models.StatusPending,
			wantQueries: 1,
		},
		{
			name: "Given provider success When polled Then completed",
			query: func(context.Context, string) (mpesa.QueryResult, error) {
				return mpesa.QueryResult{ResultCode: 0, ResultDescription: "processed"}, nil
			},
			wantStatus:  models.StatusCompleted,
			wantQueries: 1,
		},
		{
			name: "Given cancelled When polled Then failed",
			query: func(context.Context, string) (mpesa.QueryResult, error) {
				return mpesa.QueryResult{ResultCode: 1032, ResultDescription: "cancelled"}, nil
			},
			wantStatus:  models.StatusFailed,
			wantQueries: 1,
		},
		{
			name: "Given network failure When polled Then pending and unavailable",
			query: func(context.Context, string) (mpesa.QueryResult, error) {
				return mpesa.QueryResult{}, &mpesa.NetworkError{Op: "stk query", Err: context.DeadlineExceeded}
			},
			wantStatus:  models.StatusPending,
			wantErr:     ErrPollUnavailable,
			wantQueries: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := acceptingProvider()
			provider.QueryPushStatusFunc = tt.query
			svc, _ := newTestService(t, provider)
			ctx := context.Background()
			if _, err := svc.CreatePayment(ctx, CreatePaymentInput{"254712345678", 100, "order"}); err != nil {
				t.Fatalf("CreatePayment: %v", err)
			}

			tx, err := svc.Status(ctx, "ref-1")
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Status: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tx.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", tx.Status, tt.wantStatus)
			}
			if provider.queries != tt.wantQueries {
				t.Errorf("queries = %d, want %d", provider.queries, tt.wantQueries)
			}
		})
	}
}

func TestStatusTerminalSkipsProvider(t *testing.T) {
	provider := acceptingProvider()
	svc, _ := newTestService(t, provider)
	ctx := context.Background()
	res, err := svc.CreatePayment(ctx, CreatePaymentInput{"254712345678", 100, "order"})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if _, err := svc.HandleCallback(ctx, successCallback(res.Transaction.CorrelationID)); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}

	tx, err := svc.Status(ctx, "ref-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if tx.Status != models.StatusCompleted || tx.ReceiptNumber != "ABC123" {
		t.Errorf("transaction = %+v", tx)
	}
	if provider.queries != 0 {
		t.Errorf("provider queried %d times for a terminal transaction", provider.queries)
	}
}

func TestStatusUnknownReference(t *testing.T) {
	svc, _ := newTestService(t, acceptingProvider())
	if _, err := svc.Status(context.Background(), "nope"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestHandleCallback(t *testing.T) {
	svc, pub := newTestService(t, acceptingProvider())
	ctx := context.Background()
	res, err := svc.CreatePayment(ctx, CreatePaymentInput{"254712345678", 100, "order"})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	corr := res.Transaction.CorrelationID

	out, err := svc.HandleCallback(ctx, successCallback(corr))
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if !out.Matched || !out.Changed {
		t.Errorf("outcome = %+v, want matched and changed", out)
	}
	if out.Transaction.ConfirmedAmount == nil || *out.Transaction.ConfirmedAmount != 100 {
		t.Errorf("confirmed amount = %v", out.Transaction.ConfirmedAmount)
	}

	// redelivery is acknowledged but changes nothing
	out, err = svc.HandleCallback(ctx, successCallback(corr))
	if err != nil || out.Changed {
		t.Errorf("redelivery outcome = %+v, err = %v", out, err)
	}
	if pub.count() != 1 {
		t.Errorf("events = %d, want 1", pub.count())
	}

	// unknown id is acknowledged
	out, err = svc.HandleCallback(ctx, successCallback("ws_CO_unknown"))
	if err != nil || out.Matched {
		t.Errorf("unknown outcome = %+v, err = %v", out, err)
	}

	// missing result code is a validation failure
	bad := successCallback(corr)
	bad.Body.StkCallback.ResultCode = nil
	var ve *models.ValidationError
	if _, err := svc.HandleCallback(ctx, bad); !errors.As(err, &ve) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}
