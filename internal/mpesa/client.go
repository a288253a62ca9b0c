package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/markjakearzadon/pushpay-gateway/internal/config"
	"github.com/markjakearzadon/pushpay-gateway/internal/models"
)

const (
	tokenPath = "/oauth/v1/generate"
	pushPath  = "/mpesa/stkpush/v1/processrequest"
	queryPath = "/mpesa/stkpushquery/v1/query"

	transactionType = "CustomerPayBillOnline"
	timestampLayout = "20060102150405"

	// errorCode returned by the query endpoint while the customer has not answered the prompt.
	inProgressErrorCode = "500.001.1001"

	maxAccountReference = 12
	maxTransactionDesc  = 13

	// Refresh a little before the provider expires the token.
	tokenSafetyMargin = 60 * time.Second
	defaultTokenTTL   = 3599 * time.Second
)

// Provider timestamps are East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

type PushRequest struct {
	Phone       string
	Amount      int64
	Reference   string
	Description string
}

type PushResult struct {
	CorrelationID     string
	MerchantRequestID string
	AckCode           string
	AckMessage        string
	CustomerMessage   string
}

type QueryResult struct {
	ResultCode        int
	ResultDescription string
}

type stkPushBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkQueryBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode        string             `json:"ResponseCode"`
	ResponseDescription string             `json:"ResponseDescription"`
	ResultCode          *models.ResultCode `json:"ResultCode"`
	ResultDesc          string             `json:"ResultDesc"`
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

type errorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Client talks to the provider's OAuth, STK push and STK query endpoints.
// It holds no transaction state.
type Client struct {
	http   *resty.Client
	cfg    config.Config
	tokens TokenCache
	now    func() time.Time

	// serializes token refreshes so a burst of requests makes one OAuth call
	refreshMu sync.Mutex
}

type Option func(*Client)

// WithTransport swaps the HTTP transport (tracing, tests).
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.http.SetTransport(rt) }
}

// WithClock overrides the clock used for password timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(cfg config.Config, tokens TokenCache, opts ...Option) *Client {
	if tokens == nil {
		tokens = NewMemoryTokenCache()
	}
	c := &Client{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(cfg.ProviderTimeout).
			SetHeader("Content-Type", "application/json"),
		cfg:    cfg,
		tokens: tokens,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AcquireToken returns a cached bearer token or fetches a new one.
func (c *Client) AcquireToken(ctx context.Context) (string, error) {
	if tok, ok, err := c.tokens.Get(ctx); err == nil && ok {
		return tok, nil
	} else if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("token cache read failed, fetching new token")
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// another caller may have refreshed while we waited
	if tok, ok, err := c.tokens.Get(ctx); err == nil && ok {
		return tok, nil
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret).
		SetQueryParam("grant_type", "client_credentials").
		Get(tokenPath)
	if err != nil {
		return "", &NetworkError{Op: "token request", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return "", &AuthError{StatusCode: resp.StatusCode(), Message: describeError(resp.Body(), resp.Status())}
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp.Body(), &tr); err != nil || tr.AccessToken == "" {
		return "", &AuthError{StatusCode: resp.StatusCode(), Message: "malformed token response", Err: err}
	}

	ttl := defaultTokenTTL
	if secs, err := strconv.Atoi(tr.ExpiresIn.String()); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	if ttl > tokenSafetyMargin {
		ttl -= tokenSafetyMargin
	}
	if err := c.tokens.Set(ctx, tr.AccessToken, ttl); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("failed to cache mpesa token")
	}
	log.Ctx(ctx).Debug().Dur("ttl", ttl).Msg("acquired mpesa access token")
	return tr.AccessToken, nil
}

// InitiatePush sends the STK push prompt to the customer's phone.
func (c *Client) InitiatePush(ctx context.Context, req PushRequest) (PushResult, error) {
	token, err := c.AcquireToken(ctx)
	if err != nil {
		return PushResult{}, err
	}

	timestamp := c.timestamp()
	body := stkPushBody{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.PassKey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   transactionType,
		Amount:            req.Amount,
		PartyA:            req.Phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       req.Phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  truncate(req.Reference, maxAccountReference),
		TransactionDesc:   truncate(req.Description, maxTransactionDesc),
	}

	log.Ctx(ctx).Info().
		Str("phone", MaskPhone(req.Phone)).
		Int64("amount", req.Amount).
		Str("reference", req.Reference).
		Msg("sending stk push")

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(body).
		Post(pushPath)
	if err != nil {
		return PushResult{}, &NetworkError{Op: "stk push", Err: err}
	}
	if err := c.checkAuth(ctx, resp); err != nil {
		return PushResult{}, err
	}
	if resp.StatusCode() != http.StatusOK {
		return PushResult{}, providerError(resp)
	}

	var pr stkPushResponse
	if err := json.Unmarshal(resp.Body(), &pr); err != nil {
		return PushResult{}, &ProviderError{StatusCode: resp.StatusCode(), Code: "decode", Message: "malformed push response"}
	}
	if pr.ResponseCode != "0" {
		return PushResult{}, &ProviderError{StatusCode: resp.StatusCode(), Code: pr.ResponseCode, Message: pr.ResponseDescription}
	}
	if pr.CheckoutRequestID == "" {
		return PushResult{}, &ProviderError{StatusCode: resp.StatusCode(), Code: pr.ResponseCode, Message: "push acknowledged without CheckoutRequestID"}
	}

	return PushResult{
		CorrelationID:     pr.CheckoutRequestID,
		MerchantRequestID: pr.MerchantRequestID,
		AckCode:           pr.ResponseCode,
		AckMessage:        pr.ResponseDescription,
		CustomerMessage:   pr.CustomerMessage,
	}, nil
}

// QueryPushStatus asks the provider for the outcome of a push. Returns ErrInProgress
// while the customer has not answered.
func (c *Client) QueryPushStatus(ctx context.Context, correlationID string) (QueryResult, error) {
	token, err := c.AcquireToken(ctx)
	if err != nil {
		return QueryResult{}, err
	}

	timestamp := c.timestamp()
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(stkQueryBody{
			BusinessShortCode: c.cfg.ShortCode,
			Password:          Password(c.cfg.ShortCode, c.cfg.PassKey, timestamp),
			Timestamp:         timestamp,
			CheckoutRequestID: correlationID,
		}).
		Post(queryPath)
	if err != nil {
		return QueryResult{}, &NetworkError{Op: "stk query", Err: err}
	}
	if err := c.checkAuth(ctx, resp); err != nil {
		return QueryResult{}, err
	}
	if resp.StatusCode() != http.StatusOK {
		var er errorResponse
		if json.Unmarshal(resp.Body(), &er) == nil && er.ErrorCode == inProgressErrorCode {
			return QueryResult{}, ErrInProgress
		}
		return QueryResult{}, providerError(resp)
	}

	var qr stkQueryResponse
	if err := json.Unmarshal(resp.Body(), &qr); err != nil || qr.ResultCode == nil {
		return QueryResult{}, &ProviderError{StatusCode: resp.StatusCode(), Code: qr.ResponseCode, Message: "malformed query response"}
	}
	if int(*qr.ResultCode) == models.ResultInProgress {
		return QueryResult{}, ErrInProgress
	}
	return QueryResult{ResultCode: int(*qr.ResultCode), ResultDescription: qr.ResultDesc}, nil
}

// checkAuth drops the cached token when the provider rejects it.
func (c *Client) checkAuth(ctx context.Context, resp *resty.Response) error {
	if resp.StatusCode() != http.StatusUnauthorized {
		return nil
	}
	if err := c.tokens.Invalidate(ctx); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("failed to invalidate mpesa token")
	}
	return &AuthError{StatusCode: resp.StatusCode(), Message: describeError(resp.Body(), resp.Status())}
}

func (c *Client) timestamp() string {
	return c.now().In(eat).Format(timestampLayout)
}

// Password is base64(shortcode + passkey + timestamp) as the provider requires.
func Password(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}

// MaskPhone keeps the country prefix and last three digits.
func MaskPhone(phone string) string {
	if len(phone) <= 7 {
		return "****"
	}
	return phone[:4] + "*****" + phone[len(phone)-3:]
}

func providerError(resp *resty.Response) error {
	var er errorResponse
	if err := json.Unmarshal(resp.Body(), &er); err == nil && er.ErrorCode != "" {
		return &ProviderError{StatusCode: resp.StatusCode(), Code: er.ErrorCode, Message: er.ErrorMessage}
	}
	return &ProviderError{StatusCode: resp.StatusCode(), Code: strconv.Itoa(resp.StatusCode()), Message: resp.Status()}
}

func describeError(body []byte, status string) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.ErrorMessage != "" {
		return fmt.Sprintf("%s (%s)", er.ErrorMessage, er.ErrorCode)
	}
	return status
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
