package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopnest/payflow/internal/orders"
)

// BkashConfig holds tokenized-checkout credentials for bKash.
type BkashConfig struct {
	AppKey      string
	AppSecret   string
	Username    string
	Password    string
	BaseURL     string // e.g. https://tokenized.sandbox.bka.sh/v1.2.0-beta
	CallbackURL string // where bKash redirects the payer after checkout
}

// Bkash integrates the bKash tokenized checkout. Callbacks arrive as query
// parameters on our callback URL keyed by the processor-assigned paymentID;
// verification uses the authenticated payment-status API.
type Bkash struct {
	cfg     BkashConfig
	client  *http.Client
	nowFunc func() time.Time

	mu          sync.Mutex
	idToken     string
	tokenExpiry time.Time
}

// NewBkash returns an adapter; httpClient may be nil for a default with a 10s timeout.
func NewBkash(cfg BkashConfig, httpClient *http.Client) *Bkash {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Bkash{cfg: cfg, client: httpClient, nowFunc: time.Now}
}

type bkashTokenResponse struct {
	IDToken   string `json:"id_token"`
	ExpiresIn int    `json:"expires_in"`
	StatusMsg string `json:"statusMessage"`
}

// token grants (or reuses) an id_token for the checkout APIs.
func (b *Bkash) token(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.idToken != "" && b.nowFunc().Before(b.tokenExpiry) {
		return b.idToken, nil
	}

	payload := map[string]string{
		"app_key":    b.cfg.AppKey,
		"app_secret": b.cfg.AppSecret,
	}
	headers := map[string]string{
		"username": b.cfg.Username,
		"password": b.cfg.Password,
	}
	var resp bkashTokenResponse
	if err := b.postJSON(ctx, "/tokenized/checkout/token/grant", payload, headers, &resp); err != nil {
		return "", err
	}
	if resp.IDToken == "" {
		return "", fmt.Errorf("bkash token grant rejected: %s", resp.StatusMsg)
	}
	b.idToken = resp.IDToken
	// refresh a minute early
	b.tokenExpiry = b.nowFunc().Add(time.Duration(resp.ExpiresIn)*time.Second - time.Minute)
	return b.idToken, nil
}

type bkashCreateResponse struct {
	PaymentID string `json:"paymentID"`
	BkashURL  string `json:"bkashURL"`
	StatusMsg string `json:"statusMessage"`
}

// Initiate creates a tokenized-checkout payment session.
func (b *Bkash) Initiate(ctx context.Context, intent Intent) (InitiateResult, error) {
	if intent.Amount <= 0 {
		return InitiateResult{}, fmt.Errorf("%w: non-positive amount %.2f", ErrUnsupportedConfiguration, intent.Amount)
	}
	if intent.Currency != "BDT" {
		return InitiateResult{}, fmt.Errorf("%w: bkash settles BDT only, got %s", ErrUnsupportedConfiguration, intent.Currency)
	}

	tok, err := b.token(ctx)
	if err != nil {
		return InitiateResult{}, err
	}

	payload := map[string]string{
		"mode":                  "0011",
		"payerReference":        intent.Customer.Phone,
		"callbackURL":           b.cfg.CallbackURL,
		"amount":                fmt.Sprintf("%.2f", intent.Amount),
		"currency":              intent.Currency,
		"intent":                "sale",
		"merchantInvoiceNumber": intent.TranID,
	}
	headers := map[string]string{
		"authorization": tok,
		"x-app-key":     b.cfg.AppKey,
	}
	var resp bkashCreateResponse
	if err := b.postJSON(ctx, "/tokenized/checkout/create", payload, headers, &resp); err != nil {
		return InitiateResult{}, err
	}
	if resp.PaymentID == "" || resp.BkashURL == "" {
		return InitiateResult{}, fmt.Errorf("bkash create rejected: %s", resp.StatusMsg)
	}
	return InitiateResult{
		GatewayRef:  resp.PaymentID,
		RedirectURL: resp.BkashURL,
	}, nil
}

// ParseCallback handles the post-checkout redirect:
// callbackURL?paymentID=...&status=success|failure|cancel. The order is
// identified by paymentID only; correlation happens via the gateway_ref index.
func (b *Bkash) ParseCallback(req CallbackRequest) (CanonicalEvent, error) {
	paymentID := req.Query.Get("paymentID")
	status := req.Query.Get("status")
	if paymentID == "" || status == "" {
		return CanonicalEvent{}, fmt.Errorf("%w: bkash callback missing paymentID/status", ErrUntrustedPayload)
	}
	return CanonicalEvent{
		GatewayRef:     paymentID,
		ReportedStatus: status,
		Source:         req.Source,
		Digest:         PayloadDigest([]byte("bkash"), []byte(paymentID), []byte(status)),
	}, nil
}

type bkashStatusResponse struct {
	PaymentID         string `json:"paymentID"`
	TransactionStatus string `json:"transactionStatus"`
	StatusCode        string `json:"statusCode"`
	StatusMsg         string `json:"statusMessage"`
}

// VerifyStatus queries the payment-status API by paymentID.
func (b *Bkash) VerifyStatus(ctx context.Context, tranID, gatewayRef string) (CanonicalEvent, error) {
	tok, err := b.token(ctx)
	if err != nil {
		return CanonicalEvent{}, err
	}

	payload := map[string]string{"paymentID": gatewayRef}
	headers := map[string]string{
		"authorization": tok,
		"x-app-key":     b.cfg.AppKey,
	}
	var resp bkashStatusResponse
	if err := b.postJSON(ctx, "/tokenized/checkout/payment/status", payload, headers, &resp); err != nil {
		return CanonicalEvent{}, err
	}

	ev := CanonicalEvent{
		TranID:     tranID,
		GatewayRef: gatewayRef,
		Source:     orders.SourceVerify,
		Digest:     PayloadDigest([]byte("bkash-verify"), []byte(gatewayRef), []byte(resp.TransactionStatus), []byte(resp.StatusCode)),
	}
	if resp.TransactionStatus == "" {
		// Status API has no record of the payment: terminal evidence it never
		// happened on the processor side.
		ev.ReportedStatus = "Failed"
		return ev, nil
	}
	ev.ReportedStatus = resp.TransactionStatus
	return ev, nil
}

// MapStatus is the bKash status table: checkout redirect tokens plus the
// status-API transaction states. "Initiated" stays pending.
func (b *Bkash) MapStatus(reported string) (orders.Status, bool) {
	switch reported {
	case "success", "Completed":
		return orders.StatusCompleted, true
	case "failure", "Failed":
		return orders.StatusFailed, true
	case "cancel", "Cancelled":
		return orders.StatusCancelled, true
	}
	return "", false
}

func (b *Bkash) postJSON(ctx context.Context, path string, payload interface{}, headers map[string]string, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: bkash post %s: %v", ErrGatewayUnavailable, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 500 {
		return fmt.Errorf("%w: bkash http %d on %s", ErrGatewayUnavailable, httpResp.StatusCode, path)
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode bkash response: %w", err)
	}
	return nil
}
