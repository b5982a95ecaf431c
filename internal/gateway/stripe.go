package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopnest/payflow/internal/orders"
)

// stripeSignatureTolerance bounds how old a signed webhook timestamp may be.
const stripeSignatureTolerance = 5 * time.Minute

// StripeConfig holds API credentials for Stripe.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string // e.g. https://api.stripe.com
}

// Stripe integrates card payments via PaymentIntents. Initiation returns a
// client_secret the storefront confirms client-side; status reports arrive as
// HMAC-signed webhook events, the one authenticated notification channel.
type Stripe struct {
	cfg     StripeConfig
	client  *http.Client
	nowFunc func() time.Time
}

// NewStripe returns an adapter; httpClient may be nil for a default with a 10s timeout.
func NewStripe(cfg StripeConfig, httpClient *http.Client) *Stripe {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Stripe{cfg: cfg, client: httpClient, nowFunc: time.Now}
}

var stripeCurrencies = map[string]bool{"USD": true, "EUR": true, "GBP": true}

type stripeIntentResponse struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
	Error        *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Initiate creates a PaymentIntent; amounts are sent in the smallest currency unit.
func (s *Stripe) Initiate(ctx context.Context, intent Intent) (InitiateResult, error) {
	if intent.Amount <= 0 {
		return InitiateResult{}, fmt.Errorf("%w: non-positive amount %.2f", ErrUnsupportedConfiguration, intent.Amount)
	}
	if !stripeCurrencies[strings.ToUpper(intent.Currency)] {
		return InitiateResult{}, fmt.Errorf("%w: stripe does not settle %s here", ErrUnsupportedConfiguration, intent.Currency)
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(int64(math.Round(intent.Amount*100)), 10))
	form.Set("currency", strings.ToLower(intent.Currency))
	form.Set("description", intent.ProductRef)
	form.Set("receipt_email", intent.Customer.Email)
	form.Set("payment_method_types[]", "card")
	form.Set("metadata[tran_id]", intent.TranID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/v1/payment_intents", strings.NewReader(form.Encode()))
	if err != nil {
		return InitiateResult{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Authorization", "Bearer "+s.cfg.SecretKey)

	httpResp, err := s.client.Do(httpReq)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("%w: stripe post: %v", ErrGatewayUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 500 {
		return InitiateResult{}, fmt.Errorf("%w: stripe http %d", ErrGatewayUnavailable, httpResp.StatusCode)
	}
	var resp stripeIntentResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return InitiateResult{}, fmt.Errorf("decode stripe response: %w", err)
	}
	if resp.Error != nil || resp.ID == "" {
		msg := "no payment intent returned"
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		return InitiateResult{}, fmt.Errorf("stripe intent rejected: %s", msg)
	}
	return InitiateResult{
		GatewayRef:  resp.ID,
		ClientToken: resp.ClientSecret,
	}, nil
}

type stripeWebhookEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string            `json:"id"`
			Status   string            `json:"status"`
			Metadata map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// ParseCallback verifies the Stripe-Signature header (t=...,v1=... scheme,
// HMAC-SHA256 over "<t>.<body>", constant-time compare, bounded clock skew)
// and normalizes the event. An unverifiable payload never reaches storage.
func (s *Stripe) ParseCallback(req CallbackRequest) (CanonicalEvent, error) {
	if err := s.checkSignature(req.Header.Get("Stripe-Signature"), req.Body); err != nil {
		return CanonicalEvent{}, err
	}

	var ev stripeWebhookEvent
	if err := json.Unmarshal(req.Body, &ev); err != nil {
		return CanonicalEvent{}, fmt.Errorf("%w: malformed webhook body: %v", ErrUntrustedPayload, err)
	}
	if ev.Data.Object.ID == "" {
		return CanonicalEvent{}, fmt.Errorf("%w: webhook carries no payment intent", ErrUntrustedPayload)
	}

	return CanonicalEvent{
		TranID:         ev.Data.Object.Metadata["tran_id"],
		GatewayRef:     ev.Data.Object.ID,
		ReportedStatus: ev.Type,
		Source:         req.Source,
		Digest:         PayloadDigest(req.Body),
	}, nil
}

func (s *Stripe) checkSignature(header string, body []byte) error {
	if header == "" {
		return fmt.Errorf("%w: missing Stripe-Signature header", ErrUntrustedPayload)
	}
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return fmt.Errorf("%w: unparsable Stripe-Signature header", ErrUntrustedPayload)
	}

	epoch, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad signature timestamp", ErrUntrustedPayload)
	}
	age := s.nowFunc().Sub(time.Unix(epoch, 0))
	if age > stripeSignatureTolerance || age < -stripeSignatureTolerance {
		return fmt.Errorf("%w: signature timestamp outside tolerance", ErrUntrustedPayload)
	}

	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range sigs {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return nil
		}
	}
	return fmt.Errorf("%w: webhook signature mismatch", ErrUntrustedPayload)
}

// VerifyStatus fetches the PaymentIntent by its processor-assigned id.
func (s *Stripe) VerifyStatus(ctx context.Context, tranID, gatewayRef string) (CanonicalEvent, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"/v1/payment_intents/"+gatewayRef, nil)
	if err != nil {
		return CanonicalEvent{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.cfg.SecretKey)

	httpResp, err := s.client.Do(httpReq)
	if err != nil {
		return CanonicalEvent{}, fmt.Errorf("%w: stripe get: %v", ErrGatewayUnavailable, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return CanonicalEvent{}, fmt.Errorf("%w: read verify response: %v", ErrGatewayUnavailable, err)
	}
	if httpResp.StatusCode >= 500 {
		return CanonicalEvent{}, fmt.Errorf("%w: stripe http %d", ErrGatewayUnavailable, httpResp.StatusCode)
	}

	ev := CanonicalEvent{
		TranID:     tranID,
		GatewayRef: gatewayRef,
		Source:     orders.SourceVerify,
		Digest:     PayloadDigest([]byte("stripe-verify"), body),
	}
	if httpResp.StatusCode == http.StatusNotFound {
		// The processor has never seen this intent: terminal evidence of failure.
		ev.ReportedStatus = "payment_intent.payment_failed"
		return ev, nil
	}

	var resp stripeIntentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return CanonicalEvent{}, fmt.Errorf("decode verify response: %w", err)
	}
	ev.ReportedStatus = resp.Status
	return ev, nil
}

// MapStatus is the Stripe status table: webhook event types plus intent
// statuses returned by verification. In-flight statuses like
// "requires_payment_method" stay pending.
func (s *Stripe) MapStatus(reported string) (orders.Status, bool) {
	switch reported {
	case "payment_intent.succeeded", "succeeded":
		return orders.StatusCompleted, true
	case "payment_intent.payment_failed":
		return orders.StatusFailed, true
	case "payment_intent.canceled", "canceled":
		return orders.StatusCancelled, true
	}
	return "", false
}
