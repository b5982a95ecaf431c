package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopnest/payflow/internal/orders"
)

// SSLCommerzConfig holds merchant credentials and endpoints for SSLCommerz.
// ServerURL is our own base URL, used to build the success/fail/cancel/ipn
// callback targets sent at session creation.
type SSLCommerzConfig struct {
	StoreID   string
	StorePass string
	BaseURL   string // e.g. https://sandbox.sslcommerz.com
	ServerURL string
}

// SSLCommerz integrates the SSLCommerz hosted checkout. Redirect callbacks
// are unauthenticated (identified by tran_id in the path only); the IPN push
// and the validator API carry the full transaction record.
type SSLCommerz struct {
	cfg    SSLCommerzConfig
	client *http.Client
}

// NewSSLCommerz returns an adapter; httpClient may be nil for a default with
// a 10s timeout.
func NewSSLCommerz(cfg SSLCommerzConfig, httpClient *http.Client) *SSLCommerz {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &SSLCommerz{cfg: cfg, client: httpClient}
}

type sslInitResponse struct {
	Status         string `json:"status"`
	SessionKey     string `json:"sessionkey"`
	GatewayPageURL string `json:"GatewayPageURL"`
	FailedReason   string `json:"failedreason"`
}

// Initiate opens a gwprocess v4 session and returns the hosted-checkout URL.
func (s *SSLCommerz) Initiate(ctx context.Context, intent Intent) (InitiateResult, error) {
	if intent.Amount <= 0 {
		return InitiateResult{}, fmt.Errorf("%w: non-positive amount %.2f", ErrUnsupportedConfiguration, intent.Amount)
	}
	if intent.Currency != "BDT" {
		return InitiateResult{}, fmt.Errorf("%w: sslcommerz settles BDT only, got %s", ErrUnsupportedConfiguration, intent.Currency)
	}

	form := url.Values{}
	form.Set("store_id", s.cfg.StoreID)
	form.Set("store_passwd", s.cfg.StorePass)
	form.Set("total_amount", fmt.Sprintf("%.2f", intent.Amount))
	form.Set("currency", intent.Currency)
	form.Set("tran_id", intent.TranID)
	form.Set("success_url", s.cfg.ServerURL+"/orders/success/"+intent.TranID)
	form.Set("fail_url", s.cfg.ServerURL+"/orders/fail/"+intent.TranID)
	form.Set("cancel_url", s.cfg.ServerURL+"/orders/cancel/"+intent.TranID)
	form.Set("ipn_url", s.cfg.ServerURL+"/orders/ipn")
	form.Set("product_name", intent.ProductRef)
	form.Set("product_category", intent.ProductType)
	form.Set("product_profile", "general")
	form.Set("cus_name", intent.Customer.Name)
	form.Set("cus_email", intent.Customer.Email)
	form.Set("cus_phone", intent.Customer.Phone)
	form.Set("cus_add1", "Dhaka")
	form.Set("cus_city", "Dhaka")
	form.Set("cus_country", "Bangladesh")

	var resp sslInitResponse
	if err := s.postForm(ctx, s.cfg.BaseURL+"/gwprocess/v4/api.php", form, &resp); err != nil {
		return InitiateResult{}, err
	}
	if !strings.EqualFold(resp.Status, "SUCCESS") || resp.GatewayPageURL == "" {
		return InitiateResult{}, fmt.Errorf("sslcommerz initiation rejected: %s", resp.FailedReason)
	}
	return InitiateResult{
		GatewayRef:  resp.SessionKey,
		RedirectURL: resp.GatewayPageURL,
	}, nil
}

// ParseCallback normalizes redirect callbacks and IPN pushes. The gateway
// posts the transaction record as a form body to all four endpoints; the
// redirect variants additionally carry tran_id in the path, which is the only
// identity we require for them.
func (s *SSLCommerz) ParseCallback(req CallbackRequest) (CanonicalEvent, error) {
	form, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return CanonicalEvent{}, fmt.Errorf("%w: malformed form body: %v", ErrUntrustedPayload, err)
	}

	tranID := req.TranID
	if tranID == "" {
		tranID = form.Get("tran_id")
	}
	if tranID == "" {
		return CanonicalEvent{}, fmt.Errorf("%w: no tran_id in sslcommerz %s payload", ErrUntrustedPayload, req.Hint)
	}

	reported := form.Get("status")
	if reported == "" {
		// Bare redirect hit with an empty body: the route variant is all the
		// evidence the browser gave us.
		switch req.Hint {
		case "success":
			reported = "VALID"
		case "fail":
			reported = "FAILED"
		case "cancel":
			reported = "CANCELLED"
		default:
			return CanonicalEvent{}, fmt.Errorf("%w: no status in sslcommerz %s payload", ErrUntrustedPayload, req.Hint)
		}
	}

	return CanonicalEvent{
		TranID:         tranID,
		GatewayRef:     form.Get("val_id"),
		ReportedStatus: reported,
		Source:         req.Source,
		Digest:         PayloadDigest([]byte(req.Hint), []byte(tranID), req.Body),
	}, nil
}

type sslValidationResponse struct {
	APIConnect   string `json:"APIConnect"`
	TransFound   int    `json:"no_of_trans_found"`
	Transactions []struct {
		Status string `json:"status"`
		ValID  string `json:"val_id"`
	} `json:"element"`
}

// VerifyStatus queries the merchant transaction-validation API by tran_id
// (SSLCommerz keys verification on the caller-chosen reference).
func (s *SSLCommerz) VerifyStatus(ctx context.Context, tranID, gatewayRef string) (CanonicalEvent, error) {
	q := url.Values{}
	q.Set("tran_id", tranID)
	q.Set("store_id", s.cfg.StoreID)
	q.Set("store_passwd", s.cfg.StorePass)
	q.Set("format", "json")

	endpoint := s.cfg.BaseURL + "/validator/api/merchantTransIDvalidationAPI.php?" + q.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CanonicalEvent{}, fmt.Errorf("build verify request: %w", err)
	}
	httpResp, err := s.client.Do(httpReq)
	if err != nil {
		return CanonicalEvent{}, fmt.Errorf("%w: sslcommerz verify: %v", ErrGatewayUnavailable, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return CanonicalEvent{}, fmt.Errorf("%w: read verify response: %v", ErrGatewayUnavailable, err)
	}
	if httpResp.StatusCode >= 500 {
		return CanonicalEvent{}, fmt.Errorf("%w: sslcommerz verify http %d", ErrGatewayUnavailable, httpResp.StatusCode)
	}

	var resp sslValidationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return CanonicalEvent{}, fmt.Errorf("decode verify response: %w", err)
	}

	ev := CanonicalEvent{
		TranID: tranID,
		Source: orders.SourceVerify,
		Digest: PayloadDigest([]byte("verify"), body),
	}
	if resp.TransFound == 0 || len(resp.Transactions) == 0 {
		// The processor has no record of this transaction: terminal evidence
		// the payment never happened.
		ev.ReportedStatus = "FAILED"
		return ev, nil
	}
	ev.ReportedStatus = resp.Transactions[0].Status
	ev.GatewayRef = resp.Transactions[0].ValID
	return ev, nil
}

// MapStatus is the SSLCommerz status table. Anything else stays pending.
func (s *SSLCommerz) MapStatus(reported string) (orders.Status, bool) {
	switch reported {
	case "VALID", "VALIDATED":
		return orders.StatusCompleted, true
	case "FAILED":
		return orders.StatusFailed, true
	case "CANCELLED":
		return orders.StatusCancelled, true
	case "EXPIRED":
		return orders.StatusRejected, true
	}
	return "", false
}

func (s *SSLCommerz) postForm(ctx context.Context, endpoint string, form url.Values, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	httpResp, err := s.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: sslcommerz post: %v", ErrGatewayUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 500 {
		return fmt.Errorf("%w: sslcommerz http %d", ErrGatewayUnavailable, httpResp.StatusCode)
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode sslcommerz response: %w", err)
	}
	return nil
}
