package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopnest/payflow/internal/orders"
)

const stripeTestSecret = "whsec_test"

func signStripe(t *testing.T, secret string, ts time.Time, body []byte) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func stripeAdapter(baseURL string, client *http.Client, now time.Time) *Stripe {
	a := NewStripe(StripeConfig{SecretKey: "sk_test", WebhookSecret: stripeTestSecret, BaseURL: baseURL}, client)
	a.nowFunc = func() time.Time { return now }
	return a
}

func TestStripeInitiate_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payment_intents" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test" {
			t.Errorf("Authorization = %q", got)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("amount"); got != "2550" {
			t.Errorf("amount = %q, want smallest-unit 2550", got)
		}
		if got := r.PostForm.Get("metadata[tran_id]"); got != "TRX-1" {
			t.Errorf("metadata[tran_id] = %q", got)
		}
		w.Write([]byte(`{"id":"pi_1","client_secret":"pi_1_secret","status":"requires_payment_method"}`))
	}))
	defer srv.Close()

	a := stripeAdapter(srv.URL, srv.Client(), time.Now())
	res, err := a.Initiate(context.Background(), Intent{
		TranID:   "TRX-1",
		Amount:   25.50,
		Currency: "USD",
		Customer: orders.Customer{Email: "buyer@example.com"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.GatewayRef != "pi_1" || res.ClientToken != "pi_1_secret" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.RedirectURL != "" {
		t.Errorf("stripe initiation is client-confirmed, RedirectURL = %q", res.RedirectURL)
	}
}

func TestStripeInitiate_RejectsUnsupportedCurrency(t *testing.T) {
	a := NewStripe(StripeConfig{}, nil)
	_, err := a.Initiate(context.Background(), Intent{TranID: "TRX-1", Amount: 10, Currency: "BDT"})
	if !errors.Is(err, ErrUnsupportedConfiguration) {
		t.Fatalf("expected ErrUnsupportedConfiguration, got %v", err)
	}
}

func TestStripeParseCallback_SignedEvent(t *testing.T) {
	now := time.Now()
	a := stripeAdapter("", nil, now)

	body := []byte(`{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","status":"succeeded","metadata":{"tran_id":"TRX-1"}}}}`)
	header := http.Header{}
	header.Set("Stripe-Signature", signStripe(t, stripeTestSecret, now, body))

	ev, err := a.ParseCallback(CallbackRequest{Source: orders.SourceNotification, Hint: "webhook", Body: body, Header: header})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.TranID != "TRX-1" || ev.GatewayRef != "pi_1" {
		t.Fatalf("unexpected identity: %+v", ev)
	}
	if ev.ReportedStatus != "payment_intent.succeeded" {
		t.Errorf("ReportedStatus = %q", ev.ReportedStatus)
	}
}

func TestStripeParseCallback_RejectsBadSignatures(t *testing.T) {
	now := time.Now()
	a := stripeAdapter("", nil, now)
	body := []byte(`{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong secret", signStripe(t, "whsec_other", now, body)},
		{"tampered body", signStripe(t, stripeTestSecret, now, []byte(`{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_2"}}}`))},
		{"stale timestamp", signStripe(t, stripeTestSecret, now.Add(-10*time.Minute), body)},
		{"future timestamp", signStripe(t, stripeTestSecret, now.Add(10*time.Minute), body)},
		{"unparsable header", "v1=deadbeef"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			header := http.Header{}
			if tc.header != "" {
				header.Set("Stripe-Signature", tc.header)
			}
			_, err := a.ParseCallback(CallbackRequest{Source: orders.SourceNotification, Body: body, Header: header})
			if !errors.Is(err, ErrUntrustedPayload) {
				t.Fatalf("expected ErrUntrustedPayload, got %v", err)
			}
		})
	}
}

func TestStripeVerifyStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/payment_intents/pi_1":
			w.Write([]byte(`{"id":"pi_1","status":"succeeded"}`))
		case "/v1/payment_intents/pi_ghost":
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"message":"No such payment_intent"}}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	a := stripeAdapter(srv.URL, srv.Client(), time.Now())

	ev, err := a.VerifyStatus(context.Background(), "TRX-1", "pi_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.ReportedStatus != "succeeded" || ev.Source != orders.SourceVerify {
		t.Fatalf("unexpected event: %+v", ev)
	}

	// Unknown intent is terminal failed evidence, not an error.
	ev, err = a.VerifyStatus(context.Background(), "TRX-2", "pi_ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.ReportedStatus != "payment_intent.payment_failed" {
		t.Fatalf("unknown intent must report payment_failed, got %q", ev.ReportedStatus)
	}
}

func TestStripeMapStatus(t *testing.T) {
	a := NewStripe(StripeConfig{}, nil)
	tests := []struct {
		reported string
		want     orders.Status
		ok       bool
	}{
		{"payment_intent.succeeded", orders.StatusCompleted, true},
		{"succeeded", orders.StatusCompleted, true},
		{"payment_intent.payment_failed", orders.StatusFailed, true},
		{"payment_intent.canceled", orders.StatusCancelled, true},
		{"canceled", orders.StatusCancelled, true},
		{"requires_payment_method", "", false},
		{"processing", "", false},
	}
	for _, tc := range tests {
		got, ok := a.MapStatus(tc.reported)
		if got != tc.want || ok != tc.ok {
			t.Errorf("MapStatus(%q) = (%q, %v), want (%q, %v)", tc.reported, got, ok, tc.want, tc.ok)
		}
	}
}

func TestRegistryLookup_UnknownGateway(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup(orders.Gateway("paypal"))
	if !errors.Is(err, ErrUnsupportedConfiguration) {
		t.Fatalf("expected ErrUnsupportedConfiguration, got %v", err)
	}
}
