package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/shopnest/payflow/internal/orders"
)

// bkashServer fakes the tokenized-checkout API and counts token grants.
func bkashServer(t *testing.T, grants *int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tokenized/checkout/token/grant":
			*grants++
			if r.Header.Get("username") != "merchant" {
				t.Errorf("missing username header")
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"id_token": "tok-1", "expires_in": 3600})
		case "/tokenized/checkout/create":
			if r.Header.Get("authorization") != "tok-1" {
				t.Errorf("authorization = %q", r.Header.Get("authorization"))
			}
			var req map[string]string
			json.NewDecoder(r.Body).Decode(&req)
			if req["merchantInvoiceNumber"] != "TRX-1" {
				t.Errorf("merchantInvoiceNumber = %q", req["merchantInvoiceNumber"])
			}
			json.NewEncoder(w).Encode(map[string]string{"paymentID": "PAY1", "bkashURL": "https://bkash.example.com/checkout"})
		case "/tokenized/checkout/payment/status":
			var req map[string]string
			json.NewDecoder(r.Body).Decode(&req)
			switch req["paymentID"] {
			case "PAY1":
				json.NewEncoder(w).Encode(map[string]string{"paymentID": "PAY1", "transactionStatus": "Completed", "statusCode": "0000"})
			default:
				json.NewEncoder(w).Encode(map[string]string{"statusMessage": "payment not found"})
			}
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func bkashAdapter(srv *httptest.Server) *Bkash {
	return NewBkash(BkashConfig{
		AppKey:      "app",
		AppSecret:   "secret",
		Username:    "merchant",
		Password:    "pw",
		BaseURL:     srv.URL,
		CallbackURL: "https://api.example.com/orders/bkash/callback",
	}, srv.Client())
}

func TestBkashInitiate_GrantsAndReusesToken(t *testing.T) {
	grants := 0
	srv := bkashServer(t, &grants)
	defer srv.Close()

	a := bkashAdapter(srv)
	intent := Intent{TranID: "TRX-1", Amount: 500, Currency: "BDT", Customer: orders.Customer{Phone: "01700000000"}}

	res, err := a.Initiate(context.Background(), intent)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.GatewayRef != "PAY1" {
		t.Errorf("GatewayRef = %q", res.GatewayRef)
	}
	if res.RedirectURL == "" {
		t.Errorf("RedirectURL empty")
	}

	if _, err := a.Initiate(context.Background(), intent); err != nil {
		t.Fatalf("second initiate: %v", err)
	}
	if grants != 1 {
		t.Fatalf("token granted %d times, want cached reuse", grants)
	}
}

func TestBkashInitiate_TokenRefreshAfterExpiry(t *testing.T) {
	grants := 0
	srv := bkashServer(t, &grants)
	defer srv.Close()

	a := bkashAdapter(srv)
	now := time.Now()
	a.nowFunc = func() time.Time { return now }

	intent := Intent{TranID: "TRX-1", Amount: 500, Currency: "BDT"}
	if _, err := a.Initiate(context.Background(), intent); err != nil {
		t.Fatalf("first initiate: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := a.Initiate(context.Background(), intent); err != nil {
		t.Fatalf("post-expiry initiate: %v", err)
	}
	if grants != 2 {
		t.Fatalf("expected re-grant after expiry, got %d grants", grants)
	}
}

func TestBkashInitiate_RejectsNonBDT(t *testing.T) {
	a := NewBkash(BkashConfig{}, nil)
	_, err := a.Initiate(context.Background(), Intent{TranID: "TRX-1", Amount: 10, Currency: "EUR"})
	if !errors.Is(err, ErrUnsupportedConfiguration) {
		t.Fatalf("expected ErrUnsupportedConfiguration, got %v", err)
	}
}

func TestBkashParseCallback(t *testing.T) {
	a := NewBkash(BkashConfig{}, nil)

	q := url.Values{}
	q.Set("paymentID", "PAY1")
	q.Set("status", "success")
	ev, err := a.ParseCallback(CallbackRequest{Source: orders.SourceRedirect, Query: q})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.TranID != "" {
		t.Errorf("bkash callback carries no tran_id, got %q", ev.TranID)
	}
	if ev.GatewayRef != "PAY1" || ev.ReportedStatus != "success" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	_, err = a.ParseCallback(CallbackRequest{Source: orders.SourceRedirect, Query: url.Values{}})
	if !errors.Is(err, ErrUntrustedPayload) {
		t.Fatalf("expected ErrUntrustedPayload, got %v", err)
	}
}

func TestBkashVerifyStatus(t *testing.T) {
	grants := 0
	srv := bkashServer(t, &grants)
	defer srv.Close()
	a := bkashAdapter(srv)

	ev, err := a.VerifyStatus(context.Background(), "TRX-1", "PAY1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.ReportedStatus != "Completed" || ev.TranID != "TRX-1" || ev.Source != orders.SourceVerify {
		t.Fatalf("unexpected event: %+v", ev)
	}

	// Unknown paymentID comes back as terminal failed evidence.
	ev, err = a.VerifyStatus(context.Background(), "TRX-2", "PAY-ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.ReportedStatus != "Failed" {
		t.Fatalf("unknown payment must report Failed, got %q", ev.ReportedStatus)
	}
}

func TestBkashVerifyStatus_GatewayDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	a := bkashAdapter(srv)

	_, err := a.VerifyStatus(context.Background(), "TRX-1", "PAY1")
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
}

func TestBkashMapStatus(t *testing.T) {
	a := NewBkash(BkashConfig{}, nil)
	tests := []struct {
		reported string
		want     orders.Status
		ok       bool
	}{
		{"success", orders.StatusCompleted, true},
		{"Completed", orders.StatusCompleted, true},
		{"failure", orders.StatusFailed, true},
		{"Failed", orders.StatusFailed, true},
		{"cancel", orders.StatusCancelled, true},
		{"Cancelled", orders.StatusCancelled, true},
		{"Initiated", "", false},
	}
	for _, tc := range tests {
		got, ok := a.MapStatus(tc.reported)
		if got != tc.want || ok != tc.ok {
			t.Errorf("MapStatus(%q) = (%q, %v), want (%q, %v)", tc.reported, got, ok, tc.want, tc.ok)
		}
	}
}
