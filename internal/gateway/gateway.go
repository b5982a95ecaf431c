package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopnest/payflow/internal/orders"
)

// Sentinel errors forming the adapter-level taxonomy. Handlers classify on
// these and always ack the processor; only storage failures bubble up as 5xx.
var (
	// ErrUnsupportedConfiguration rejects a bad initiation request (non-positive
	// amount, currency the processor cannot settle, unknown gateway). No order
	// is created when this is returned.
	ErrUnsupportedConfiguration = errors.New("unsupported gateway configuration")

	// ErrUntrustedPayload rejects a callback/notification that is malformed or
	// fails the processor's authenticity check. The order store is never touched.
	ErrUntrustedPayload = errors.New("untrusted payload")

	// ErrGatewayUnavailable marks a transient network/timeout failure on an
	// outbound processor call. Retried with backoff by the poller only.
	ErrGatewayUnavailable = errors.New("gateway unavailable")
)

// Intent is the order snapshot an adapter needs to open a payment session.
// TranID is assigned by the caller before any external call.
type Intent struct {
	TranID      string
	Amount      float64
	Currency    string
	Customer    orders.Customer
	ProductRef  string
	ProductType string
}

// InitiateResult is the processor's answer to Initiate. Exactly one of
// RedirectURL (hosted checkout) or ClientToken (client-side confirmation)
// is set, depending on the processor's model.
type InitiateResult struct {
	GatewayRef  string
	RedirectURL string
	ClientToken string
}

// CanonicalEvent is the normalized form of any processor status report,
// regardless of channel or processor. At least one of TranID/GatewayRef
// identifies the order; ReportedStatus is the processor's own token, mapped
// to an order status by the owning adapter's MapStatus table.
type CanonicalEvent struct {
	TranID         string
	GatewayRef     string
	ReportedStatus string
	Source         orders.Source
	Digest         string
}

// CallbackRequest carries the raw material of an inbound report: the channel,
// the route hint (success/fail/cancel/ipn/webhook variant), the tran_id from
// the path when the route carries one, and the untouched body/headers/query.
type CallbackRequest struct {
	Source orders.Source
	Hint   string
	TranID string
	Body   []byte
	Header http.Header
	Query  url.Values
}

// Adapter isolates one processor's request/response shapes behind the
// canonical interface. Implementations own their status mapping table; the
// reconciliation engine never branches on processor identity.
type Adapter interface {
	// Initiate opens a payment session. It performs no order-store writes.
	Initiate(ctx context.Context, intent Intent) (InitiateResult, error)

	// ParseCallback normalizes an inbound report. It must not touch storage;
	// failures are ErrUntrustedPayload.
	ParseCallback(req CallbackRequest) (CanonicalEvent, error)

	// VerifyStatus actively queries the processor. Adapters pick whichever of
	// tranID (caller-chosen ref) or gatewayRef (processor-assigned ref) their
	// API keys on. A processor-reported unknown transaction comes back as a
	// failed-mapping event, not an error.
	VerifyStatus(ctx context.Context, tranID, gatewayRef string) (CanonicalEvent, error)

	// MapStatus maps a processor status token to a target order status.
	// Unrecognized tokens return false and are never promoted to success.
	MapStatus(reported string) (orders.Status, bool)
}

// Registry selects the adapter for an order's gateway.
type Registry struct {
	adapters map[orders.Gateway]Adapter
}

// NewRegistry builds a registry from the supplied adapters.
func NewRegistry() *Registry {
	return &Registry{adapters: map[orders.Gateway]Adapter{}}
}

// Register binds an adapter to a gateway variant.
func (r *Registry) Register(gw orders.Gateway, a Adapter) {
	r.adapters[gw] = a
}

// Lookup returns the adapter for gw, or ErrUnsupportedConfiguration when the
// variant has no registered integration.
func (r *Registry) Lookup(gw orders.Gateway) (Adapter, error) {
	a, ok := r.adapters[gw]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for gateway %q", ErrUnsupportedConfiguration, gw)
	}
	return a, nil
}

// PayloadDigest hashes a raw report payload for duplicate detection and audit.
func PayloadDigest(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}
