package testutil

import (
	"context"

	"github.com/shopnest/payflow/internal/gateway"
	"github.com/shopnest/payflow/internal/orders"
)

// StubAdapter is a scripted gateway.Adapter.
type StubAdapter struct {
	InitiateResult gateway.InitiateResult
	InitiateErr    error

	CallbackEvent gateway.CanonicalEvent
	CallbackErr   error

	// VerifyEvents is consumed front to back; once drained the last entry
	// repeats. VerifyErrs is consumed in lockstep, nil entries meaning success.
	VerifyEvents []gateway.CanonicalEvent
	VerifyErrs   []error
	VerifyCalls  int

	// Statuses maps reported tokens to terminal statuses. Unknown tokens are
	// unmapped, like a production adapter seeing an unrecognized payload.
	Statuses map[string]orders.Status
}

func (s *StubAdapter) Initiate(ctx context.Context, intent gateway.Intent) (gateway.InitiateResult, error) {
	return s.InitiateResult, s.InitiateErr
}

func (s *StubAdapter) ParseCallback(req gateway.CallbackRequest) (gateway.CanonicalEvent, error) {
	return s.CallbackEvent, s.CallbackErr
}

func (s *StubAdapter) VerifyStatus(ctx context.Context, tranID, gatewayRef string) (gateway.CanonicalEvent, error) {
	call := s.VerifyCalls
	s.VerifyCalls++
	var err error
	if call < len(s.VerifyErrs) {
		err = s.VerifyErrs[call]
	}
	var ev gateway.CanonicalEvent
	if n := len(s.VerifyEvents); n > 0 {
		if call >= n {
			call = n - 1
		}
		ev = s.VerifyEvents[call]
	}
	return ev, err
}

func (s *StubAdapter) MapStatus(reported string) (orders.Status, bool) {
	st, ok := s.Statuses[reported]
	return st, ok
}
