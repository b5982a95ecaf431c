// Package invoice hands finalized orders to the receipt-rendering
// collaborator. The trigger itself only publishes a job; rendering and retry
// live behind the queue.
package invoice

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopnest/payflow/internal/aws"
	"github.com/shopnest/payflow/internal/orders"
)

// Job is the payload sent engine -> SQS -> invoice worker. It is a snapshot of
// the finalized order, not a reference, so the worker renders what was sold
// even if catalog data changes later.
type Job struct {
	TranID      string          `json:"tran_id"`
	Amount      float64         `json:"amount"`
	Currency    string          `json:"currency"`
	Customer    orders.Customer `json:"customer"`
	ProductRef  string          `json:"product_ref"`
	ProductType string          `json:"product_type,omitempty"`
	Gateway     orders.Gateway  `json:"gateway"`
	FinalizedAt time.Time       `json:"finalized_at"`
}

// Renderer is the excluded rendering collaborator: emit(orderSnapshot) -> artifactID.
type Renderer interface {
	Emit(ctx context.Context, job Job) (string, error)
}

// Trigger publishes invoice jobs. It fires at most once per order; the
// invoice_emitted flag is flipped by the engine's conditional write before
// Fire is called, so a Fire failure is retried externally without a second flip.
type Trigger struct {
	publisher *aws.Publisher
}

// NewTrigger returns a Trigger bound to a publisher.
func NewTrigger(publisher *aws.Publisher) *Trigger {
	return &Trigger{publisher: publisher}
}

// Fire enqueues the invoice job for o.
func (t *Trigger) Fire(ctx context.Context, o orders.Order) error {
	job := Job{
		TranID:      o.TranID,
		Amount:      o.Amount,
		Currency:    o.Currency,
		Customer:    o.Customer,
		ProductRef:  o.ProductRef,
		ProductType: o.ProductType,
		Gateway:     o.Gateway,
	}
	if o.FinalizedAt != nil {
		job.FinalizedAt = *o.FinalizedAt
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal invoice job: %w", err)
	}
	attrs := map[string]string{
		"tran_id": o.TranID,
		"gateway": string(o.Gateway),
	}
	if err := t.publisher.SendInvoiceJob(ctx, string(body), attrs); err != nil {
		return fmt.Errorf("enqueue invoice job: %w", err)
	}
	return nil
}
