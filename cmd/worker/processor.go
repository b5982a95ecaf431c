package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/aws/aws-lambda-go/events"

	"github.com/shopnest/payflow/internal/aws"
	"github.com/shopnest/payflow/internal/invoice"
	"github.com/shopnest/payflow/internal/orders"
)

// Processor consumes invoice jobs and hands them to the rendering
// collaborator. Rendering failure returns an error so SQS redelivers (and
// eventually DLQs); a redelivered job for an already-rendered order is a no-op.
type Processor struct {
	orderStore *orders.Store
	renderer   invoice.Renderer
}

// NewProcessor creates an invoice worker processor with dependencies injected.
func NewProcessor(dynamo aws.DynamoDBAPI, ordersTable string, renderer invoice.Renderer) *Processor {
	return &Processor{
		orderStore: orders.NewStore(dynamo, ordersTable),
		renderer:   renderer,
	}
}

// Handle receives an SQS batch event and processes each message.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) error {
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			// Return error: Lambda will retry. If failed too many times, message goes to DLQ.
			log.Printf("worker error: %v", err)
			return err
		}
	}
	return nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var job invoice.Job
	if err := json.Unmarshal([]byte(rec.Body), &job); err != nil {
		return fmt.Errorf("invalid message body: %w", err)
	}

	log.Printf("[worker] received invoice job tran_id=%s gateway=%s", job.TranID, job.Gateway)

	o, err := p.orderStore.Get(ctx, job.TranID)
	if err != nil {
		return fmt.Errorf("failed to fetch order: %w", err)
	}
	if o == nil {
		// A job for an order that never existed; bounce it to the DLQ.
		return fmt.Errorf("order not found: %s", job.TranID)
	}

	// Jobs are only enqueued by the COMPLETED transition; anything else means
	// the queue and the store disagree.
	if o.Status != orders.StatusCompleted || !o.InvoiceEmitted {
		return fmt.Errorf("order %s not invoiceable: status=%s invoice_emitted=%v", o.TranID, o.Status, o.InvoiceEmitted)
	}
	if o.InvoiceID != "" {
		log.Printf("[worker] invoice already rendered for %s (%s)", o.TranID, o.InvoiceID)
		return nil
	}

	artifactID, err := p.renderer.Emit(ctx, job)
	if err != nil {
		return fmt.Errorf("render invoice for %s: %w", job.TranID, err)
	}

	if err := p.orderStore.RecordInvoiceArtifact(ctx, o.TranID, artifactID); err != nil {
		if err == orders.ErrInvoiceRecorded {
			// Lost a redelivery race; the other delivery recorded its artifact.
			log.Printf("[worker] duplicate render for %s discarded", o.TranID)
			return nil
		}
		return fmt.Errorf("record invoice artifact: %w", err)
	}

	log.Printf("[worker] invoice %s recorded for %s", artifactID, o.TranID)
	return nil
}
