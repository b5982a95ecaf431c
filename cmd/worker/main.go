package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"

	"github.com/shopnest/payflow/internal/aws"
	"github.com/shopnest/payflow/internal/invoice"
)

// logRenderer stands in for the external receipt-rendering collaborator. It
// allocates the artifact id and logs the handoff; the real renderer is a
// separate deployment behind the same Emit contract.
type logRenderer struct{}

func (logRenderer) Emit(ctx context.Context, job invoice.Job) (string, error) {
	artifactID := "INV-" + uuid.NewString()
	log.Printf("[worker] rendering receipt %s: %s %.2f %s for %s", artifactID, job.TranID, job.Amount, job.Currency, job.Customer.Email)
	return artifactID, nil
}

func main() {
	clients, err := aws.NewAWSClients(context.Background())
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	p := NewProcessor(clients.DynamoDB, os.Getenv("ORDERS_TABLE"), logRenderer{})

	// If RUN_LOCAL=true, simulate a single SQS event for local testing.
	if os.Getenv("RUN_LOCAL") == "true" {
		testBody := os.Getenv("LOCAL_SQS_BODY")
		if testBody == "" {
			testBody = `{"tran_id":"TRX-local-1","amount":500,"currency":"BDT","gateway":"sslcommerz"}`
		}
		event := events.SQSEvent{
			Records: []events.SQSMessage{
				{
					Body: testBody,
				},
			},
		}
		if err := p.Handle(context.Background(), event); err != nil {
			log.Fatalf("local handler error: %v", err)
		}
		return
	}

	lambda.Start(p.Handle)
}
