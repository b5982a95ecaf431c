package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/shopnest/payflow/internal/aws"
	"github.com/shopnest/payflow/internal/gateway"
	"github.com/shopnest/payflow/internal/invoice"
	"github.com/shopnest/payflow/internal/orders"
	"github.com/shopnest/payflow/internal/poller"
	"github.com/shopnest/payflow/internal/reconcile"
)

// The poller runs on an EventBridge schedule and sweeps orders stuck PENDING
// past the grace window, feeding verification results through the same
// reconciliation entry point as the callback channels.

func buildPoller(clients *aws.AWSClients) *poller.Poller {
	serverURL := os.Getenv("SERVER_URL")

	reg := gateway.NewRegistry()
	reg.Register(orders.GatewaySSLCommerz, gateway.NewSSLCommerz(gateway.SSLCommerzConfig{
		StoreID:   os.Getenv("SSLCOMMERZ_STORE_ID"),
		StorePass: os.Getenv("SSLCOMMERZ_STORE_PASS"),
		BaseURL:   envOr("SSLCOMMERZ_BASE_URL", "https://sandbox.sslcommerz.com"),
		ServerURL: serverURL,
	}, nil))
	reg.Register(orders.GatewayBkash, gateway.NewBkash(gateway.BkashConfig{
		AppKey:      os.Getenv("BKASH_APP_KEY"),
		AppSecret:   os.Getenv("BKASH_APP_SECRET"),
		Username:    os.Getenv("BKASH_USERNAME"),
		Password:    os.Getenv("BKASH_PASSWORD"),
		BaseURL:     envOr("BKASH_BASE_URL", "https://tokenized.sandbox.bka.sh/v1.2.0-beta"),
		CallbackURL: serverURL + "/orders/bkash/callback",
	}, nil))
	reg.Register(orders.GatewayStripe, gateway.NewStripe(gateway.StripeConfig{
		SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		BaseURL:       envOr("STRIPE_BASE_URL", "https://api.stripe.com"),
	}, nil))

	store := orders.NewStore(clients.DynamoDB, os.Getenv("ORDERS_TABLE"))
	publisher := aws.NewPublisher(clients.SQS, os.Getenv("INVOICE_QUEUE_URL"))
	meter := aws.NewMetrics(clients.CloudWatch, envOr("METRICS_NAMESPACE", "Payflow/Reconciliation"))
	engine := reconcile.NewEngine(store, reg, invoice.NewTrigger(publisher), meter)

	graceWindow := 30 * time.Minute
	if v := os.Getenv("GRACE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			graceWindow = d
		} else {
			log.Printf("invalid GRACE_WINDOW %q, using default: %v", v, err)
		}
	}

	return poller.New(store, reg, engine, meter, graceWindow)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	clients, err := aws.NewAWSClients(context.Background())
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	p := buildPoller(clients)

	handler := func(ctx context.Context, ev events.CloudWatchEvent) error {
		finalized, err := p.ResolveStale(ctx)
		if err != nil {
			return err
		}
		log.Printf("[poller] run finished, %d orders finalized", finalized)
		return nil
	}

	// RUN_LOCAL: one sweep and exit, for development.
	if os.Getenv("RUN_LOCAL") == "true" {
		if err := handler(context.Background(), events.CloudWatchEvent{}); err != nil {
			log.Fatalf("local sweep error: %v", err)
		}
		return
	}

	lambda.Start(handler)
}
