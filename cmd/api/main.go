package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"github.com/shopnest/payflow/internal/aws"
	"github.com/shopnest/payflow/internal/gateway"
	"github.com/shopnest/payflow/internal/handlers"
	"github.com/shopnest/payflow/internal/orders"
)

func setupRouter(cfg handlers.HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterPaymentRoutes(r, cfg)

	return r
}

// buildRegistry wires one adapter per processor from environment credentials.
func buildRegistry(serverURL string) *gateway.Registry {
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

	return reg
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

	serverURL := os.Getenv("SERVER_URL")

	cfg := handlers.HandlerConfig{
		DynamoDBClient:   clients.DynamoDB,
		SQSClient:        clients.SQS,
		CloudWatchClient: clients.CloudWatch,
		Registry:         buildRegistry(serverURL),
		OrdersTable:      os.Getenv("ORDERS_TABLE"),
		IdempotencyTable: os.Getenv("IDEMPOTENCY_TABLE"),
		InvoiceQueueURL:  os.Getenv("INVOICE_QUEUE_URL"),
		MetricsNamespace: envOr("METRICS_NAMESPACE", "Payflow/Reconciliation"),
		ClientURL:        os.Getenv("CLIENT_URL"),
		TTLWindow:        48 * time.Hour,
		GraceWindow:      30 * time.Minute,
	}

	r := setupRouter(cfg)

	// if environment variable RUN_LOCAL is set to "true", run local HTTP server for development.
	if os.Getenv("RUN_LOCAL") == "true" {
		addr := ":8080"
		log.Printf("running local server on %s", addr)
		if err := r.Run(addr); err != nil {
			log.Fatalf("failed to run local server: %v", err)
		}
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (interface{}, error) {
		// the adapter handles proxying; use adapter.ProxyWithContext for proper context propagation
		return adapter.ProxyWithContext(ctx, req)
	})
}
