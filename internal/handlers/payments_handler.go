package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopnest/payflow/internal/aws"
	"github.com/shopnest/payflow/internal/gateway"
	"github.com/shopnest/payflow/internal/idempotency"
	"github.com/shopnest/payflow/internal/invoice"
	"github.com/shopnest/payflow/internal/orders"
	"github.com/shopnest/payflow/internal/poller"
	"github.com/shopnest/payflow/internal/reconcile"
	"github.com/shopnest/payflow/internal/validation"
)

// HandlerConfig groups dependencies for the payment routes.
type HandlerConfig struct {
	DynamoDBClient   aws.DynamoDBAPI
	SQSClient        aws.SQSAPI
	CloudWatchClient aws.CloudWatchAPI
	Registry         *gateway.Registry

	OrdersTable      string
	IdempotencyTable string
	InvoiceQueueURL  string
	MetricsNamespace string
	ClientURL        string // storefront base for browser redirect results

	TTLWindow   time.Duration
	GraceWindow time.Duration
}

// RegisterPaymentRoutes registers the order/payment reconciliation API.
//
// Inbound channels (redirect callbacks, IPN, webhook) always ack fast:
// untrusted payloads and unknown transactions are classified, logged, and
// dropped with a 2xx so the processor does not storm us with retries. Only
// order-store failures surface as 5xx, prompting the processor's own retry.
func RegisterPaymentRoutes(r *gin.Engine, cfg HandlerConfig) {
	v := validation.New()
	idempStore := idempotency.NewStore(cfg.DynamoDBClient, cfg.IdempotencyTable)
	ordersStore := orders.NewStore(cfg.DynamoDBClient, cfg.OrdersTable)
	publisher := aws.NewPublisher(cfg.SQSClient, cfg.InvoiceQueueURL)
	trigger := invoice.NewTrigger(publisher)

	var meter reconcile.Meter
	if cfg.CloudWatchClient != nil {
		meter = aws.NewMetrics(cfg.CloudWatchClient, cfg.MetricsNamespace)
	}
	engine := reconcile.NewEngine(ordersStore, cfg.Registry, trigger, meter)
	verifier := poller.New(ordersStore, cfg.Registry, engine, meter, cfg.GraceWindow)

	// Initiation: create the pending order and open a processor session.
	r.POST("/orders", func(c *gin.Context) {
		ctx := c.Request.Context()

		var req validation.CreateOrderRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		idempKey := c.GetHeader("Idempotency-Key")
		if idempKey == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_idempotency_key"})
			return
		}

		// The transaction id exists before any external call and never changes.
		tranID := "TRX-" + uuid.NewString()

		adapter, err := cfg.Registry.Lookup(orders.Gateway(req.Gateway))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_configuration", "detail": err.Error()})
			return
		}

		initRes, err := adapter.Initiate(ctx, gateway.Intent{
			TranID:   tranID,
			Amount:   req.Amount,
			Currency: req.Currency,
			Customer: orders.Customer{
				Name:  req.CustomerName,
				Email: req.CustomerEmail,
				Phone: req.CustomerPhone,
			},
			ProductRef:  req.ProductTitle,
			ProductType: req.ProductType,
		})
		if err != nil {
			// Fails fast: no order row exists yet for any of these.
			switch {
			case errors.Is(err, gateway.ErrUnsupportedConfiguration):
				c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_configuration", "detail": err.Error()})
			case errors.Is(err, gateway.ErrGatewayUnavailable):
				c.JSON(http.StatusBadGateway, gin.H{"error": "gateway_unavailable"})
			default:
				c.JSON(http.StatusBadGateway, gin.H{"error": "initiation_rejected", "detail": err.Error()})
			}
			return
		}

		now := time.Now().UTC()
		order := orders.Order{
			TranID:   tranID,
			Amount:   req.Amount,
			Currency: req.Currency,
			Customer: orders.Customer{
				Name:  req.CustomerName,
				Email: req.CustomerEmail,
				Phone: req.CustomerPhone,
			},
			ProductRef:  req.ProductTitle,
			ProductType: req.ProductType,
			Gateway:     orders.Gateway(req.Gateway),
			Status:      orders.StatusPending,
			GatewayRef:  initRes.GatewayRef,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		idempItem := map[string]interface{}{
			"idempotency_key": idempKey,
			"status":          idempotency.StatusInProgress,
			"created_at":      now.Format(time.RFC3339),
			"updated_at":      now.Format(time.RFC3339),
			"tran_id":         tranID,
		}

		// Atomic w.r.t. duplicate submission: the same storefront request can
		// never create two orders. A lost race abandons the processor session
		// just opened; it expires unused.
		err = ordersStore.CreateWithIdempotencyTransaction(ctx, cfg.IdempotencyTable, idempItem, order, cfg.TTLWindow)
		if err != nil {
			rec, getErr := idempStore.Get(ctx, idempKey)
			if getErr != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed", "detail": getErr.Error()})
				return
			}
			if rec == nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "transaction_failed_no_idempotency_record", "detail": err.Error()})
				return
			}
			switch rec.Status {
			case idempotency.StatusDone:
				if rec.ResponseBody != "" {
					c.Data(rec.ResponseStatus, "application/json", []byte(rec.ResponseBody))
					return
				}
				c.JSON(http.StatusOK, gin.H{"tran_id": rec.TranID})
				return
			case idempotency.StatusInProgress:
				c.JSON(http.StatusAccepted, gin.H{"message": "request already in progress", "tran_id": rec.TranID})
				return
			case idempotency.StatusFailed:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "previous_attempt_failed", "tran_id": rec.TranID})
				return
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "unknown_idempotency_status"})
				return
			}
		}

		resp := gin.H{"tran_id": tranID, "status": string(orders.StatusPending)}
		if initRes.RedirectURL != "" {
			resp["redirect_url"] = initRes.RedirectURL
		}
		if initRes.ClientToken != "" {
			resp["client_token"] = initRes.ClientToken
		}
		responseBody, _ := json.Marshal(resp)
		if err := idempStore.MarkDone(ctx, idempKey, string(responseBody), http.StatusCreated); err != nil {
			// The order is committed but the replay body is not. Leaving the
			// record IN_PROGRESS would park duplicates on 202 forever; FAILED
			// points them at the order instead.
			log.Printf("[handlers] mark done failed for key=%s: %v", idempKey, err)
			if ferr := idempStore.MarkFailed(ctx, idempKey, "response capture failed"); ferr != nil {
				log.Printf("[handlers] mark failed for key=%s: %v", idempKey, ferr)
			}
		}

		c.Header("Location", fmt.Sprintf("/orders/%s", tranID))
		c.JSON(http.StatusCreated, resp)
	})

	// Browser redirect callbacks. The paying client's browser lands here; we
	// apply whatever evidence the processor attached and send the user to the
	// storefront result page either way.
	redirectCallback := func(hint, resultPage string) gin.HandlerFunc {
		return func(c *gin.Context) {
			ctx := c.Request.Context()
			tranID := c.Param("tranID")
			body, _ := c.GetRawData()

			target := fmt.Sprintf("%s/%s?tranId=%s", cfg.ClientURL, resultPage, tranID)

			o, err := ordersStore.Get(ctx, tranID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "order_lookup_failed"})
				return
			}
			if o == nil {
				// Probe or stale link: drop, log, still move the browser on.
				log.Printf("[handlers] %s callback for unknown tran_id=%s", hint, tranID)
				c.Redirect(http.StatusSeeOther, target)
				return
			}

			adapter, err := cfg.Registry.Lookup(o.Gateway)
			if err != nil {
				log.Printf("[handlers] %s callback for %s: %v", hint, tranID, err)
				c.Redirect(http.StatusSeeOther, target)
				return
			}

			ev, err := adapter.ParseCallback(gateway.CallbackRequest{
				Source: orders.SourceRedirect,
				Hint:   hint,
				TranID: tranID,
				Body:   body,
				Header: c.Request.Header,
				Query:  c.Request.URL.Query(),
			})
			if err != nil {
				log.Printf("[handlers] dropped %s callback for %s: %v", hint, tranID, err)
				c.Redirect(http.StatusSeeOther, target)
				return
			}

			if _, err := engine.Apply(ctx, ev); err != nil && !errors.Is(err, reconcile.ErrOrderNotFound) {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "reconcile_failed"})
				return
			}
			c.Redirect(http.StatusSeeOther, target)
		}
	}
	r.POST("/orders/success/:tranID", redirectCallback("success", "payment-success"))
	r.POST("/orders/fail/:tranID", redirectCallback("fail", "payment-failed"))
	r.POST("/orders/cancel/:tranID", redirectCallback("cancel", "payment-cancelled"))

	// SSLCommerz IPN: async, possibly out-of-order, possibly duplicate.
	r.POST("/orders/ipn", func(c *gin.Context) {
		ctx := c.Request.Context()
		body, _ := c.GetRawData()

		adapter, err := cfg.Registry.Lookup(orders.GatewaySSLCommerz)
		if err != nil {
			c.String(http.StatusOK, "IPN received")
			return
		}
		ev, err := adapter.ParseCallback(gateway.CallbackRequest{
			Source: orders.SourceNotification,
			Hint:   "ipn",
			Body:   body,
			Header: c.Request.Header,
			Query:  c.Request.URL.Query(),
		})
		if err != nil {
			log.Printf("[handlers] dropped IPN: %v", err)
			c.String(http.StatusOK, "IPN received")
			return
		}

		if _, err := engine.Apply(ctx, ev); err != nil {
			if errors.Is(err, reconcile.ErrOrderNotFound) {
				log.Printf("[handlers] IPN for unknown transaction: %v", err)
				c.String(http.StatusOK, "IPN received")
				return
			}
			c.String(http.StatusInternalServerError, "IPN error")
			return
		}
		c.String(http.StatusOK, "IPN received")
	})

	// Stripe webhook: the authenticated notification channel.
	r.POST("/webhooks/stripe", func(c *gin.Context) {
		ctx := c.Request.Context()
		body, _ := c.GetRawData()

		adapter, err := cfg.Registry.Lookup(orders.GatewayStripe)
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		ev, err := adapter.ParseCallback(gateway.CallbackRequest{
			Source: orders.SourceNotification,
			Hint:   "webhook",
			Body:   body,
			Header: c.Request.Header,
			Query:  c.Request.URL.Query(),
		})
		if err != nil {
			log.Printf("[handlers] dropped stripe webhook: %v", err)
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}

		if _, err := engine.Apply(ctx, ev); err != nil {
			if errors.Is(err, reconcile.ErrOrderNotFound) {
				log.Printf("[handlers] stripe webhook for unknown transaction: %v", err)
				c.JSON(http.StatusOK, gin.H{"received": true})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "reconcile_failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": true})
	})

	// bKash post-checkout callback (query-parameter redirect).
	r.GET("/orders/bkash/callback", func(c *gin.Context) {
		ctx := c.Request.Context()

		adapter, err := cfg.Registry.Lookup(orders.GatewayBkash)
		if err != nil {
			c.Redirect(http.StatusSeeOther, cfg.ClientURL+"/payment-failed")
			return
		}
		ev, err := adapter.ParseCallback(gateway.CallbackRequest{
			Source: orders.SourceRedirect,
			Hint:   "callback",
			Header: c.Request.Header,
			Query:  c.Request.URL.Query(),
		})
		if err != nil {
			log.Printf("[handlers] dropped bkash callback: %v", err)
			c.Redirect(http.StatusSeeOther, cfg.ClientURL+"/payment-failed")
			return
		}

		res, err := engine.Apply(ctx, ev)
		if err != nil {
			if errors.Is(err, reconcile.ErrOrderNotFound) {
				log.Printf("[handlers] bkash callback for unknown payment: %v", err)
				c.Redirect(http.StatusSeeOther, cfg.ClientURL+"/payment-failed")
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "reconcile_failed"})
			return
		}

		page := "payment-pending"
		switch res.Order.Status {
		case orders.StatusCompleted:
			page = "payment-success"
		case orders.StatusFailed, orders.StatusRejected:
			page = "payment-failed"
		case orders.StatusCancelled:
			page = "payment-cancelled"
		}
		c.Redirect(http.StatusSeeOther, fmt.Sprintf("%s/%s?tranId=%s", cfg.ClientURL, page, res.Order.TranID))
	})

	// Manual verification: a client- or operator-triggered active re-check.
	r.GET("/orders/verify/:tranID", func(c *gin.Context) {
		ctx := c.Request.Context()
		tranID := c.Param("tranID")

		o, err := verifier.ResolveOne(ctx, tranID)
		if err != nil {
			switch {
			case errors.Is(err, reconcile.ErrOrderNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
			case errors.Is(err, gateway.ErrGatewayUnavailable):
				// Not failed, just not confirmable right now.
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payment_pending_verification", "tran_id": tranID})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "verification_failed", "detail": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"tran_id":  o.TranID,
			"status":   o.Status,
			"verified": o.Status == orders.StatusCompleted,
		})
	})

	// Status query: current status plus the full audit trail.
	r.GET("/orders/:tranID", func(c *gin.Context) {
		ctx := c.Request.Context()
		tranID := c.Param("tranID")

		o, err := ordersStore.Get(ctx, tranID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "order_lookup_failed"})
			return
		}
		if o == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"tran_id":         o.TranID,
			"amount":          o.Amount,
			"currency":        o.Currency,
			"gateway":         o.Gateway,
			"status":          o.Status,
			"invoice_emitted": o.InvoiceEmitted,
			"invoice_id":      o.InvoiceID,
			"created_at":      o.CreatedAt,
			"finalized_at":    o.FinalizedAt,
			"history":         o.History,
		})
	})
}
