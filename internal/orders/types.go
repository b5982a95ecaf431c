package orders

import "time"

// Status is the order lifecycle state. PENDING is the only non-terminal state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusRejected  Status = "REJECTED"
)

// Terminal reports whether no further automated transition can leave s.
func (s Status) Terminal() bool {
	return s != StatusPending && s != ""
}

// Gateway identifies the external payment processor an order was initiated with.
type Gateway string

const (
	GatewaySSLCommerz Gateway = "sslcommerz"
	GatewayBkash      Gateway = "bkash"
	GatewayStripe     Gateway = "stripe"
)

// Source is the delivery channel a status report arrived on.
type Source string

const (
	SourceRedirect     Source = "redirect"     // browser redirect callback
	SourceNotification Source = "notification" // async server-to-server push (IPN/webhook)
	SourceVerify       Source = "verify"       // active status query by the poller
)

// Customer is the identity snapshot taken at purchase time, not a live reference.
type Customer struct {
	Name  string `dynamodbav:"name" json:"name"`
	Email string `dynamodbav:"email" json:"email"`
	Phone string `dynamodbav:"phone,omitempty" json:"phone,omitempty"`
}

// StatusReport is one entry of the append-only audit log. Every accepted
// report is recorded, including ones that changed nothing; the
// (Source, Digest) pair is the duplicate-delivery key.
type StatusReport struct {
	ReportedStatus string    `dynamodbav:"reported_status" json:"reported_status"`
	Source         Source    `dynamodbav:"source" json:"source"`
	ReceivedAt     time.Time `dynamodbav:"received_at" json:"received_at"`
	Digest         string    `dynamodbav:"digest" json:"digest"`
	Anomaly        bool      `dynamodbav:"anomaly,omitempty" json:"anomaly,omitempty"`
}

// Order represents the item stored in the orders DynamoDB table.
// Mutated only through the reconciliation engine's conditional writes.
type Order struct {
	TranID         string         `dynamodbav:"tran_id"` // PK, assigned before any external call
	Amount         float64        `dynamodbav:"amount"`
	Currency       string         `dynamodbav:"currency"`
	Customer       Customer       `dynamodbav:"customer"`
	ProductRef     string         `dynamodbav:"product_ref"`
	ProductType    string         `dynamodbav:"product_type,omitempty"`
	Gateway        Gateway        `dynamodbav:"gateway"`
	Status         Status         `dynamodbav:"status"`
	GatewayRef     string         `dynamodbav:"gateway_ref,omitempty"` // processor-assigned, GSI key
	History        []StatusReport `dynamodbav:"history,omitempty"`
	InvoiceEmitted bool           `dynamodbav:"invoice_emitted"`
	InvoiceID      string         `dynamodbav:"invoice_id,omitempty"`
	Version        int            `dynamodbav:"version"` // optimistic-concurrency counter
	CreatedAt      time.Time      `dynamodbav:"created_at"`
	UpdatedAt      time.Time      `dynamodbav:"updated_at"`
	FinalizedAt    *time.Time     `dynamodbav:"finalized_at,omitempty"`
}

// HasReport reports whether an identical (source, digest) delivery is already
// in the audit log.
func (o *Order) HasReport(source Source, digest string) bool {
	for _, r := range o.History {
		if r.Source == source && r.Digest == digest {
			return true
		}
	}
	return false
}
