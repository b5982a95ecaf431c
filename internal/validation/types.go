package validation

// CreateOrderRequest is the payload for POST /orders: the initiation request
// from the storefront layer.
type CreateOrderRequest struct {
	Amount        float64 `json:"amount" validate:"required,gt=0"`        // purchase total, fixed at creation
	Currency      string  `json:"currency" validate:"required,len=3"`     // ISO 4217 code
	CustomerName  string  `json:"customer_name" validate:"required"`      // identity snapshot, not a live reference
	CustomerEmail string  `json:"customer_email" validate:"required,email"`
	CustomerPhone string  `json:"customer_phone,omitempty"`
	ProductTitle  string  `json:"product_title" validate:"required"` // opaque descriptor of what was purchased
	ProductType   string  `json:"product_type,omitempty"`
	Gateway       string  `json:"gateway" validate:"required"` // processor variant, checked at struct level
}
