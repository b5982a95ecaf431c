package validation

import (
	"fmt"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/shopnest/payflow/internal/orders"
)

// New returns a configured validator with custom struct-level validation registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// register struct-level validation for CreateOrderRequest to ensure the
	// requested gateway is a known processor variant and the currency code is
	// shaped like ISO 4217. The currency/processor compatibility decision
	// belongs to the adapter, not here.
	v.RegisterStructValidation(createOrderStructValidation, CreateOrderRequest{})

	return v
}

func createOrderStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreateOrderRequest)

	switch orders.Gateway(req.Gateway) {
	case orders.GatewaySSLCommerz, orders.GatewayBkash, orders.GatewayStripe:
	default:
		sl.ReportError(req.Gateway, "gateway", "Gateway", "gateway_known", fmt.Sprintf("unknown gateway %q", req.Gateway))
	}

	if req.Currency != strings.ToUpper(req.Currency) {
		sl.ReportError(req.Currency, "currency", "Currency", "currency_upper", "currency must be an uppercase ISO 4217 code")
	}
}
