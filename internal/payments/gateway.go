// Package payments holds the payment gateway contract used at settlement and
// a placeholder UPI implementation until a real gateway is integrated.
package payments

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Charge is what a gateway needs to know about one service payment.
type Charge struct {
	ServiceID   string
	Amount      int64
	Description string
}

// Gateway builds customer payment links and settlement references.
type Gateway interface {
	// PaymentURL returns the link a customer opens to pay.
	PaymentURL(charge Charge) string
	// Reference returns an opaque reference recorded on the completed service.
	Reference(ctx context.Context, charge Charge) (string, error)
}

// UPIGateway emits upi:// deep links and synthetic references. It never
// contacts a processor.
type UPIGateway struct {
	VPA   string
	Payee string
	Now   func() time.Time
}

// NewUPIGateway builds a gateway paying into vpa under payee's name.
func NewUPIGateway(vpa, payee string) *UPIGateway {
	return &UPIGateway{VPA: vpa, Payee: payee, Now: time.Now}
}

// PaymentURL returns upi://pay?pa=<vpa>&pn=<payee>&am=<amount>&tn=Service:<id>.
func (g *UPIGateway) PaymentURL(charge Charge) string {
	return "upi://pay?pa=" + url.QueryEscape(g.VPA) +
		"&pn=" + url.QueryEscape(g.Payee) +
		"&am=" + strconv.FormatInt(charge.Amount, 10) +
		"&tn=" + url.QueryEscape("Service:"+charge.ServiceID)
}

// Reference returns mock_payment_<unix millis>.
func (g *UPIGateway) Reference(_ context.Context, charge Charge) (string, error) {
	if charge.ServiceID == "" {
		return "", fmt.Errorf("charge without service id")
	}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	return "mock_payment_" + strconv.FormatInt(now().UnixMilli(), 10), nil
}
