package payments

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Settlement is the external payment collaborator seam: hold an estimated fare
// when a driver is committed, capture on completion, release the hold on
// cancellation. All calls are best-effort from the dispatch core's view.
type Settlement interface {
	Hold(ctx context.Context, amount int64, currency, riderID string) (string, error)
	Capture(ctx context.Context, holdID string) error
	Cancel(ctx context.Context, holdID string) error
}

// StripeClient is a thin wrapper around stripe-go for PaymentIntent
// hold/capture/cancel flows.
type StripeClient struct{}

// NewStripeClient initializes the stripe client with the STRIPE_API_KEY env var.
func NewStripeClient() *StripeClient {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeClient{}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// It returns the PaymentIntent ID on success.
func (s *StripeClient) Hold(ctx context.Context, amount int64, currency, riderID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	if riderID != "" {
		params.Customer = stripe.String(riderID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, holdID string) error {
	_, err := paymentintent.Capture(holdID, nil)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, holdID string) error {
	_, err := paymentintent.Cancel(holdID, nil)
	return err
}

// fare table in minor units (cents): per-class base plus per-km rate.
var fares = map[models.RideClass]struct{ base, perKm int64 }{
	models.ClassEconomy: {base: 300, perKm: 80},
	models.ClassComfort: {base: 500, perKm: 110},
	models.ClassPremium: {base: 900, perKm: 160},
}

// EstimateFare prices a ride from the straight-line pickup->dropoff distance.
func EstimateFare(r models.Ride) int64 {
	f, ok := fares[r.Class]
	if !ok {
		f = fares[models.ClassEconomy]
	}
	km := geo.Haversine(r.Pickup, r.Dropoff) / 1000
	return f.base + int64(km*float64(f.perKm))
}
