package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"resumekit.app/unlock/internal/config"
	"resumekit.app/unlock/models"
)

const stripeSignatureHdr = "Stripe-Signature"

// Stripe uses hosted Checkout Sessions. The transaction id travels as the
// session's client_reference_id and comes back in checkout.session.* events.
type Stripe struct {
	webhookSecret string
	successURL    string
	cancelURL     string
	createSession func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

func NewStripe(cfg *config.Config) *Stripe {
	stripe.Key = cfg.StripeSecret
	return &Stripe{
		webhookSecret: cfg.StripeWebhookSecret,
		successURL:    cfg.SuccessRedirectURL,
		cancelURL:     cfg.FailureRedirectURL,
		createSession: session.New,
	}
}

func (s *Stripe) Name() string { return "stripe" }

func (s *Stripe) CreateCheckout(ctx context.Context, order *models.Order, customer Customer) (*Checkout, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(order.TransactionID),
		SuccessURL:        stripe.String(RedirectURL(s.successURL, order.TransactionID, order.TemplateID)),
		CancelURL:         stripe.String(RedirectURL(s.cancelURL, order.TransactionID, order.TemplateID)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(order.Currency)),
					UnitAmount: stripe.Int64(order.AmountMinor),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(order.TemplateID),
					},
				},
			},
		},
	}
	if customer.Email != "" {
		params.CustomerEmail = stripe.String(customer.Email)
	}
	params.Context = ctx
	params.AddMetadata("session_id", order.SessionID)
	params.AddMetadata("template_id", order.TemplateID)

	cs, err := s.createSession(params)
	if err != nil {
		return nil, fmt.Errorf("create stripe checkout session: %w", err)
	}

	return &Checkout{
		PaymentURL:     cs.URL,
		GatewayOrderID: cs.ID,
		Params: map[string]interface{}{
			"sessionId": cs.ID,
		},
	}, nil
}

func (s *Stripe) ParseCallback(r *http.Request) (*Callback, error) {
	sig := r.Header.Get(stripeSignatureHdr)
	if sig == "" {
		return nil, fmt.Errorf("%w: missing %s header", models.ErrMalformedRequest, stripeSignatureHdr)
	}
	raw, err := readBody(r)
	if err != nil {
		return nil, err
	}

	// Decoded without verification only to find the order; Verify checks
	// the signature before anything is trusted.
	var event stripe.Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("%w: decode event: %v", models.ErrMalformedRequest, err)
	}

	var success bool
	switch string(event.Type) {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		success = true
	case "checkout.session.async_payment_failed", "checkout.session.expired":
	default:
		return nil, ErrIgnoredEvent
	}
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event has no data", models.ErrMalformedRequest)
	}

	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return nil, fmt.Errorf("%w: decode checkout session: %v", models.ErrMalformedRequest, err)
	}
	if cs.ClientReferenceID == "" {
		return nil, fmt.Errorf("%w: checkout session has no client_reference_id", models.ErrMalformedRequest)
	}

	status := string(cs.PaymentStatus)
	// completed fires for delayed payment methods before funds arrive
	if success && cs.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return nil, ErrIgnoredEvent
	}

	cb := &Callback{
		TransactionID:  cs.ClientReferenceID,
		GatewayOrderID: cs.ID,
		AmountMinor:    cs.AmountTotal,
		Status:         status,
		Success:        success,
		Signature:      sig,
		Fields: map[string]string{
			"event_id":   event.ID,
			"event_type": string(event.Type),
		},
		Raw: raw,
	}
	if cs.PaymentIntent != nil {
		cb.GatewayPaymentID = cs.PaymentIntent.ID
	}
	return cb, nil
}

func (s *Stripe) Verify(cb *Callback, order *models.Order) error {
	_, err := webhook.ConstructEventWithOptions(cb.Raw, cb.Signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrSignatureMismatch, err)
	}
	if order.GatewayOrderID != "" && cb.GatewayOrderID != order.GatewayOrderID {
		return fmt.Errorf("%w: checkout session id", models.ErrSignatureMismatch)
	}
	if cb.AmountMinor != order.AmountMinor {
		return fmt.Errorf("%w: amount %d does not match order amount %d", models.ErrSignatureMismatch, cb.AmountMinor, order.AmountMinor)
	}
	return nil
}

