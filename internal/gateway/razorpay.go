package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"resumekit.app/unlock/internal/config"
	"resumekit.app/unlock/internal/signature"
	"resumekit.app/unlock/models"
)

// ErrWebhookSecretMissing is returned for a signed webhook when no webhook
// secret is configured. It is a server fault, not a failed attempt.
var ErrWebhookSecretMissing = errors.New("razorpay webhook secret not configured")

const (
	razorpayCheckoutScript = "https://checkout.razorpay.com/v1/checkout.js"
	razorpaySignatureHdr   = "X-Razorpay-Signature"
)

// Razorpay creates a gateway order through the REST API and accepts two
// callbacks: the checkout handler fields relayed by the browser, signed over
// order_id|payment_id, and server webhooks signed over the raw body.
type Razorpay struct {
	keyID         string
	keySecret     string
	webhookSecret string
	client        *resty.Client
}

func NewRazorpay(cfg *config.Config) *Razorpay {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.RazorpayAPIURL, "/")).
		SetBasicAuth(cfg.RazorpayKeyID, cfg.RazorpayKeySecret).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &Razorpay{
		keyID:         cfg.RazorpayKeyID,
		keySecret:     cfg.RazorpayKeySecret,
		webhookSecret: cfg.RazorpayWebhookSecret,
		client:        client,
	}
}

func (p *Razorpay) Name() string { return "razorpay" }

type razorpayOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes"`
}

type razorpayOrderResponse struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
}

type razorpayErrorResponse struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

func (p *Razorpay) CreateCheckout(ctx context.Context, order *models.Order, customer Customer) (*Checkout, error) {
	var created razorpayOrderResponse
	var apiErr razorpayErrorResponse

	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(razorpayOrderRequest{
			Amount:   order.AmountMinor,
			Currency: order.Currency,
			Receipt:  order.TransactionID,
			Notes: map[string]string{
				"txnid":       order.TransactionID,
				"session_id":  order.SessionID,
				"template_id": order.TemplateID,
			},
		}).
		SetResult(&created).
		SetError(&apiErr).
		Post("/orders")
	if err != nil {
		return nil, fmt.Errorf("create razorpay order: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("create razorpay order: status %d: %s", resp.StatusCode(), apiErr.Error.Description)
	}
	if created.ID == "" {
		return nil, errors.New("create razorpay order: empty order id")
	}

	return &Checkout{
		PaymentURL:     razorpayCheckoutScript,
		GatewayOrderID: created.ID,
		Params: map[string]interface{}{
			"key":         p.keyID,
			"order_id":    created.ID,
			"amount":      order.AmountMinor,
			"currency":    order.Currency,
			"name":        "ResumeKit",
			"description": order.TemplateID,
			"txnid":       order.TransactionID,
			"notes": map[string]string{
				"txnid": order.TransactionID,
			},
			"prefill": map[string]string{
				"name":    customer.Name,
				"email":   customer.Email,
				"contact": customer.Phone,
			},
		},
	}, nil
}

type razorpayWebhook struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID      string          `json:"id"`
				OrderID string          `json:"order_id"`
				Amount  int64           `json:"amount"`
				Status  string          `json:"status"`
				Notes   json.RawMessage `json:"notes"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

func (p *Razorpay) ParseCallback(r *http.Request) (*Callback, error) {
	if sig := r.Header.Get(razorpaySignatureHdr); sig != "" {
		return p.parseWebhook(r, sig)
	}

	fields, raw, err := readFields(r)
	if err != nil {
		return nil, err
	}

	cb := &Callback{
		TransactionID:    strings.TrimSpace(fields["txnid"]),
		GatewayOrderID:   fields["razorpay_order_id"],
		GatewayPaymentID: fields["razorpay_payment_id"],
		Signature:        fields["razorpay_signature"],
		Fields:           fields,
		Raw:              raw,
	}
	// The checkout handler only fires on successful payments; failures
	// arrive as payment.failed webhooks.
	cb.Status = "captured"
	cb.Success = true

	if cb.TransactionID == "" || cb.Signature == "" {
		return nil, fmt.Errorf("%w: txnid and razorpay_signature are required", models.ErrMalformedRequest)
	}
	if cb.GatewayOrderID == "" || cb.GatewayPaymentID == "" {
		return nil, fmt.Errorf("%w: razorpay_order_id and razorpay_payment_id are required", models.ErrMalformedRequest)
	}
	return cb, nil
}

func (p *Razorpay) parseWebhook(r *http.Request, sig string) (*Callback, error) {
	raw, err := readBody(r)
	if err != nil {
		return nil, err
	}

	var hook razorpayWebhook
	if err := json.Unmarshal(raw, &hook); err != nil {
		return nil, fmt.Errorf("%w: decode webhook: %v", models.ErrMalformedRequest, err)
	}

	switch hook.Event {
	case "payment.captured", "payment.failed":
	default:
		return nil, ErrIgnoredEvent
	}

	entity := hook.Payload.Payment.Entity
	// Razorpay sends an empty array instead of an object when there are no notes.
	var notes map[string]string
	_ = json.Unmarshal(entity.Notes, &notes)

	cb := &Callback{
		TransactionID:    strings.TrimSpace(notes["txnid"]),
		GatewayOrderID:   entity.OrderID,
		GatewayPaymentID: entity.ID,
		AmountMinor:      entity.Amount,
		Status:           entity.Status,
		Success:          hook.Event != "payment.failed",
		Retryable:        hook.Event == "payment.failed",
		Signature:        sig,
		Fields: map[string]string{
			"event":  hook.Event,
			"amount": strconv.FormatInt(entity.Amount, 10),
		},
		Raw: raw,
	}
	if cb.TransactionID == "" {
		return nil, fmt.Errorf("%w: webhook has no txnid note", models.ErrMalformedRequest)
	}
	return cb, nil
}

func (p *Razorpay) Verify(cb *Callback, order *models.Order) error {
	var (
		ok  bool
		err error
	)
	if _, isWebhook := cb.Fields["event"]; isWebhook {
		if p.webhookSecret == "" {
			return ErrWebhookSecretMissing
		}
		ok, err = signature.VerifyRazorpayWebhook(cb.Raw, cb.Signature, p.webhookSecret)
	} else {
		ok, err = signature.VerifyRazorpayCallback(cb.Fields, cb.Signature, p.keySecret)
	}
	if errors.Is(err, signature.ErrMalformedCallback) {
		return fmt.Errorf("%w: %v", models.ErrMalformedRequest, err)
	}
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrSignatureMismatch
	}

	// The signature binds payment to gateway order; the gateway order was
	// created for this transaction at the server-side amount.
	if order.GatewayOrderID == "" || cb.GatewayOrderID != order.GatewayOrderID {
		return fmt.Errorf("%w: gateway order id", models.ErrSignatureMismatch)
	}
	if cb.AmountMinor != 0 && cb.AmountMinor != order.AmountMinor {
		return fmt.Errorf("%w: amount %d does not match order amount %d", models.ErrSignatureMismatch, cb.AmountMinor, order.AmountMinor)
	}
	return nil
}
