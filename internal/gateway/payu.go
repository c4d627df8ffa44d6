package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"resumekit.app/unlock/internal/config"
	"resumekit.app/unlock/internal/signature"
	"resumekit.app/unlock/models"
)

// PayU posts the browser to its hosted page with a SHA-512 request hash and
// calls back (server-to-server and via the browser) with a reverse hash.
type PayU struct {
	key        string
	salt       string
	paymentURL string
	returnURL  string
}

func NewPayU(cfg *config.Config) *PayU {
	return &PayU{
		key:        cfg.PayUKey,
		salt:       cfg.PayUSalt,
		paymentURL: cfg.PayUPaymentURL,
		returnURL:  cfg.PublicBaseURL + "/api/v1/payments/payu/return",
	}
}

func (p *PayU) Name() string { return "payu" }

func (p *PayU) CreateCheckout(ctx context.Context, order *models.Order, customer Customer) (*Checkout, error) {
	fields := signature.PayUFields{
		Key:         p.key,
		TxnID:       order.TransactionID,
		Amount:      signature.FormatAmount(order.AmountMinor),
		ProductInfo: order.TemplateID,
		FirstName:   customer.Name,
		Email:       customer.Email,
		UDF1:        order.SessionID,
		UDF2:        order.TemplateID,
	}

	return &Checkout{
		PaymentURL: p.paymentURL,
		Params: map[string]interface{}{
			"key":         fields.Key,
			"txnid":       fields.TxnID,
			"amount":      fields.Amount,
			"productinfo": fields.ProductInfo,
			"firstname":   fields.FirstName,
			"email":       fields.Email,
			"phone":       customer.Phone,
			"udf1":        fields.UDF1,
			"udf2":        fields.UDF2,
			"hash":        signature.PayURequestHash(fields, p.salt),
			"surl":        p.returnURL,
			"furl":        p.returnURL,
		},
	}, nil
}

func (p *PayU) ParseCallback(r *http.Request) (*Callback, error) {
	fields, raw, err := readFields(r)
	if err != nil {
		return nil, err
	}

	cb := &Callback{
		TransactionID:    strings.TrimSpace(fields["txnid"]),
		GatewayPaymentID: fields["mihpayid"],
		Status:           strings.ToLower(fields["status"]),
		Signature:        fields["hash"],
		Fields:           fields,
		Raw:              raw,
	}
	cb.Success = cb.Status == "success"

	if cb.TransactionID == "" || cb.Signature == "" {
		return nil, fmt.Errorf("%w: txnid and hash are required", models.ErrMalformedRequest)
	}
	if name := signature.MissingPayUField(fields); name != "" {
		return nil, fmt.Errorf("%w: %s is required", models.ErrMalformedRequest, name)
	}
	if fields["amount"] != "" {
		if cb.AmountMinor, err = signature.ParseAmount(fields["amount"]); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrMalformedRequest, err)
		}
	}
	return cb, nil
}

func (p *PayU) Verify(cb *Callback, order *models.Order) error {
	ok, err := signature.VerifyPayUCallback(cb.Fields, cb.Signature, p.key, p.salt)
	if errors.Is(err, signature.ErrMalformedCallback) {
		return fmt.Errorf("%w: %v", models.ErrMalformedRequest, err)
	}
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrSignatureMismatch
	}
	if cb.TransactionID != order.TransactionID {
		return fmt.Errorf("%w: transaction id", models.ErrSignatureMismatch)
	}
	if cb.AmountMinor != order.AmountMinor {
		return fmt.Errorf("%w: amount %d does not match order amount %d", models.ErrSignatureMismatch, cb.AmountMinor, order.AmountMinor)
	}
	return nil
}
