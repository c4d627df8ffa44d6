// Package verification turns gateway callbacks into verified orders and
// entitlements.
//
// A callback moves through RECEIVED, SIGNATURE_CHECKED, then either REJECTED
// or ORDER_MATCHED, then ALREADY_PROCESSED or NEWLY_VERIFIED, and finally
// ENTITLEMENT_GRANTED. The order record is the only idempotency source: the
// audit log written here is never read back to decide anything.
package verification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"resumekit.app/unlock/internal/email"
	"resumekit.app/unlock/internal/entitlements"
	"resumekit.app/unlock/internal/gateway"
	"resumekit.app/unlock/internal/logger"
	"resumekit.app/unlock/internal/metrics"
	"resumekit.app/unlock/internal/orders"
	"resumekit.app/unlock/models"
	"resumekit.app/unlock/storage"
)

const (
	ReasonOrderNotFound     = "order not found"
	ReasonTooManyAttempts   = "too many verification attempts"
	ReasonSignatureMismatch = "signature mismatch"
	ReasonOrderExpired      = "order expired"
	ReasonPaymentFailed     = "payment failed"
	ReasonAttemptFailed     = "payment attempt failed"
	ReasonAlreadyVerified   = "order already verified"
	ReasonAlreadyFailed     = "order already failed"
)

const maxAuditPayload = 16 << 10

// Outcome is the result of one callback. Err carries the sentinel for
// rejections so callers can map it without parsing Reason.
type Outcome struct {
	Status        string
	TransactionID string
	Reason        string
	Order         *models.Order
	Entitlement   *models.Entitlement
	Err           error
}

type Processor struct {
	gateways     *gateway.Registry
	orders       *orders.Service
	entitlements *entitlements.Service
	events       storage.EventLog
	mailer       email.Mailer
	unlockURL    string

	mailWG sync.WaitGroup
}

func NewProcessor(gateways *gateway.Registry, orderSvc *orders.Service, entSvc *entitlements.Service, events storage.EventLog, mailer email.Mailer, unlockURL string) *Processor {
	if mailer == nil {
		mailer = email.LogMailer{}
	}
	return &Processor{
		gateways:     gateways,
		orders:       orderSvc,
		entitlements: entSvc,
		events:       events,
		mailer:       mailer,
		unlockURL:    unlockURL,
	}
}

// HandleRequest parses a callback for the named gateway and processes it.
// It returns gateway.ErrIgnoredEvent for notifications that need no action.
func (p *Processor) HandleRequest(ctx context.Context, gatewayName string, r *http.Request) (*Outcome, error) {
	if gatewayName == "" {
		return nil, fmt.Errorf("%w: gateway is required", models.ErrUnknownGateway)
	}
	gw, err := p.gateways.Get(gatewayName)
	if err != nil {
		return nil, err
	}

	cb, err := gw.ParseCallback(r)
	if err != nil {
		return nil, err
	}
	return p.Process(ctx, gw, cb)
}

// Process verifies one callback against its order. Rejections are reported in
// the Outcome; the error return is reserved for malformed input and storage
// failures, which the gateway should retry.
func (p *Processor) Process(ctx context.Context, gw gateway.Gateway, cb *gateway.Callback) (*Outcome, error) {
	if cb == nil || cb.TransactionID == "" || cb.Signature == "" {
		return nil, fmt.Errorf("%w: transaction id and signature are required", models.ErrMalformedRequest)
	}

	out, err := p.process(ctx, gw, cb)
	if err != nil {
		fields := map[string]interface{}{
			"gateway":        gw.Name(),
			"transaction_id": cb.TransactionID,
			"error":          err.Error(),
		}
		if errors.Is(err, models.ErrMalformedRequest) {
			logger.Warn("Malformed callback", fields)
		} else {
			logger.Error("Callback processing failed", fields)
		}
		return nil, err
	}

	p.record(ctx, gw.Name(), cb, out)
	return out, nil
}

func (p *Processor) process(ctx context.Context, gw gateway.Gateway, cb *gateway.Callback) (*Outcome, error) {
	out := &Outcome{TransactionID: cb.TransactionID}

	order, err := p.orders.Get(ctx, cb.TransactionID)
	if errors.Is(err, models.ErrOrderNotFound) {
		return reject(out, models.ErrOrderNotFound, ReasonOrderNotFound), nil
	}
	if err != nil {
		return nil, err
	}
	out.Order = order

	if order.Status == models.OrderBlocked {
		return reject(out, models.ErrTooManyAttempts, ReasonTooManyAttempts), nil
	}

	if err := gw.Verify(cb, order); err != nil {
		if !errors.Is(err, models.ErrSignatureMismatch) {
			return nil, err
		}
		attempts, incErr := p.orders.IncrementAttempt(ctx, order.TransactionID)
		logger.Warn("Callback signature rejected", map[string]interface{}{
			"gateway":        gw.Name(),
			"transaction_id": order.TransactionID,
			"attempts":       attempts,
			"error":          err.Error(),
		})
		// The attempt that blocks the order is still reported as a mismatch;
		// the block applies from the next callback on.
		if incErr != nil && !errors.Is(incErr, models.ErrTooManyAttempts) {
			return nil, incErr
		}
		return reject(out, models.ErrSignatureMismatch, ReasonSignatureMismatch), nil
	}

	switch order.Status {
	case models.OrderVerified:
		return p.alreadyVerified(ctx, out, order)
	case models.OrderFailed:
		out.Status = models.OutcomeAlreadyProcessed
		out.Reason = ReasonAlreadyFailed
		return out, nil
	}

	if p.orders.IsExpired(order, p.orders.Now()) {
		return reject(out, models.ErrOrderExpired, ReasonOrderExpired), nil
	}

	if !cb.Success && cb.Retryable {
		out.Status = models.OutcomeFailed
		out.Reason = ReasonAttemptFailed
		return out, nil
	}

	if !cb.Success {
		err := p.orders.MarkFailed(ctx, order.TransactionID, fmt.Sprintf("%s: %s", ReasonPaymentFailed, cb.Status))
		if errors.Is(err, models.ErrAlreadyProcessed) {
			return p.reload(ctx, out)
		}
		if err != nil {
			return nil, err
		}
		out.Status = models.OutcomeFailed
		out.Reason = ReasonPaymentFailed
		return out, nil
	}

	result, err := p.orders.MarkVerified(ctx, order.TransactionID)
	if errors.Is(err, models.ErrAlreadyProcessed) {
		return p.reload(ctx, out)
	}
	if err != nil {
		return nil, err
	}
	if result == orders.ResultAlreadyProcessed {
		return p.alreadyVerified(ctx, out, order)
	}

	ent, err := p.entitlements.Grant(ctx, order.SessionID, order.TemplateID, order.TransactionID)
	if err != nil {
		// The order stays VERIFIED; the gateway's retry takes the
		// already-verified path and grants again.
		return nil, fmt.Errorf("order %s verified but entitlement grant failed: %w", order.TransactionID, err)
	}
	out.Status = models.OutcomeVerified
	out.Entitlement = ent
	metrics.EntitlementsGranted.Inc()

	p.sendReceipt(order, ent)
	return out, nil
}

// alreadyVerified makes sure a verified order has its entitlement. Grant is
// idempotent per order, so this only creates one if an earlier grant failed.
func (p *Processor) alreadyVerified(ctx context.Context, out *Outcome, order *models.Order) (*Outcome, error) {
	ent, err := p.entitlements.Grant(ctx, order.SessionID, order.TemplateID, order.TransactionID)
	if err != nil {
		return nil, err
	}
	out.Status = models.OutcomeAlreadyProcessed
	out.Reason = ReasonAlreadyVerified
	out.Entitlement = ent
	return out, nil
}

// reload reports the state another request moved the order into.
func (p *Processor) reload(ctx context.Context, out *Outcome) (*Outcome, error) {
	order, err := p.orders.Get(ctx, out.TransactionID)
	if err != nil {
		return nil, err
	}
	out.Order = order

	switch order.Status {
	case models.OrderVerified:
		return p.alreadyVerified(ctx, out, order)
	case models.OrderBlocked:
		return reject(out, models.ErrTooManyAttempts, ReasonTooManyAttempts), nil
	default:
		out.Status = models.OutcomeAlreadyProcessed
		out.Reason = ReasonAlreadyFailed
		return out, nil
	}
}

func reject(out *Outcome, err error, reason string) *Outcome {
	out.Status = models.OutcomeRejected
	out.Reason = reason
	out.Err = err
	return out
}

func (p *Processor) record(ctx context.Context, gatewayName string, cb *gateway.Callback, out *Outcome) {
	metrics.WebhookOutcomes.WithLabelValues(gatewayName, out.Status, out.Reason).Inc()

	fields := map[string]interface{}{
		"gateway":            gatewayName,
		"transaction_id":     out.TransactionID,
		"gateway_payment_id": cb.GatewayPaymentID,
		"outcome":            out.Status,
	}
	if out.Reason != "" {
		fields["reason"] = out.Reason
	}
	if out.Status == models.OutcomeRejected {
		logger.Warn("Payment callback rejected", fields)
	} else {
		logger.Info("Payment callback processed", fields)
	}

	payload := cb.Raw
	if len(payload) > maxAuditPayload {
		payload = payload[:maxAuditPayload]
	}
	event := &models.PaymentEvent{
		ID:               uuid.Must(uuid.NewRandom()).String(),
		TransactionID:    out.TransactionID,
		Gateway:          gatewayName,
		GatewayPaymentID: cb.GatewayPaymentID,
		Outcome:          out.Status,
		Reason:           out.Reason,
		Payload:          string(payload),
		ReceivedAt:       p.orders.Now(),
	}
	if err := p.events.RecordPaymentEvent(ctx, event); err != nil {
		logger.Error("Failed to record payment event", map[string]interface{}{
			"transaction_id": out.TransactionID,
			"error":          err.Error(),
		})
	}
}

func (p *Processor) sendReceipt(order *models.Order, ent *models.Entitlement) {
	if order.CustomerEmail == "" {
		return
	}

	receipt := email.Receipt{
		CustomerName:  order.CustomerName,
		TemplateID:    order.TemplateID,
		TransactionID: order.TransactionID,
		AmountMinor:   order.AmountMinor,
		Currency:      order.Currency,
		MaxDownloads:  ent.MaxDownloads,
		UnlockURL:     p.unlockURL,
	}

	p.mailWG.Add(1)
	go func() {
		defer p.mailWG.Done()
		if err := p.mailer.Send(order.CustomerEmail, email.ReceiptSubject(receipt), email.ReceiptBody(receipt)); err != nil {
			logger.Error("Failed to send receipt email", map[string]interface{}{
				"error":          err.Error(),
				"email":          order.CustomerEmail,
				"transaction_id": order.TransactionID,
			})
			return
		}
		logger.Info("Receipt email sent", map[string]interface{}{
			"email":          order.CustomerEmail,
			"transaction_id": order.TransactionID,
		})
	}()
}

// Wait blocks until queued receipt emails have been attempted.
func (p *Processor) Wait() {
	p.mailWG.Wait()
}
