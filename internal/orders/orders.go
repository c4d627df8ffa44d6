// Package orders owns the lifecycle of payment orders.
package orders

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"resumekit.app/unlock/internal/logger"
	"resumekit.app/unlock/models"
	"resumekit.app/unlock/storage"
)

const createRetries = 3

// Result distinguishes the call that verified an order from every later one.
type Result int

const (
	ResultNewlyVerified Result = iota
	ResultAlreadyProcessed
)

func (r Result) String() string {
	if r == ResultNewlyVerified {
		return "newly_verified"
	}
	return "already_processed"
}

type CreateParams struct {
	SessionID     string
	TemplateID    string
	AmountMinor   int64
	Currency      string
	Gateway       string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	SourceIP      string
}

type Service struct {
	store       storage.OrderStore
	ttl         time.Duration
	maxAttempts int

	// Now is the clock used for timestamps and expiry.
	Now func() time.Time
}

func NewService(store storage.OrderStore, ttl time.Duration, maxAttempts int) *Service {
	return &Service{
		store:       store,
		ttl:         ttl,
		maxAttempts: maxAttempts,
		Now:         time.Now,
	}
}

func (s *Service) TTL() time.Duration { return s.ttl }

// Create stores a new PENDING order under a fresh unguessable transaction id.
func (s *Service) Create(ctx context.Context, p CreateParams) (*models.Order, error) {
	if strings.TrimSpace(p.SessionID) == "" || strings.TrimSpace(p.TemplateID) == "" {
		return nil, fmt.Errorf("%w: session and template are required", models.ErrMalformedRequest)
	}
	if p.AmountMinor <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", models.ErrMalformedRequest)
	}

	now := s.Now()
	for attempt := 0; attempt < createRetries; attempt++ {
		txnID, err := NewTransactionID()
		if err != nil {
			return nil, err
		}

		order := &models.Order{
			TransactionID: txnID,
			SessionID:     p.SessionID,
			TemplateID:    p.TemplateID,
			Gateway:       p.Gateway,
			AmountMinor:   p.AmountMinor,
			Currency:      p.Currency,
			Status:        models.OrderPending,
			CustomerName:  p.CustomerName,
			CustomerEmail: p.CustomerEmail,
			CustomerPhone: p.CustomerPhone,
			SourceIP:      p.SourceIP,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		err = s.store.CreateOrder(ctx, order)
		if errors.Is(err, models.ErrDuplicateOrder) {
			logger.Warn("Transaction id collision, retrying", map[string]interface{}{
				"attempt": attempt + 1,
			})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create order: %w", err)
		}

		logger.Info("Order created", map[string]interface{}{
			"transaction_id": order.TransactionID,
			"session_id":     order.SessionID,
			"template_id":    order.TemplateID,
			"gateway":        order.Gateway,
			"amount":         order.AmountMinor,
		})
		return order, nil
	}
	return nil, fmt.Errorf("failed to allocate a unique transaction id: %w", models.ErrDuplicateOrder)
}

func (s *Service) Get(ctx context.Context, txnID string) (*models.Order, error) {
	order, err := s.store.GetOrder(ctx, txnID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	if order == nil {
		return nil, models.ErrOrderNotFound
	}
	return order, nil
}

func (s *Service) AttachGatewayOrder(ctx context.Context, txnID, gatewayOrderID string) error {
	if gatewayOrderID == "" {
		return nil
	}
	return s.store.SetGatewayOrderID(ctx, txnID, gatewayOrderID, s.Now())
}

// MarkVerified moves a PENDING order to VERIFIED. Exactly one caller observes
// ResultNewlyVerified; every other caller, concurrent or later, gets
// ResultAlreadyProcessed.
func (s *Service) MarkVerified(ctx context.Context, txnID string) (Result, error) {
	won, err := s.store.TransitionOrder(ctx, txnID, models.OrderPending, models.OrderVerified, "", s.Now())
	if err != nil {
		return ResultAlreadyProcessed, fmt.Errorf("failed to mark order verified: %w", err)
	}
	if won {
		return ResultNewlyVerified, nil
	}

	order, err := s.Get(ctx, txnID)
	if err != nil {
		return ResultAlreadyProcessed, err
	}
	if order.Status == models.OrderVerified {
		return ResultAlreadyProcessed, nil
	}
	return ResultAlreadyProcessed, fmt.Errorf("%w: order is %s", models.ErrAlreadyProcessed, order.Status)
}

// MarkFailed moves a PENDING order to FAILED. Orders in any other state are
// left alone.
func (s *Service) MarkFailed(ctx context.Context, txnID, reason string) error {
	changed, err := s.store.TransitionOrder(ctx, txnID, models.OrderPending, models.OrderFailed, reason, s.Now())
	if err != nil {
		return fmt.Errorf("failed to mark order failed: %w", err)
	}
	if !changed {
		if _, err := s.Get(ctx, txnID); err != nil {
			return err
		}
		return models.ErrAlreadyProcessed
	}
	return nil
}

// IncrementAttempt records a failed verification and returns the new count.
// The order is BLOCKED once the count reaches the configured maximum.
func (s *Service) IncrementAttempt(ctx context.Context, txnID string) (int, error) {
	order, err := s.store.IncrementOrderAttempts(ctx, txnID, s.maxAttempts, s.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to record verification attempt: %w", err)
	}
	if order == nil {
		return 0, models.ErrOrderNotFound
	}
	if order.Status == models.OrderBlocked {
		return order.VerificationAttempts, models.ErrTooManyAttempts
	}
	return order.VerificationAttempts, nil
}

// IsExpired reports whether a still-PENDING order has outlived the TTL.
func (s *Service) IsExpired(order *models.Order, now time.Time) bool {
	return order.Status == models.OrderPending && now.Sub(order.CreatedAt) > s.ttl
}

// NewTransactionID returns "txn_" followed by 16 random bytes in hex.
func NewTransactionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate transaction id: %w", err)
	}
	return "txn_" + hex.EncodeToString(b), nil
}
