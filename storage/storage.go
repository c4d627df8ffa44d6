package storage

import (
	"context"
	"strings"
	"time"

	"resumekit.app/unlock/models"
)

// OrderStore owns Order records. Lookups return (nil, nil) when the record
// does not exist.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, txnID string) (*models.Order, error)
	// TransitionOrder moves an order from one status to another only if it is
	// still in from. It reports whether this call performed the transition.
	TransitionOrder(ctx context.Context, txnID string, from, to models.OrderStatus, reason string, at time.Time) (bool, error)
	// SetGatewayOrderID records the provider's id for a PENDING order.
	SetGatewayOrderID(ctx context.Context, txnID, gatewayOrderID string, at time.Time) error
	// IncrementOrderAttempts adds one verification attempt and blocks a
	// PENDING order once the count reaches maxAttempts.
	IncrementOrderAttempts(ctx context.Context, txnID string, maxAttempts int, at time.Time) (*models.Order, error)
	// DeleteExpiredOrders removes PENDING orders created before cutoff.
	DeleteExpiredOrders(ctx context.Context, cutoff time.Time) (int, error)
}

// EntitlementStore owns Entitlement records and is the only writer of
// DownloadsUsed and IsActive.
type EntitlementStore interface {
	// CreateEntitlement inserts ent unless an entitlement already exists for
	// the same order, and returns whichever record is stored.
	CreateEntitlement(ctx context.Context, ent *models.Entitlement) (*models.Entitlement, bool, error)
	GetEntitlement(ctx context.Context, id string) (*models.Entitlement, error)
	GetEntitlementByOrder(ctx context.Context, orderID string) (*models.Entitlement, error)
	// FindEntitlements returns entitlements for owner and template, newest first.
	FindEntitlements(ctx context.Context, ownerID, templateID string) ([]*models.Entitlement, error)
	// ConsumeDownload increments DownloadsUsed if the entitlement is active
	// and below its cap. It returns the updated record and whether it changed.
	ConsumeDownload(ctx context.Context, id string) (*models.Entitlement, bool, error)
	DeactivateEntitlement(ctx context.Context, id string) error
}

// TokenStore owns download tokens, keyed by token hash.
type TokenStore interface {
	SaveToken(ctx context.Context, token *models.DownloadToken) error
	GetToken(ctx context.Context, tokenHash string) (*models.DownloadToken, error)
	// MarkTokenUsed records the first use of a token. It reports false if the
	// token was already used.
	MarkTokenUsed(ctx context.Context, tokenHash string, at time.Time) (bool, error)
	DeleteExpiredTokens(ctx context.Context, cutoff time.Time) (int, error)
}

// EventLog is the append-only audit trail of gateway callbacks.
type EventLog interface {
	RecordPaymentEvent(ctx context.Context, event *models.PaymentEvent) error
	ListPaymentEvents(ctx context.Context, txnID string) ([]*models.PaymentEvent, error)
}

type Storage interface {
	OrderStore
	EntitlementStore
	TokenStore
	EventLog

	Close() error
}

// Open returns the storage backend named by databaseURL: "memory" for the
// in-process store, anything else is treated as a SQLite DSN.
func Open(ctx context.Context, databaseURL string) (Storage, error) {
	if databaseURL == "memory" || databaseURL == "" {
		return NewMemoryStorage(), nil
	}
	return NewSQLiteStorage(ctx, strings.TrimPrefix(databaseURL, "sqlite://"))
}
