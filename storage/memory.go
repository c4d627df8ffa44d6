package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"resumekit.app/unlock/models"
)

// MemoryStorage keeps everything in process memory. It is only suitable for
// tests and single-instance development: idempotency is not shared between
// processes.
type MemoryStorage struct {
	mu sync.Mutex

	Orders       map[string]models.Order
	Entitlements map[string]models.Entitlement
	Tokens       map[string]models.DownloadToken
	Events       []models.PaymentEvent
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		Orders:       make(map[string]models.Order),
		Entitlements: make(map[string]models.Entitlement),
		Tokens:       make(map[string]models.DownloadToken),
	}
}

func (m *MemoryStorage) CreateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.Orders[order.TransactionID]; exists {
		return models.ErrDuplicateOrder
	}
	m.Orders[order.TransactionID] = *order
	return nil
}

func (m *MemoryStorage) GetOrder(ctx context.Context, txnID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, exists := m.Orders[txnID]
	if !exists {
		return nil, nil
	}
	return &order, nil
}

func (m *MemoryStorage) TransitionOrder(ctx context.Context, txnID string, from, to models.OrderStatus, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, exists := m.Orders[txnID]
	if !exists || order.Status != from {
		return false, nil
	}

	order.Status = to
	order.UpdatedAt = at
	if to == models.OrderVerified {
		verifiedAt := at
		order.VerifiedAt = &verifiedAt
	}
	if reason != "" {
		order.FailureReason = reason
	}
	m.Orders[txnID] = order
	return true, nil
}

func (m *MemoryStorage) SetGatewayOrderID(ctx context.Context, txnID, gatewayOrderID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, exists := m.Orders[txnID]
	if !exists || order.Status != models.OrderPending {
		return models.ErrOrderNotFound
	}
	order.GatewayOrderID = gatewayOrderID
	order.UpdatedAt = at
	m.Orders[txnID] = order
	return nil
}

func (m *MemoryStorage) IncrementOrderAttempts(ctx context.Context, txnID string, maxAttempts int, at time.Time) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, exists := m.Orders[txnID]
	if !exists {
		return nil, nil
	}

	order.VerificationAttempts++
	order.UpdatedAt = at
	if order.Status == models.OrderPending && order.VerificationAttempts >= maxAttempts {
		order.Status = models.OrderBlocked
		order.FailureReason = "too many verification attempts"
	}
	m.Orders[txnID] = order
	return &order, nil
}

func (m *MemoryStorage) DeleteExpiredOrders(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for id, order := range m.Orders {
		if order.Status == models.OrderPending && order.CreatedAt.Before(cutoff) {
			delete(m.Orders, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStorage) CreateEntitlement(ctx context.Context, ent *models.Entitlement) (*models.Entitlement, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.Entitlements {
		if existing.OrderID == ent.OrderID {
			return &existing, false, nil
		}
	}
	m.Entitlements[ent.ID] = *ent
	stored := *ent
	return &stored, true, nil
}

func (m *MemoryStorage) GetEntitlement(ctx context.Context, id string) (*models.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ent, exists := m.Entitlements[id]
	if !exists {
		return nil, nil
	}
	return &ent, nil
}

func (m *MemoryStorage) GetEntitlementByOrder(ctx context.Context, orderID string) (*models.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ent := range m.Entitlements {
		if ent.OrderID == orderID {
			return &ent, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) FindEntitlements(ctx context.Context, ownerID, templateID string) ([]*models.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*models.Entitlement
	for _, ent := range m.Entitlements {
		if ent.OwnerID == ownerID && ent.TemplateID == templateID {
			entCopy := ent
			result = append(result, &entCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].GrantedAt.After(result[j].GrantedAt)
	})
	return result, nil
}

func (m *MemoryStorage) ConsumeDownload(ctx context.Context, id string) (*models.Entitlement, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ent, exists := m.Entitlements[id]
	if !exists {
		return nil, false, nil
	}
	if !ent.IsActive || ent.DownloadsUsed >= ent.MaxDownloads {
		return &ent, false, nil
	}

	ent.DownloadsUsed++
	if ent.DownloadsUsed >= ent.MaxDownloads {
		ent.IsActive = false
	}
	m.Entitlements[id] = ent
	return &ent, true, nil
}

func (m *MemoryStorage) DeactivateEntitlement(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ent, exists := m.Entitlements[id]
	if !exists {
		return models.ErrEntitlementNotFound
	}
	ent.IsActive = false
	m.Entitlements[id] = ent
	return nil
}

func (m *MemoryStorage) SaveToken(ctx context.Context, token *models.DownloadToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Tokens[token.TokenHash] = *token
	return nil
}

func (m *MemoryStorage) GetToken(ctx context.Context, tokenHash string) (*models.DownloadToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, exists := m.Tokens[tokenHash]
	if !exists {
		return nil, nil
	}
	return &token, nil
}

func (m *MemoryStorage) MarkTokenUsed(ctx context.Context, tokenHash string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, exists := m.Tokens[tokenHash]
	if !exists || token.UseCount > 0 {
		return false, nil
	}
	token.UseCount++
	usedAt := at
	token.UsedAt = &usedAt
	m.Tokens[tokenHash] = token
	return true, nil
}

func (m *MemoryStorage) DeleteExpiredTokens(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for hash, token := range m.Tokens {
		if token.ExpiresAt.Before(cutoff) {
			delete(m.Tokens, hash)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStorage) RecordPaymentEvent(ctx context.Context, event *models.PaymentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Events = append(m.Events, *event)
	return nil
}

func (m *MemoryStorage) ListPaymentEvents(ctx context.Context, txnID string) ([]*models.PaymentEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var events []*models.PaymentEvent
	for _, event := range m.Events {
		if event.TransactionID == txnID {
			eventCopy := event
			events = append(events, &eventCopy)
		}
	}
	return events, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
