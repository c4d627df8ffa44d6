// Package entitlements decides whether an owner may download a template.
package entitlements

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"resumekit.app/unlock/internal/logger"
	"resumekit.app/unlock/models"
	"resumekit.app/unlock/storage"
)

type Service struct {
	store        storage.EntitlementStore
	maxDownloads int
	ttl          time.Duration

	Now func() time.Time
}

// NewService returns an entitlement service. A zero ttl grants entitlements
// that never expire.
func NewService(store storage.EntitlementStore, maxDownloads int, ttl time.Duration) *Service {
	return &Service{
		store:        store,
		maxDownloads: maxDownloads,
		ttl:          ttl,
		Now:          time.Now,
	}
}

// Grant creates the entitlement for a verified order. Granting the same order
// twice returns the existing entitlement unchanged.
func (s *Service) Grant(ctx context.Context, ownerID, templateID, orderID string) (*models.Entitlement, error) {
	if ownerID == "" || templateID == "" || orderID == "" {
		return nil, fmt.Errorf("%w: owner, template and order are required", models.ErrMalformedRequest)
	}

	now := s.Now()
	ent := &models.Entitlement{
		ID:           uuid.Must(uuid.NewRandom()).String(),
		OwnerID:      ownerID,
		TemplateID:   templateID,
		OrderID:      orderID,
		GrantedAt:    now,
		MaxDownloads: s.maxDownloads,
		IsActive:     true,
	}
	if s.ttl > 0 {
		expiresAt := now.Add(s.ttl)
		ent.ExpiresAt = &expiresAt
	}

	stored, created, err := s.store.CreateEntitlement(ctx, ent)
	if err != nil {
		return nil, fmt.Errorf("failed to grant entitlement: %w", err)
	}

	if created {
		logger.Info("Entitlement granted", map[string]interface{}{
			"entitlement_id": stored.ID,
			"owner_id":       ownerID,
			"template_id":    templateID,
			"order_id":       orderID,
		})
	} else {
		logger.Debug("Entitlement already granted for order", map[string]interface{}{
			"entitlement_id": stored.ID,
			"order_id":       orderID,
		})
	}
	return stored, nil
}

// Check returns a usable entitlement for owner and template. With several
// entitlements the first usable one wins; otherwise the reason reported is
// that of the most recent one. Storage failures deny access.
func (s *Service) Check(ctx context.Context, ownerID, templateID string) (*models.Entitlement, error) {
	if ownerID == "" || templateID == "" {
		return nil, models.ErrEntitlementNotFound
	}

	ents, err := s.store.FindEntitlements(ctx, ownerID, templateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load entitlements: %w", err)
	}
	if len(ents) == 0 {
		return nil, models.ErrEntitlementNotFound
	}

	now := s.Now()
	var denial error
	for _, ent := range ents {
		reason := ent.Usable(now)
		if reason == nil {
			return ent, nil
		}
		if denial == nil {
			denial = reason
		}
	}
	return nil, denial
}

// CheckByID applies the same rules as Check to a single entitlement, which
// must belong to ownerID.
func (s *Service) CheckByID(ctx context.Context, entitlementID, ownerID string) (*models.Entitlement, error) {
	ent, err := s.store.GetEntitlement(ctx, entitlementID)
	if err != nil {
		return nil, fmt.Errorf("failed to load entitlement: %w", err)
	}
	if ent == nil || ent.OwnerID != ownerID {
		return nil, models.ErrEntitlementNotFound
	}
	if err := ent.Usable(s.Now()); err != nil {
		return nil, err
	}
	return ent, nil
}

// ConsumeDownload uses one download. The entitlement becomes permanently
// inactive when it reaches its cap.
func (s *Service) ConsumeDownload(ctx context.Context, entitlementID string) (*models.Entitlement, error) {
	ent, changed, err := s.store.ConsumeDownload(ctx, entitlementID)
	if err != nil {
		return nil, fmt.Errorf("failed to consume download: %w", err)
	}
	if ent == nil {
		return nil, models.ErrEntitlementNotFound
	}
	if !changed {
		if reason := ent.Usable(s.Now()); reason != nil {
			return ent, reason
		}
		return ent, models.ErrEntitlementExhausted
	}

	if !ent.IsActive {
		logger.Info("Entitlement download limit reached", map[string]interface{}{
			"entitlement_id": ent.ID,
			"owner_id":       ent.OwnerID,
		})
	}
	return ent, nil
}

// Revoke deactivates the entitlement granted for an order, for refunds and
// chargebacks.
func (s *Service) Revoke(ctx context.Context, orderID string) (*models.Entitlement, error) {
	ent, err := s.store.GetEntitlementByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load entitlement: %w", err)
	}
	if ent == nil {
		return nil, models.ErrEntitlementNotFound
	}

	if err := s.store.DeactivateEntitlement(ctx, ent.ID); err != nil {
		if errors.Is(err, models.ErrEntitlementNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to revoke entitlement: %w", err)
	}
	ent.IsActive = false

	logger.Warn("Entitlement revoked", map[string]interface{}{
		"entitlement_id": ent.ID,
		"order_id":       orderID,
		"owner_id":       ent.OwnerID,
	})
	return ent, nil
}

// Remaining reports downloads left across the owner's entitlements for a
// template. It is informational and never authorizes anything.
func (s *Service) Remaining(ctx context.Context, ownerID, templateID string) (int, error) {
	ents, err := s.store.FindEntitlements(ctx, ownerID, templateID)
	if err != nil {
		return 0, fmt.Errorf("failed to load entitlements: %w", err)
	}
	now := s.Now()
	total := 0
	for _, ent := range ents {
		if ent.Usable(now) == nil {
			total += ent.Remaining()
		}
	}
	return total, nil
}
