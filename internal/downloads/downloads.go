// Package downloads issues and redeems short-lived, single-use download links.
package downloads

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"resumekit.app/unlock/internal/entitlements"
	"resumekit.app/unlock/internal/logger"
	"resumekit.app/unlock/internal/metrics"
	"resumekit.app/unlock/internal/ratelimit"
	"resumekit.app/unlock/models"
	"resumekit.app/unlock/storage"
)

const tokenBytes = 32

type IssuedToken struct {
	Token         string
	URL           string
	EntitlementID string
	ExpiresAt     time.Time
}

type Issuer struct {
	tokens       storage.TokenStore
	entitlements *entitlements.Service
	ledger       ratelimit.Ledger
	ttl          time.Duration
	baseURL      string

	Now func() time.Time
}

func NewIssuer(tokens storage.TokenStore, entSvc *entitlements.Service, ledger ratelimit.Ledger, ttl time.Duration, baseURL string) *Issuer {
	return &Issuer{
		tokens:       tokens,
		entitlements: entSvc,
		ledger:       ledger,
		ttl:          ttl,
		baseURL:      baseURL,
		Now:          time.Now,
	}
}

// Issue returns a download link for an owner holding a usable entitlement.
// The entitlement check runs before the rate limit so owners without access
// do not consume ledger slots.
func (i *Issuer) Issue(ctx context.Context, ownerID, templateID string) (*IssuedToken, error) {
	ent, err := i.entitlements.Check(ctx, ownerID, templateID)
	if err != nil {
		metrics.DownloadLinks.WithLabelValues("denied").Inc()
		return nil, err
	}

	now := i.Now()
	allowed, err := i.ledger.Allow(ctx, ownerID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to check download rate limit: %w", err)
	}
	if !allowed {
		metrics.DownloadLinks.WithLabelValues("rate_limited").Inc()
		metrics.RateLimitRejected.WithLabelValues("download_links").Inc()
		logger.Warn("Download link rate limited", map[string]interface{}{
			"owner_id":    ownerID,
			"template_id": templateID,
		})
		return nil, models.ErrRateLimited
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate download token: %w", err)
	}
	token := hex.EncodeToString(raw)

	stored := &models.DownloadToken{
		TokenHash:     HashToken(token),
		OwnerID:       ownerID,
		TemplateID:    templateID,
		EntitlementID: ent.ID,
		IssuedAt:      now,
		ExpiresAt:     now.Add(i.ttl),
	}
	if err := i.tokens.SaveToken(ctx, stored); err != nil {
		return nil, fmt.Errorf("failed to save download token: %w", err)
	}

	metrics.DownloadLinks.WithLabelValues("issued").Inc()
	logger.Info("Download link issued", map[string]interface{}{
		"owner_id":       ownerID,
		"template_id":    templateID,
		"entitlement_id": ent.ID,
		"expires_at":     stored.ExpiresAt.Format(time.RFC3339),
	})

	return &IssuedToken{
		Token:         token,
		URL:           i.downloadURL(token, templateID, ownerID, now),
		EntitlementID: ent.ID,
		ExpiresAt:     stored.ExpiresAt,
	}, nil
}

// Verify checks a presented token without using it. An empty templateID
// skips the template check. Expiry is never extended.
func (i *Issuer) Verify(ctx context.Context, token, ownerID, templateID string) (*models.DownloadToken, error) {
	if token == "" {
		return nil, models.ErrTokenNotFound
	}

	stored, err := i.tokens.GetToken(ctx, HashToken(token))
	if err != nil {
		return nil, fmt.Errorf("failed to load download token: %w", err)
	}
	if stored == nil {
		return nil, models.ErrTokenNotFound
	}
	if templateID != "" && stored.TemplateID != templateID {
		return nil, models.ErrTokenNotFound
	}
	if stored.Expired(i.Now()) {
		return nil, models.ErrTokenExpired
	}
	if stored.OwnerID != ownerID {
		return nil, models.ErrTokenOwnerMismatch
	}
	if stored.UseCount > 0 {
		return nil, models.ErrTokenUsed
	}

	// Revocation or exhaustion after issue invalidates outstanding links.
	if _, err := i.entitlements.CheckByID(ctx, stored.EntitlementID, ownerID); err != nil {
		return nil, err
	}
	return stored, nil
}

// Consume verifies the token, marks it used and counts the download against
// the entitlement. Of two concurrent requests with one token only one
// succeeds.
func (i *Issuer) Consume(ctx context.Context, token, ownerID, templateID string) (*models.DownloadToken, *models.Entitlement, error) {
	stored, err := i.Verify(ctx, token, ownerID, templateID)
	if err != nil {
		metrics.Downloads.WithLabelValues("denied").Inc()
		return nil, nil, err
	}

	now := i.Now()
	marked, err := i.tokens.MarkTokenUsed(ctx, stored.TokenHash, now)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to mark download token used: %w", err)
	}
	if !marked {
		metrics.Downloads.WithLabelValues("denied").Inc()
		return nil, nil, models.ErrTokenUsed
	}
	stored.UseCount = 1
	stored.UsedAt = &now

	ent, err := i.entitlements.ConsumeDownload(ctx, stored.EntitlementID)
	if err != nil {
		metrics.Downloads.WithLabelValues("denied").Inc()
		return nil, nil, err
	}

	metrics.Downloads.WithLabelValues("served").Inc()
	logger.Info("Download token consumed", map[string]interface{}{
		"owner_id":       ownerID,
		"template_id":    stored.TemplateID,
		"entitlement_id": ent.ID,
		"downloads_used": ent.DownloadsUsed,
	})
	return stored, ent, nil
}

func (i *Issuer) downloadURL(token, templateID, ownerID string, issuedAt time.Time) string {
	q := url.Values{}
	q.Set("token", token)
	q.Set("template", templateID)
	q.Set("session", ownerID)
	q.Set("ts", strconv.FormatInt(issuedAt.Unix(), 10))
	return i.baseURL + "/api/v1/downloads?" + q.Encode()
}

// HashToken returns the storage key for a raw token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
