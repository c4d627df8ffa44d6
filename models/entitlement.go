package models

import "time"

type Entitlement struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"owner_id"`
	TemplateID    string     `json:"template_id"`
	OrderID       string     `json:"order_id"`
	GrantedAt     time.Time  `json:"granted_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	DownloadsUsed int        `json:"downloads_used"`
	MaxDownloads  int        `json:"max_downloads"`
	IsActive      bool       `json:"is_active"`
}

// Remaining returns how many downloads are left, never negative.
func (e *Entitlement) Remaining() int {
	if !e.IsActive || e.DownloadsUsed >= e.MaxDownloads {
		return 0
	}
	return e.MaxDownloads - e.DownloadsUsed
}

// Usable returns nil when the entitlement authorizes a download at now,
// otherwise the reason it does not.
func (e *Entitlement) Usable(now time.Time) error {
	switch {
	case e.DownloadsUsed >= e.MaxDownloads:
		return ErrEntitlementExhausted
	case !e.IsActive:
		return ErrEntitlementInactive
	case e.ExpiresAt != nil && now.After(*e.ExpiresAt):
		return ErrEntitlementExpired
	}
	return nil
}
