package models

import "time"

// DownloadToken is the stored side of a download link. The raw token is
// never persisted, only its hash.
type DownloadToken struct {
	TokenHash     string     `json:"-"`
	OwnerID       string     `json:"owner_id"`
	TemplateID    string     `json:"template_id"`
	EntitlementID string     `json:"entitlement_id"`
	IssuedAt      time.Time  `json:"issued_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	UseCount      int        `json:"use_count"`
	UsedAt        *time.Time `json:"used_at,omitempty"`
}

func (t *DownloadToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
