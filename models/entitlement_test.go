package models

import (
	"errors"
	"testing"
	"time"
)

func TestEntitlement_Usable(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		ent  Entitlement
		want error
	}{
		{"fresh", Entitlement{MaxDownloads: 5, IsActive: true}, nil},
		{"future expiry", Entitlement{MaxDownloads: 5, IsActive: true, ExpiresAt: &future}, nil},
		{"expired", Entitlement{MaxDownloads: 5, IsActive: true, ExpiresAt: &past}, ErrEntitlementExpired},
		{"inactive", Entitlement{MaxDownloads: 5, IsActive: false}, ErrEntitlementInactive},
		{"exhausted", Entitlement{DownloadsUsed: 5, MaxDownloads: 5, IsActive: false}, ErrEntitlementExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.ent.Usable(now)
			if !errors.Is(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestEntitlement_Remaining(t *testing.T) {
	ent := Entitlement{DownloadsUsed: 2, MaxDownloads: 5, IsActive: true}
	if ent.Remaining() != 3 {
		t.Errorf("Expected 3 remaining, got %d", ent.Remaining())
	}

	ent.IsActive = false
	if ent.Remaining() != 0 {
		t.Errorf("Expected 0 remaining for inactive entitlement, got %d", ent.Remaining())
	}
}

func TestOrderStatus_Terminal(t *testing.T) {
	if OrderPending.Terminal() {
		t.Error("PENDING should not be terminal")
	}
	for _, s := range []OrderStatus{OrderVerified, OrderFailed, OrderBlocked} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestIsEntitlementDenial(t *testing.T) {
	if !IsEntitlementDenial(ErrEntitlementExpired) {
		t.Error("Expected expired entitlement to be a denial")
	}
	if IsEntitlementDenial(ErrTokenExpired) {
		t.Error("Token errors are not entitlement denials")
	}
}
