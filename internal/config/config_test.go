package config

import (
	"strings"
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Setenv("PUBLIC_BASE_URL", "https://resumekit.test/")
	t.Setenv("PAYU_KEY", "gtKFFx")
	t.Setenv("PAYU_SALT", "eCwWELxi")
}

func TestNew_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := New()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default port 8080, got %s", cfg.Port)
	}
	if cfg.PublicBaseURL != "https://resumekit.test" {
		t.Errorf("Expected trailing slash trimmed, got %s", cfg.PublicBaseURL)
	}
	if cfg.DefaultGateway != "payu" {
		t.Errorf("Expected payu as default gateway, got %s", cfg.DefaultGateway)
	}
	if cfg.OrderTTL != time.Hour {
		t.Errorf("Expected 1h order TTL, got %v", cfg.OrderTTL)
	}
	if cfg.TokenTTL != 30*time.Minute {
		t.Errorf("Expected 30m token TTL, got %v", cfg.TokenTTL)
	}
	if cfg.MaxVerificationAttempts != 5 || cfg.MaxDownloads != 5 {
		t.Errorf("Expected attempt and download caps of 5, got %d and %d", cfg.MaxVerificationAttempts, cfg.MaxDownloads)
	}
	if cfg.EntitlementTTL != 0 {
		t.Errorf("Expected non-expiring entitlements by default, got %v", cfg.EntitlementTTL)
	}
	if cfg.PriceFor("executive") != 9900 {
		t.Errorf("Expected default price 9900, got %d", cfg.PriceFor("executive"))
	}
	if cfg.SuccessRedirectURL != "https://resumekit.test/payment/success" {
		t.Errorf("Unexpected success redirect %s", cfg.SuccessRedirectURL)
	}
}

func TestNew_MissingGatewayAndBaseURL(t *testing.T) {
	t.Setenv("PUBLIC_BASE_URL", "")
	t.Setenv("PAYU_KEY", "")
	t.Setenv("RAZORPAY_KEY_ID", "")
	t.Setenv("STRIPE_SECRET", "")

	_, err := New()
	if err == nil {
		t.Fatal("Expected error for missing configuration")
	}

	msg := err.Error()
	if !strings.Contains(msg, "PUBLIC_BASE_URL") {
		t.Errorf("Expected PUBLIC_BASE_URL in error, got %s", msg)
	}
	if !strings.Contains(msg, "payment gateway") {
		t.Errorf("Expected gateway error in message, got %s", msg)
	}
}

func TestNew_TemplatePrices(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("TEMPLATE_PRICES", "executive=9900, modern=14900")

	cfg, err := New()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cfg.PriceFor("modern") != 14900 {
		t.Errorf("Expected 14900 for modern, got %d", cfg.PriceFor("modern"))
	}
}

func TestNew_InvalidValues(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("TEMPLATE_PRICES", "executive")
	t.Setenv("ORDER_TTL", "soon")
	t.Setenv("MAX_DOWNLOADS", "0")

	_, err := New()
	if err == nil {
		t.Fatal("Expected error for invalid values")
	}

	msg := err.Error()
	for _, want := range []string{"TEMPLATE_PRICES", "ORDER_TTL", "MAX_DOWNLOADS"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected %s in error, got %s", want, msg)
		}
	}
}

func TestNew_UnconfiguredDefaultGateway(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("DEFAULT_GATEWAY", "stripe")

	if _, err := New(); err == nil {
		t.Fatal("Expected error when default gateway has no credentials")
	}
}

func TestNew_RazorpayRequiresWebhookSecret(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("RAZORPAY_KEY_ID", "rzp_test")
	t.Setenv("RAZORPAY_KEY_SECRET", "secret")
	t.Setenv("RAZORPAY_WEBHOOK_SECRET", "")
	t.Setenv("STRIPE_SECRET", "")

	_, err := New()
	if err == nil {
		t.Fatal("Expected error when Razorpay has no webhook secret")
	}
	if !strings.Contains(err.Error(), "RAZORPAY_WEBHOOK_SECRET") {
		t.Errorf("Expected RAZORPAY_WEBHOOK_SECRET in error, got %s", err)
	}

	t.Setenv("RAZORPAY_WEBHOOK_SECRET", "whsec")
	cfg, err := New()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got := cfg.Gateways(); len(got) != 2 || got[1] != "razorpay" {
		t.Errorf("Expected [payu razorpay], got %v", got)
	}
}

func TestGateways(t *testing.T) {
	cfg := &Config{
		RazorpayKeyID:       "rzp_test",
		RazorpayKeySecret:   "secret",
		StripeSecret:        "sk_test",
		StripeWebhookSecret: "whsec_test",
	}

	got := cfg.Gateways()
	if len(got) != 2 || got[0] != "razorpay" || got[1] != "stripe" {
		t.Errorf("Expected [razorpay stripe], got %v", got)
	}
}
