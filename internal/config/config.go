package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

type Config struct {
	Port          string
	PublicBaseURL string

	DatabaseURL string
	RedisURL    string

	PayUKey        string
	PayUSalt       string
	PayUPaymentURL string

	RazorpayKeyID         string
	RazorpayKeySecret     string
	RazorpayWebhookSecret string
	RazorpayAPIURL        string

	StripeSecret        string
	StripeWebhookSecret string

	DefaultGateway string
	Currency       string

	DefaultTemplatePrice int64
	TemplatePrices       map[string]int64

	SuccessRedirectURL string
	FailureRedirectURL string
	AllowedOrigins     []string
	AssetsDir          string

	OrderTTL                time.Duration
	SweepInterval           time.Duration
	MaxVerificationAttempts int
	MaxDownloads            int
	EntitlementTTL          time.Duration
	TokenTTL                time.Duration
	DownloadRateLimit       int
	OrderRateLimit          int

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	EmailFrom    string

	SentryDSN string
}

// Gateways returns the names of gateways with complete credentials.
func (c *Config) Gateways() []string {
	var names []string
	if c.PayUKey != "" && c.PayUSalt != "" {
		names = append(names, "payu")
	}
	if c.RazorpayKeyID != "" && c.RazorpayKeySecret != "" {
		names = append(names, "razorpay")
	}
	if c.StripeSecret != "" && c.StripeWebhookSecret != "" {
		names = append(names, "stripe")
	}
	return names
}

// PriceFor returns the price in minor units for a template.
func (c *Config) PriceFor(templateID string) int64 {
	if p, ok := c.TemplatePrices[templateID]; ok {
		return p
	}
	return c.DefaultTemplatePrice
}

// SMTPEnabled reports whether receipt emails can be sent.
func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != "" && c.SMTPPort != "" && c.SMTPUsername != "" && c.SMTPPassword != ""
}

// New reads configuration from the environment. Every problem is collected so
// a misconfigured deployment reports all of them before refusing to start.
func New() (*Config, error) {
	var result *multierror.Error
	fail := func(err error) {
		result = multierror.Append(result, err)
	}

	cfg := &Config{
		Port:           getenv("PORT", "8080"),
		PublicBaseURL:  strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
		DatabaseURL:    getenv("DATABASE_URL", "file:unlock.db"),
		RedisURL:       os.Getenv("REDIS_URL"),
		PayUKey:        os.Getenv("PAYU_KEY"),
		PayUSalt:       os.Getenv("PAYU_SALT"),
		PayUPaymentURL: getenv("PAYU_PAYMENT_URL", "https://test.payu.in/_payment"),

		RazorpayKeyID:         os.Getenv("RAZORPAY_KEY_ID"),
		RazorpayKeySecret:     os.Getenv("RAZORPAY_KEY_SECRET"),
		RazorpayWebhookSecret: os.Getenv("RAZORPAY_WEBHOOK_SECRET"),
		RazorpayAPIURL:        getenv("RAZORPAY_API_URL", "https://api.razorpay.com/v1"),

		StripeSecret:        os.Getenv("STRIPE_SECRET"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),

		DefaultGateway: strings.ToLower(os.Getenv("DEFAULT_GATEWAY")),
		Currency:       strings.ToUpper(getenv("CURRENCY", "INR")),

		SuccessRedirectURL: os.Getenv("SUCCESS_REDIRECT_URL"),
		FailureRedirectURL: os.Getenv("FAILURE_REDIRECT_URL"),
		AssetsDir:          getenv("ASSETS_DIR", "assets/templates"),

		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     os.Getenv("SMTP_PORT"),
		SMTPUsername: os.Getenv("SMTP_USERNAME"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		EmailFrom:    getenv("EMAIL_FROM", "receipts@resumekit.app"),

		SentryDSN: os.Getenv("SENTRY_DSN"),
	}

	if cfg.PublicBaseURL == "" {
		fail(errors.New("PUBLIC_BASE_URL environment variable is required"))
	}

	gateways := cfg.Gateways()
	if len(gateways) == 0 {
		fail(errors.New("at least one payment gateway must be configured (PAYU_KEY/PAYU_SALT, RAZORPAY_KEY_ID/RAZORPAY_KEY_SECRET or STRIPE_SECRET/STRIPE_WEBHOOK_SECRET)"))
	}
	if contains(gateways, "razorpay") && cfg.RazorpayWebhookSecret == "" {
		fail(errors.New("RAZORPAY_WEBHOOK_SECRET is required when Razorpay is configured"))
	}
	if cfg.DefaultGateway == "" && len(gateways) > 0 {
		cfg.DefaultGateway = gateways[0]
	} else if cfg.DefaultGateway != "" && !contains(gateways, cfg.DefaultGateway) {
		fail(fmt.Errorf("DEFAULT_GATEWAY %q is not configured", cfg.DefaultGateway))
	}

	if cfg.SuccessRedirectURL == "" {
		cfg.SuccessRedirectURL = cfg.PublicBaseURL + "/payment/success"
	}
	if cfg.FailureRedirectURL == "" {
		cfg.FailureRedirectURL = cfg.PublicBaseURL + "/payment/failure"
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	} else if cfg.PublicBaseURL != "" {
		cfg.AllowedOrigins = []string{cfg.PublicBaseURL}
	}

	var err error
	if cfg.DefaultTemplatePrice, err = getInt64("DEFAULT_TEMPLATE_PRICE", 9900); err != nil {
		fail(err)
	}
	if cfg.TemplatePrices, err = parsePrices(os.Getenv("TEMPLATE_PRICES")); err != nil {
		fail(err)
	}

	durations := []struct {
		name string
		def  time.Duration
		dst  *time.Duration
	}{
		{"ORDER_TTL", time.Hour, &cfg.OrderTTL},
		{"SWEEP_INTERVAL", 5 * time.Minute, &cfg.SweepInterval},
		{"ENTITLEMENT_TTL", 0, &cfg.EntitlementTTL},
		{"TOKEN_TTL", 30 * time.Minute, &cfg.TokenTTL},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.name, d.def); err != nil {
			fail(err)
		}
	}

	ints := []struct {
		name string
		def  int
		dst  *int
	}{
		{"MAX_VERIFICATION_ATTEMPTS", 5, &cfg.MaxVerificationAttempts},
		{"MAX_DOWNLOADS", 5, &cfg.MaxDownloads},
		{"DOWNLOAD_RATE_LIMIT", 10, &cfg.DownloadRateLimit},
		{"ORDER_RATE_LIMIT", 20, &cfg.OrderRateLimit},
	}
	for _, i := range ints {
		v, convErr := getInt64(i.name, int64(i.def))
		if convErr != nil {
			fail(convErr)
			continue
		}
		if v <= 0 {
			fail(fmt.Errorf("%s must be positive", i.name))
			continue
		}
		*i.dst = int(v)
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getenv(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func getInt64(name string, def int64) (int64, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", name, err)
	}
	return v, nil
}

func getDuration(name string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", name, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s must not be negative", name)
	}
	return v, nil
}

// parsePrices reads "executive=9900,modern=14900".
func parsePrices(raw string) (map[string]int64, error) {
	prices := make(map[string]int64)
	if raw == "" {
		return prices, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("TEMPLATE_PRICES entry %q must be template=amount", pair)
		}
		amount, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || amount <= 0 {
			return nil, fmt.Errorf("TEMPLATE_PRICES entry %q has an invalid amount", pair)
		}
		prices[strings.TrimSpace(name)] = amount
	}
	return prices, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
