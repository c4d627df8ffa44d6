package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"resumekit.app/unlock/internal/config"
	"resumekit.app/unlock/internal/downloads"
	"resumekit.app/unlock/internal/entitlements"
	"resumekit.app/unlock/internal/gateway"
	"resumekit.app/unlock/internal/orders"
	"resumekit.app/unlock/internal/ratelimit"
	"resumekit.app/unlock/internal/signature"
	"resumekit.app/unlock/internal/verification"
	"resumekit.app/unlock/models"
	"resumekit.app/unlock/storage"
)

const (
	PayUKey  = "gtKFFx"
	PayUSalt = "eCwWELxi"
	BaseURL  = "https://resumekit.test"
)

// TemplateContent is written to every template archive created by TestConfig.
var TemplateContent = []byte("PK\x03\x04 resume template archive")

// TestConfig returns a PayU-only configuration whose assets directory holds
// executive.zip and modern.zip.
func TestConfig(t testing.TB) *config.Config {
	t.Helper()

	assets := t.TempDir()
	for _, name := range []string{"executive", "modern"} {
		if err := os.WriteFile(filepath.Join(assets, name+".zip"), TemplateContent, 0o644); err != nil {
			t.Fatalf("Failed to write template archive: %v", err)
		}
	}

	return &config.Config{
		Port:                    "8080",
		PublicBaseURL:           BaseURL,
		DatabaseURL:             "memory",
		PayUKey:                 PayUKey,
		PayUSalt:                PayUSalt,
		PayUPaymentURL:          "https://test.payu.in/_payment",
		DefaultGateway:          "payu",
		Currency:                "INR",
		DefaultTemplatePrice:    9900,
		TemplatePrices:          map[string]int64{"modern": 14900},
		SuccessRedirectURL:      BaseURL + "/payment/success",
		FailureRedirectURL:      BaseURL + "/payment/failure",
		AllowedOrigins:          []string{BaseURL},
		AssetsDir:               assets,
		OrderTTL:                time.Hour,
		SweepInterval:           5 * time.Minute,
		MaxVerificationAttempts: 5,
		MaxDownloads:            5,
		TokenTTL:                30 * time.Minute,
		DownloadRateLimit:       10,
		OrderRateLimit:          20,
		EmailFrom:               "receipts@resumekit.test",
	}
}

// RecordingMailer collects receipt emails instead of sending them.
type RecordingMailer struct {
	mu   sync.Mutex
	Sent []string
}

func (m *RecordingMailer) Send(to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, to)
	return nil
}

func (m *RecordingMailer) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}

// Stack is every service wired over one memory store.
type Stack struct {
	Config       *config.Config
	Storage      *storage.MemoryStorage
	Orders       *orders.Service
	Entitlements *entitlements.Service
	Gateways     *gateway.Registry
	Processor    *verification.Processor
	Downloads    *downloads.Issuer
	Ledger       *ratelimit.SlidingWindow
	Mailer       *RecordingMailer
}

func NewStack(t testing.TB) *Stack {
	t.Helper()
	return NewStackWithConfig(t, TestConfig(t))
}

func NewStackWithConfig(t testing.TB, cfg *config.Config) *Stack {
	t.Helper()

	store := storage.NewMemoryStorage()
	s := &Stack{
		Config:       cfg,
		Storage:      store,
		Orders:       orders.NewService(store, cfg.OrderTTL, cfg.MaxVerificationAttempts),
		Entitlements: entitlements.NewService(store, cfg.MaxDownloads, cfg.EntitlementTTL),
		Gateways:     gateway.FromConfig(cfg),
		Ledger:       ratelimit.NewSlidingWindow(cfg.DownloadRateLimit, time.Hour),
		Mailer:       &RecordingMailer{},
	}
	s.Processor = verification.NewProcessor(s.Gateways, s.Orders, s.Entitlements, store, s.Mailer, cfg.PublicBaseURL)
	s.Downloads = downloads.NewIssuer(store, s.Entitlements, s.Ledger, cfg.TokenTTL, cfg.PublicBaseURL)
	t.Cleanup(s.Processor.Wait)
	return s
}

// CreateOrder stores a PENDING PayU order at the catalog price.
func (s *Stack) CreateOrder(t testing.TB, sessionID, templateID string) *models.Order {
	t.Helper()

	order, err := s.Orders.Create(context.Background(), orders.CreateParams{
		SessionID:     sessionID,
		TemplateID:    templateID,
		AmountMinor:   s.Config.PriceFor(templateID),
		Currency:      s.Config.Currency,
		Gateway:       "payu",
		CustomerName:  "Asha",
		CustomerEmail: "asha@example.com",
	})
	if err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}
	return order
}

// Unlock pays for a template through the verification path and returns the
// granted entitlement.
func (s *Stack) Unlock(t testing.TB, sessionID, templateID string) *models.Entitlement {
	t.Helper()

	order := s.CreateOrder(t, sessionID, templateID)
	out, err := s.Processor.HandleRequest(context.Background(), "payu", PayUWebhookRequest(PayUCallbackForm(order, "success")))
	if err != nil {
		t.Fatalf("Failed to process callback: %v", err)
	}
	if out.Status != models.OutcomeVerified {
		t.Fatalf("Expected verified outcome, got %s (%s)", out.Status, out.Reason)
	}
	return out.Entitlement
}

// PayUCallbackForm builds the form PayU posts for order, signed with the
// test salt.
func PayUCallbackForm(order *models.Order, status string) url.Values {
	f := signature.PayUFields{
		Key:         PayUKey,
		TxnID:       order.TransactionID,
		Amount:      signature.FormatAmount(order.AmountMinor),
		ProductInfo: order.TemplateID,
		FirstName:   order.CustomerName,
		Email:       order.CustomerEmail,
		UDF1:        order.SessionID,
		UDF2:        order.TemplateID,
	}
	return url.Values{
		"key":         {f.Key},
		"txnid":       {f.TxnID},
		"amount":      {f.Amount},
		"productinfo": {f.ProductInfo},
		"firstname":   {f.FirstName},
		"email":       {f.Email},
		"udf1":        {f.UDF1},
		"udf2":        {f.UDF2},
		"status":      {status},
		"mihpayid":    {"403993715521"},
		"hash":        {signature.PayUResponseHash(f, status, "", PayUSalt)},
	}
}

func PayUWebhookRequest(form url.Values) *http.Request {
	return FormRequest("/api/v1/webhooks/payu", form)
}

func FormRequest(path string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func JSONRequest(t testing.TB, method, path string, body interface{}) *http.Request {
	t.Helper()

	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewBuffer(payload))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// DecodeJSON decodes a recorded response body into v.
func DecodeJSON(t testing.TB, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
}

// AssertErrorResponse checks if the error response matches expected values
func AssertErrorResponse(t testing.TB, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	t.Helper()

	if w.Code != expectedStatus {
		t.Errorf("Expected status %d, got %d", expectedStatus, w.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}

	if response["error"] != expectedError {
		t.Errorf("Expected error '%s', got '%v'", expectedError, response["error"])
	}
}
