package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"resumekit.app/unlock/internal/config"
	"resumekit.app/unlock/internal/signature"
	"resumekit.app/unlock/models"
)

func testConfig() *config.Config {
	return &config.Config{
		PublicBaseURL:         "https://resumekit.test",
		PayUKey:               "gtKFFx",
		PayUSalt:              "eCwWELxi",
		PayUPaymentURL:        "https://test.payu.in/_payment",
		RazorpayKeyID:         "rzp_test_key",
		RazorpayKeySecret:     "rzp_secret",
		RazorpayWebhookSecret: "rzp_whsec",
		RazorpayAPIURL:        "https://api.razorpay.test/v1",
		StripeSecret:          "sk_test_123",
		StripeWebhookSecret:   "whsec_test",
		DefaultGateway:        "payu",
		SuccessRedirectURL:    "https://resumekit.test/payment/success",
		FailureRedirectURL:    "https://resumekit.test/payment/failure",
	}
}

func testOrder() *models.Order {
	return &models.Order{
		TransactionID: "txn_abc123",
		SessionID:     "S1",
		TemplateID:    "executive",
		AmountMinor:   9900,
		Currency:      "INR",
		Status:        models.OrderPending,
	}
}

func payuCallbackForm(status, amount string) url.Values {
	cfg := testConfig()
	f := signature.PayUFields{
		Key:         cfg.PayUKey,
		TxnID:       "txn_abc123",
		Amount:      amount,
		ProductInfo: "executive",
		FirstName:   "Asha",
		Email:       "asha@example.com",
		UDF1:        "S1",
		UDF2:        "executive",
	}
	return url.Values{
		"key":         {cfg.PayUKey},
		"txnid":       {f.TxnID},
		"amount":      {f.Amount},
		"productinfo": {f.ProductInfo},
		"firstname":   {f.FirstName},
		"email":       {f.Email},
		"udf1":        {f.UDF1},
		"udf2":        {f.UDF2},
		"status":      {status},
		"mihpayid":    {"403993715521"},
		"hash":        {signature.PayUResponseHash(f, status, "", cfg.PayUSalt)},
	}
}

func formRequest(values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payu", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestPayU_CreateCheckout(t *testing.T) {
	p := NewPayU(testConfig())

	checkout, err := p.CreateCheckout(context.Background(), testOrder(), Customer{Name: "Asha", Email: "asha@example.com", Phone: "9999999999"})
	require.NoError(t, err)

	assert.Equal(t, "https://test.payu.in/_payment", checkout.PaymentURL)
	assert.Equal(t, "99.00", checkout.Params["amount"])
	assert.Equal(t, "S1", checkout.Params["udf1"])
	assert.Equal(t, "https://resumekit.test/api/v1/payments/payu/return", checkout.Params["surl"])

	want := signature.PayURequestHash(signature.PayUFields{
		Key:         "gtKFFx",
		TxnID:       "txn_abc123",
		Amount:      "99.00",
		ProductInfo: "executive",
		FirstName:   "Asha",
		Email:       "asha@example.com",
		UDF1:        "S1",
		UDF2:        "executive",
	}, "eCwWELxi")
	assert.Equal(t, want, checkout.Params["hash"])
}

func TestPayU_ParseAndVerify(t *testing.T) {
	p := NewPayU(testConfig())

	cb, err := p.ParseCallback(formRequest(payuCallbackForm("success", "99.00")))
	require.NoError(t, err)
	assert.Equal(t, "txn_abc123", cb.TransactionID)
	assert.Equal(t, "403993715521", cb.GatewayPaymentID)
	assert.Equal(t, int64(9900), cb.AmountMinor)
	assert.True(t, cb.Success)

	assert.NoError(t, p.Verify(cb, testOrder()))
}

func TestPayU_ParseJSONBody(t *testing.T) {
	p := NewPayU(testConfig())
	form := payuCallbackForm("failure", "99.00")

	body := map[string]string{}
	for k := range form {
		body[k] = form.Get(k)
	}
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payu", strings.NewReader(string(raw)))
	req.Header.Set("Content-Type", "application/json")

	cb, err := p.ParseCallback(req)
	require.NoError(t, err)
	assert.False(t, cb.Success)
	assert.NoError(t, p.Verify(cb, testOrder()))
}

func TestPayU_ParseCallbackMalformed(t *testing.T) {
	p := NewPayU(testConfig())

	form := payuCallbackForm("success", "99.00")
	form.Del("hash")
	_, err := p.ParseCallback(formRequest(form))
	assert.True(t, errors.Is(err, models.ErrMalformedRequest))

	form = payuCallbackForm("success", "99.00")
	form.Del("txnid")
	_, err = p.ParseCallback(formRequest(form))
	assert.True(t, errors.Is(err, models.ErrMalformedRequest))

	for _, field := range []string{"productinfo", "firstname", "email", "status", "amount"} {
		form = payuCallbackForm("success", "99.00")
		form.Del(field)
		_, err = p.ParseCallback(formRequest(form))
		assert.True(t, errors.Is(err, models.ErrMalformedRequest), "missing %s: got %v", field, err)
	}
}

func TestPayU_VerifyMissingFieldIsMalformed(t *testing.T) {
	p := NewPayU(testConfig())

	cb, err := p.ParseCallback(formRequest(payuCallbackForm("success", "99.00")))
	require.NoError(t, err)
	delete(cb.Fields, "email")

	err = p.Verify(cb, testOrder())
	assert.True(t, errors.Is(err, models.ErrMalformedRequest), "got %v", err)
	assert.False(t, errors.Is(err, models.ErrSignatureMismatch))
}

func TestPayU_VerifyRejectsAmountMismatch(t *testing.T) {
	p := NewPayU(testConfig())

	// correctly signed, but for one rupee
	cb, err := p.ParseCallback(formRequest(payuCallbackForm("success", "1.00")))
	require.NoError(t, err)

	err = p.Verify(cb, testOrder())
	assert.True(t, errors.Is(err, models.ErrSignatureMismatch), "got %v", err)
}

func TestPayU_VerifyRejectsTamperedStatus(t *testing.T) {
	p := NewPayU(testConfig())

	form := payuCallbackForm("failure", "99.00")
	form.Set("status", "success")
	cb, err := p.ParseCallback(formRequest(form))
	require.NoError(t, err)

	assert.True(t, errors.Is(p.Verify(cb, testOrder()), models.ErrSignatureMismatch))
}

func newRazorpayWithServer(t *testing.T, handler http.HandlerFunc) *Razorpay {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.RazorpayAPIURL = srv.URL + "/v1"
	return NewRazorpay(cfg)
}

func TestRazorpay_CreateCheckout(t *testing.T) {
	var received razorpayOrderRequest
	p := newRazorpayWithServer(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "rzp_test_key", user)
		assert.Equal(t, "rzp_secret", pass)
		assert.Equal(t, "/v1/orders", r.URL.Path)

		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"order_9A33XWu170gUtm","amount":9900,"status":"created"}`))
	})

	checkout, err := p.CreateCheckout(context.Background(), testOrder(), Customer{Name: "Asha", Email: "asha@example.com"})
	require.NoError(t, err)

	assert.Equal(t, int64(9900), received.Amount)
	assert.Equal(t, "txn_abc123", received.Receipt)
	assert.Equal(t, "txn_abc123", received.Notes["txnid"])
	assert.Equal(t, "order_9A33XWu170gUtm", checkout.GatewayOrderID)
	assert.Equal(t, "order_9A33XWu170gUtm", checkout.Params["order_id"])
	assert.Equal(t, "rzp_test_key", checkout.Params["key"])
}

func TestRazorpay_CreateCheckoutAPIError(t *testing.T) {
	p := newRazorpayWithServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","description":"Authentication failed"}}`))
	})

	_, err := p.CreateCheckout(context.Background(), testOrder(), Customer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Authentication failed")
}

func TestRazorpay_CheckoutCallback(t *testing.T) {
	p := NewRazorpay(testConfig())
	order := testOrder()
	order.GatewayOrderID = "order_9A33XWu170gUtm"

	form := url.Values{
		"txnid":               {"txn_abc123"},
		"razorpay_order_id":   {"order_9A33XWu170gUtm"},
		"razorpay_payment_id": {"pay_29QQoUBi66xm2f"},
		"razorpay_signature":  {signature.RazorpayPaymentSignature("order_9A33XWu170gUtm", "pay_29QQoUBi66xm2f", "rzp_secret")},
	}

	cb, err := p.ParseCallback(formRequest(form))
	require.NoError(t, err)
	assert.True(t, cb.Success)
	assert.NoError(t, p.Verify(cb, order))

	// A valid signature for some other gateway order does not unlock this one.
	order.GatewayOrderID = "order_other"
	assert.True(t, errors.Is(p.Verify(cb, order), models.ErrSignatureMismatch))

	form.Del("razorpay_payment_id")
	_, err = p.ParseCallback(formRequest(form))
	assert.True(t, errors.Is(err, models.ErrMalformedRequest))
}

func razorpayWebhookRequest(body, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/razorpay", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Razorpay-Signature", signature.RazorpayWebhookSignature([]byte(body), secret))
	return req
}

func TestRazorpay_Webhook(t *testing.T) {
	p := NewRazorpay(testConfig())
	order := testOrder()
	order.GatewayOrderID = "order_9A33XWu170gUtm"

	body := `{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_9A33XWu170gUtm","amount":9900,"status":"captured","notes":{"txnid":"txn_abc123"}}}}}`

	cb, err := p.ParseCallback(razorpayWebhookRequest(body, "rzp_whsec"))
	require.NoError(t, err)
	assert.Equal(t, "txn_abc123", cb.TransactionID)
	assert.Equal(t, "pay_1", cb.GatewayPaymentID)
	assert.True(t, cb.Success)
	assert.NoError(t, p.Verify(cb, order))

	cb, err = p.ParseCallback(razorpayWebhookRequest(body, "wrong"))
	require.NoError(t, err)
	assert.True(t, errors.Is(p.Verify(cb, order), models.ErrSignatureMismatch))
}

func TestRazorpay_WebhookEdgeCases(t *testing.T) {
	p := NewRazorpay(testConfig())

	_, err := p.ParseCallback(razorpayWebhookRequest(`{"event":"order.notification"}`, "rzp_whsec"))
	assert.True(t, errors.Is(err, ErrIgnoredEvent))

	noNotes := `{"event":"payment.failed","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_1","amount":9900,"status":"failed","notes":[]}}}}`
	_, err = p.ParseCallback(razorpayWebhookRequest(noNotes, "rzp_whsec"))
	assert.True(t, errors.Is(err, models.ErrMalformedRequest))

	_, err = p.ParseCallback(razorpayWebhookRequest(`not json`, "rzp_whsec"))
	assert.True(t, errors.Is(err, models.ErrMalformedRequest))
}

func TestRazorpay_FailedPaymentIsRetryable(t *testing.T) {
	p := NewRazorpay(testConfig())
	order := testOrder()
	order.GatewayOrderID = "order_9A33XWu170gUtm"

	body := `{"event":"payment.failed","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_9A33XWu170gUtm","amount":9900,"status":"failed","notes":{"txnid":"txn_abc123"}}}}}`
	cb, err := p.ParseCallback(razorpayWebhookRequest(body, "rzp_whsec"))
	require.NoError(t, err)
	assert.False(t, cb.Success)
	assert.True(t, cb.Retryable)
	assert.NoError(t, p.Verify(cb, order))
}

func TestRazorpay_WebhookWithoutSecret(t *testing.T) {
	cfg := testConfig()
	cfg.RazorpayWebhookSecret = ""
	p := NewRazorpay(cfg)
	order := testOrder()
	order.GatewayOrderID = "order_9A33XWu170gUtm"

	body := `{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_9A33XWu170gUtm","amount":9900,"status":"captured","notes":{"txnid":"txn_abc123"}}}}}`
	cb, err := p.ParseCallback(razorpayWebhookRequest(body, "rzp_whsec"))
	require.NoError(t, err)

	err = p.Verify(cb, order)
	assert.True(t, errors.Is(err, ErrWebhookSecretMissing))
	assert.False(t, errors.Is(err, models.ErrSignatureMismatch))
}

func TestStripe_CreateCheckout(t *testing.T) {
	s := NewStripe(testConfig())

	var captured *stripe.CheckoutSessionParams
	s.createSession = func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		captured = params
		return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/pay/cs_test_1"}, nil
	}

	checkout, err := s.CreateCheckout(context.Background(), testOrder(), Customer{Email: "asha@example.com"})
	require.NoError(t, err)

	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", checkout.PaymentURL)
	assert.Equal(t, "cs_test_1", checkout.GatewayOrderID)
	require.NotNil(t, captured)
	assert.Equal(t, "txn_abc123", *captured.ClientReferenceID)
	assert.Equal(t, int64(9900), *captured.LineItems[0].PriceData.UnitAmount)
	assert.Equal(t, "inr", *captured.LineItems[0].PriceData.Currency)
	assert.Equal(t, "S1", captured.Metadata["session_id"])
}

func stripeEvent(eventType, paymentStatus string, amount int64) []byte {
	event := map[string]interface{}{
		"id":     "evt_test123",
		"object": "event",
		"type":   eventType,
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":                  "cs_test_1",
				"object":              "checkout.session",
				"client_reference_id": "txn_abc123",
				"amount_total":        amount,
				"currency":            "inr",
				"payment_status":      paymentStatus,
				"payment_intent":      "pi_123",
			},
		},
	}
	payload, _ := json.Marshal(event)
	return payload
}

func stripeRequest(payload []byte, secret string) *http.Request {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: secret})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", strings.NewReader(string(payload)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func TestStripe_Webhook(t *testing.T) {
	s := NewStripe(testConfig())
	order := testOrder()
	order.GatewayOrderID = "cs_test_1"

	cb, err := s.ParseCallback(stripeRequest(stripeEvent("checkout.session.completed", "paid", 9900), "whsec_test"))
	require.NoError(t, err)
	assert.Equal(t, "txn_abc123", cb.TransactionID)
	assert.Equal(t, "pi_123", cb.GatewayPaymentID)
	assert.True(t, cb.Success)
	assert.NoError(t, s.Verify(cb, order))

	cb, err = s.ParseCallback(stripeRequest(stripeEvent("checkout.session.completed", "paid", 9900), "whsec_other"))
	require.NoError(t, err)
	assert.True(t, errors.Is(s.Verify(cb, order), models.ErrSignatureMismatch))

	cb, err = s.ParseCallback(stripeRequest(stripeEvent("checkout.session.completed", "paid", 100), "whsec_test"))
	require.NoError(t, err)
	assert.True(t, errors.Is(s.Verify(cb, order), models.ErrSignatureMismatch))
}

func TestStripe_WebhookIgnoredAndMalformed(t *testing.T) {
	s := NewStripe(testConfig())

	_, err := s.ParseCallback(stripeRequest(stripeEvent("customer.created", "paid", 9900), "whsec_test"))
	assert.True(t, errors.Is(err, ErrIgnoredEvent))

	_, err = s.ParseCallback(stripeRequest(stripeEvent("checkout.session.completed", "unpaid", 9900), "whsec_test"))
	assert.True(t, errors.Is(err, ErrIgnoredEvent))

	cb, err := s.ParseCallback(stripeRequest(stripeEvent("checkout.session.async_payment_failed", "unpaid", 9900), "whsec_test"))
	require.NoError(t, err)
	assert.False(t, cb.Success)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", strings.NewReader("{}"))
	_, err = s.ParseCallback(req)
	assert.True(t, errors.Is(err, models.ErrMalformedRequest))
}

func TestRegistry(t *testing.T) {
	reg := FromConfig(testConfig())
	assert.Equal(t, []string{"payu", "razorpay", "stripe"}, reg.Names())

	g, err := reg.Get("")
	require.NoError(t, err)
	assert.Equal(t, "payu", g.Name())

	g, err = reg.Get("stripe")
	require.NoError(t, err)
	assert.Equal(t, "stripe", g.Name())

	_, err = reg.Get("paypal")
	assert.True(t, errors.Is(err, models.ErrUnknownGateway))
}

func TestRedirectURL(t *testing.T) {
	assert.Equal(t, "https://x.test/ok?template=executive&txnid=txn_1", RedirectURL("https://x.test/ok", "txn_1", "executive"))
	assert.Equal(t, "https://x.test/ok?a=1&template=executive&txnid=txn_1", RedirectURL("https://x.test/ok?a=1", "txn_1", "executive"))
}
