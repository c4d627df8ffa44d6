package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"resumekit.app/unlock/internal/signature"
	"resumekit.app/unlock/internal/testutil"
	"resumekit.app/unlock/models"
)

func TestWebhook_PayUSuccess(t *testing.T) {
	server, stack := newTestServer(t)
	order := stack.CreateOrder(t, "S1", "executive")

	w := serve(server, testutil.PayUWebhookRequest(testutil.PayUCallbackForm(order, "success")))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp WebhookResponse
	testutil.DecodeJSON(t, w, &resp)
	if !resp.Received || resp.Status != models.OutcomeVerified {
		t.Errorf("Expected received verified response, got %+v", resp)
	}
	if resp.TransactionID != order.TransactionID {
		t.Errorf("Expected transaction %s, got %s", order.TransactionID, resp.TransactionID)
	}

	if _, err := stack.Entitlements.Check(context.Background(), "S1", "executive"); err != nil {
		t.Errorf("Expected entitlement after webhook, got %v", err)
	}
}

func TestWebhook_DuplicateDelivery(t *testing.T) {
	server, stack := newTestServer(t)
	order := stack.CreateOrder(t, "S1", "executive")
	form := testutil.PayUCallbackForm(order, "success")

	serve(server, testutil.PayUWebhookRequest(form))
	w := serve(server, testutil.PayUWebhookRequest(form))

	var resp WebhookResponse
	testutil.DecodeJSON(t, w, &resp)
	if resp.Status != models.OutcomeAlreadyProcessed {
		t.Errorf("Expected already_processed on redelivery, got %s", resp.Status)
	}

	ents, _ := stack.Storage.FindEntitlements(context.Background(), "S1", "executive")
	if len(ents) != 1 {
		t.Errorf("Expected exactly 1 entitlement, got %d", len(ents))
	}
}

func TestWebhook_TamperedSignature(t *testing.T) {
	server, stack := newTestServer(t)
	order := stack.CreateOrder(t, "S1", "executive")

	form := testutil.PayUCallbackForm(order, "success")
	form.Set("amount", "1.00")

	w := serve(server, testutil.PayUWebhookRequest(form))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected rejection to be acknowledged with 200, got %d", w.Code)
	}

	var resp WebhookResponse
	testutil.DecodeJSON(t, w, &resp)
	if resp.Status != models.OutcomeRejected || resp.Reason != "signature mismatch" {
		t.Errorf("Expected rejected/signature mismatch, got %+v", resp)
	}

	if _, err := stack.Entitlements.Check(context.Background(), "S1", "executive"); err == nil {
		t.Errorf("Expected no entitlement for tampered callback")
	}
}

func TestWebhook_Malformed(t *testing.T) {
	server, _ := newTestServer(t)

	w := serve(server, testutil.PayUWebhookRequest(url.Values{"status": {"success"}}))
	testutil.AssertErrorResponse(t, w, http.StatusBadRequest, "Malformed callback")
}

func TestWebhook_MissingSignedFieldLeavesOrderUntouched(t *testing.T) {
	server, stack := newTestServer(t)
	order := stack.CreateOrder(t, "S1", "executive")

	for i := 0; i < 6; i++ {
		form := testutil.PayUCallbackForm(order, "success")
		form.Del("productinfo")
		w := serve(server, testutil.PayUWebhookRequest(form))
		testutil.AssertErrorResponse(t, w, http.StatusBadRequest, "Malformed callback")
	}

	stored, _ := stack.Orders.Get(context.Background(), order.TransactionID)
	if stored.VerificationAttempts != 0 || stored.Status != models.OrderPending {
		t.Fatalf("Expected untouched PENDING order, got %s with %d attempts", stored.Status, stored.VerificationAttempts)
	}

	w := serve(server, testutil.PayUWebhookRequest(testutil.PayUCallbackForm(order, "success")))
	var resp WebhookResponse
	testutil.DecodeJSON(t, w, &resp)
	if resp.Status != models.OutcomeVerified {
		t.Errorf("Expected the genuine callback to verify, got %+v", resp)
	}
}

func TestWebhook_UnknownOrder(t *testing.T) {
	server, stack := newTestServer(t)
	order := stack.CreateOrder(t, "S1", "executive")

	form := testutil.PayUCallbackForm(order, "success")
	form.Set("txnid", "txn_doesnotexist")

	w := serve(server, testutil.PayUWebhookRequest(form))

	var resp WebhookResponse
	testutil.DecodeJSON(t, w, &resp)
	if resp.Status != models.OutcomeRejected || resp.Reason != "order not found" {
		t.Errorf("Expected rejected/order not found, got %+v", resp)
	}
}

func TestWebhook_RazorpayCheckoutCallback(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"order_9A33XWu170gUtm","amount":9900,"status":"created"}`))
	}))
	defer api.Close()

	cfg := testutil.TestConfig(t)
	cfg.RazorpayKeyID = "rzp_test_key"
	cfg.RazorpayKeySecret = "rzp_secret"
	cfg.RazorpayAPIURL = api.URL + "/v1"
	server, stack := newTestServerWithConfig(t, cfg)

	body := validOrderBody()
	body["gateway"] = "razorpay"
	w := serve(server, orderRequest(t, body))
	var created CreateOrderResponse
	testutil.DecodeJSON(t, w, &created)

	callback := url.Values{
		"txnid":               {created.TransactionID},
		"razorpay_order_id":   {"order_9A33XWu170gUtm"},
		"razorpay_payment_id": {"pay_29QQoUBi66xm2f"},
		"razorpay_signature":  {signature.RazorpayPaymentSignature("order_9A33XWu170gUtm", "pay_29QQoUBi66xm2f", "rzp_secret")},
	}
	w = serve(server, testutil.FormRequest("/api/v1/webhooks/razorpay", callback))

	var resp WebhookResponse
	testutil.DecodeJSON(t, w, &resp)
	if resp.Status != models.OutcomeVerified {
		t.Fatalf("Expected verified Razorpay payment, got %+v", resp)
	}
	if _, err := stack.Entitlements.Check(context.Background(), "S1", "executive"); err != nil {
		t.Errorf("Expected entitlement after Razorpay callback, got %v", err)
	}
}

func TestPaymentReturn_RedirectsToSuccess(t *testing.T) {
	server, stack := newTestServer(t)
	order := stack.CreateOrder(t, "S1", "executive")

	req := testutil.FormRequest("/api/v1/payments/payu/return", testutil.PayUCallbackForm(order, "success"))
	w := serve(server, req)

	if w.Code != http.StatusSeeOther {
		t.Fatalf("Expected status %d, got %d", http.StatusSeeOther, w.Code)
	}
	location := w.Header().Get("Location")
	if !strings.HasPrefix(location, testutil.BaseURL+"/payment/success?") {
		t.Errorf("Expected success redirect, got %s", location)
	}
	if !strings.Contains(location, "txnid="+order.TransactionID) || !strings.Contains(location, "template=executive") {
		t.Errorf("Expected txnid and template in redirect, got %s", location)
	}

	// The browser return after the webhook already verified the order
	// still lands on the success page.
	w = serve(server, testutil.FormRequest("/api/v1/payments/payu/return", testutil.PayUCallbackForm(order, "success")))
	if location := w.Header().Get("Location"); !strings.HasPrefix(location, testutil.BaseURL+"/payment/success?") {
		t.Errorf("Expected success redirect on repeat return, got %s", location)
	}
}

func TestPaymentReturn_RedirectsToFailure(t *testing.T) {
	server, stack := newTestServer(t)
	order := stack.CreateOrder(t, "S1", "executive")

	w := serve(server, testutil.FormRequest("/api/v1/payments/payu/return", testutil.PayUCallbackForm(order, "failure")))
	if w.Code != http.StatusSeeOther {
		t.Fatalf("Expected status %d, got %d", http.StatusSeeOther, w.Code)
	}
	if location := w.Header().Get("Location"); !strings.HasPrefix(location, testutil.BaseURL+"/payment/failure?") {
		t.Errorf("Expected failure redirect, got %s", location)
	}

	stored, _ := stack.Orders.Get(context.Background(), order.TransactionID)
	if stored.Status != models.OrderFailed {
		t.Errorf("Expected order FAILED, got %s", stored.Status)
	}
}

func TestPaymentReturn_Malformed(t *testing.T) {
	server, _ := newTestServer(t)

	w := serve(server, testutil.FormRequest("/api/v1/payments/payu/return", url.Values{}))
	if w.Code != http.StatusSeeOther {
		t.Fatalf("Expected status %d, got %d", http.StatusSeeOther, w.Code)
	}
	if location := w.Header().Get("Location"); location != testutil.BaseURL+"/payment/failure" {
		t.Errorf("Expected plain failure redirect, got %s", location)
	}
}
