package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"resumekit.app/unlock/internal/gateway"
	"resumekit.app/unlock/internal/logger"
	"resumekit.app/unlock/internal/verification"
	"resumekit.app/unlock/models"
)

type WebhookResponse struct {
	Received      bool   `json:"received"`
	Status        string `json:"status"`
	TransactionID string `json:"transactionId,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Webhook receives server-to-server gateway notifications. Rejections are
// acknowledged with 200 so the gateway stops retrying; only malformed
// requests get a 400 and infrastructure failures a 500.
func (s *Server) Webhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "gateway")

	logger.Info("Payment webhook received", map[string]interface{}{
		"gateway":     name,
		"remote_addr": clientIP(r),
		"user_agent":  r.Header.Get("User-Agent"),
	})

	out, err := s.processor.HandleRequest(r.Context(), name, r)
	switch {
	case errors.Is(err, gateway.ErrIgnoredEvent):
		logger.Info("Webhook event ignored", map[string]interface{}{
			"gateway": name,
		})
		writeJSON(w, http.StatusOK, WebhookResponse{Received: true, Status: "ignored"})
		return
	case errors.Is(err, models.ErrUnknownGateway):
		writeErrorResponse(w, http.StatusNotFound, "Unknown payment gateway")
		return
	case errors.Is(err, models.ErrMalformedRequest):
		writeErrorResponse(w, http.StatusBadRequest, "Malformed callback")
		return
	case err != nil:
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, WebhookResponse{
		Received:      true,
		Status:        out.Status,
		TransactionID: out.TransactionID,
		Reason:        out.Reason,
	})
}

// PaymentReturn handles the browser coming back from a hosted payment page
// (PayU surl/furl). The callback goes through the same verification as a
// webhook and the browser is redirected to the editor either way.
func (s *Server) PaymentReturn(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "gateway")

	out, err := s.processor.HandleRequest(r.Context(), name, r)
	if errors.Is(err, models.ErrUnknownGateway) {
		writeErrorResponse(w, http.StatusNotFound, "Unknown payment gateway")
		return
	}
	if err != nil {
		logger.Warn("Payment return could not be processed", map[string]interface{}{
			"gateway": name,
			"error":   err.Error(),
		})
		http.Redirect(w, r, s.config.FailureRedirectURL, http.StatusSeeOther)
		return
	}

	var templateID string
	if out.Order != nil {
		templateID = out.Order.TemplateID
	}

	target := s.config.FailureRedirectURL
	if paid(out) {
		target = s.config.SuccessRedirectURL
	}
	http.Redirect(w, r, gateway.RedirectURL(target, out.TransactionID, templateID), http.StatusSeeOther)
}

// paid reports whether the order behind out is verified, whether by this
// callback or an earlier one.
func paid(out *verification.Outcome) bool {
	return out.Status == models.OutcomeVerified ||
		(out.Status == models.OutcomeAlreadyProcessed && out.Reason == verification.ReasonAlreadyVerified)
}
