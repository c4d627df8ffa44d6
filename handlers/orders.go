package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"resumekit.app/unlock/internal/gateway"
	"resumekit.app/unlock/internal/logger"
	"resumekit.app/unlock/internal/metrics"
	"resumekit.app/unlock/internal/orders"
)

const maxRequestBytes = int64(65536)

type CreateOrderRequest struct {
	SessionID  string `json:"sessionId"`
	TemplateID string `json:"templateId"`
	Gateway    string `json:"gateway,omitempty"`
	FirstName  string `json:"firstname"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
}

type CreateOrderResponse struct {
	Success       bool                   `json:"success"`
	TransactionID string                 `json:"transactionId"`
	Gateway       string                 `json:"gateway"`
	PaymentURL    string                 `json:"paymentUrl"`
	Params        map[string]interface{} `json:"params,omitempty"`
}

func (req *CreateOrderRequest) validate() error {
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.TemplateID = strings.TrimSpace(req.TemplateID)
	req.Gateway = strings.ToLower(strings.TrimSpace(req.Gateway))
	req.Email = strings.TrimSpace(req.Email)

	if req.SessionID == "" {
		return errors.New("sessionId required")
	}
	if !validTemplateID(req.TemplateID) {
		return errors.New("templateId invalid")
	}
	if req.Email != "" && !strings.Contains(req.Email, "@") {
		return errors.New("email invalid")
	}
	return nil
}

// CreateOrder starts a purchase. The amount always comes from the server
// catalog; nothing price-related is read from the request.
func (s *Server) CreateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateOrderRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if err := req.validate(); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid order: "+err.Error())
		return
	}
	if !s.templateAvailable(req.TemplateID) {
		writeErrorResponse(w, http.StatusNotFound, "Template not found")
		return
	}

	gw, err := s.gateways.Get(req.Gateway)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	order, err := s.orders.Create(ctx, orders.CreateParams{
		SessionID:     req.SessionID,
		TemplateID:    req.TemplateID,
		AmountMinor:   s.config.PriceFor(req.TemplateID),
		Currency:      s.config.Currency,
		Gateway:       gw.Name(),
		CustomerName:  strings.TrimSpace(req.FirstName),
		CustomerEmail: req.Email,
		CustomerPhone: strings.TrimSpace(req.Phone),
		SourceIP:      clientIP(r),
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	checkout, err := gw.CreateCheckout(ctx, order, gateway.Customer{
		Name:  order.CustomerName,
		Email: order.CustomerEmail,
		Phone: order.CustomerPhone,
	})
	if err != nil {
		logger.Error("Checkout creation failed", map[string]interface{}{
			"gateway":        gw.Name(),
			"transaction_id": order.TransactionID,
			"error":          err.Error(),
		})
		if markErr := s.orders.MarkFailed(ctx, order.TransactionID, "checkout creation failed"); markErr != nil {
			logger.Warn("Failed to mark order failed", map[string]interface{}{
				"transaction_id": order.TransactionID,
				"error":          markErr.Error(),
			})
		}
		writeErrorResponse(w, http.StatusBadGateway, "Payment gateway unavailable, please try again")
		return
	}

	if err := s.orders.AttachGatewayOrder(ctx, order.TransactionID, checkout.GatewayOrderID); err != nil {
		writeDomainError(w, r, err)
		return
	}

	metrics.OrdersCreated.WithLabelValues(gw.Name()).Inc()

	writeJSON(w, http.StatusOK, CreateOrderResponse{
		Success:       true,
		TransactionID: order.TransactionID,
		Gateway:       gw.Name(),
		PaymentURL:    checkout.PaymentURL,
		Params:        checkout.Params,
	})
}

// validTemplateID accepts the catalog id alphabet only, which also keeps
// ids safe to join into asset paths.
func validTemplateID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

func (s *Server) templatePath(templateID string) string {
	return filepath.Join(s.config.AssetsDir, templateID+".zip")
}

func (s *Server) templateAvailable(templateID string) bool {
	info, err := os.Stat(s.templatePath(templateID))
	return err == nil && info.Mode().IsRegular()
}
