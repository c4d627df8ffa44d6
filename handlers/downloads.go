package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"resumekit.app/unlock/internal/logger"
	"resumekit.app/unlock/models"
)

type UnlockStatusResponse struct {
	Unlocked           bool   `json:"unlocked"`
	TemplateID         string `json:"templateId"`
	SessionID          string `json:"sessionId"`
	DownloadsRemaining int    `json:"downloadsRemaining"`
	Reason             string `json:"reason,omitempty"`
}

type DownloadLinkRequest struct {
	SessionID  string `json:"sessionId"`
	TemplateID string `json:"templateId"`
}

type DownloadLinkResponse struct {
	Success     bool       `json:"success"`
	DownloadURL string     `json:"downloadUrl,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// UnlockStatus tells the editor whether a session may download a template.
func (s *Server) UnlockStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session"))
	templateID := strings.TrimSpace(r.URL.Query().Get("template"))
	if sessionID == "" || !validTemplateID(templateID) {
		writeErrorResponse(w, http.StatusBadRequest, "session and template are required")
		return
	}

	resp := UnlockStatusResponse{
		TemplateID: templateID,
		SessionID:  sessionID,
	}

	_, err := s.entitlements.Check(r.Context(), sessionID, templateID)
	if err != nil && !models.IsEntitlementDenial(err) {
		writeDomainError(w, r, err)
		return
	}
	if err != nil {
		_, resp.Reason = userError(err)
		writeJSON(w, http.StatusOK, resp)
		return
	}

	remaining, err := s.entitlements.Remaining(r.Context(), sessionID, templateID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	resp.Unlocked = true
	resp.DownloadsRemaining = remaining
	writeJSON(w, http.StatusOK, resp)
}

// DownloadLink issues a single-use link. The session comes from the
// X-Session-Id header, falling back to the body.
func (s *Server) DownloadLink(w http.ResponseWriter, r *http.Request) {
	var req DownloadLinkRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, DownloadLinkResponse{Error: "Invalid JSON"})
		return
	}

	sessionID := strings.TrimSpace(r.Header.Get("X-Session-Id"))
	if sessionID == "" {
		sessionID = strings.TrimSpace(req.SessionID)
	}
	templateID := strings.TrimSpace(req.TemplateID)
	if sessionID == "" || !validTemplateID(templateID) {
		writeJSON(w, http.StatusBadRequest, DownloadLinkResponse{Error: "Session and template are required"})
		return
	}

	issued, err := s.downloads.Issue(r.Context(), sessionID, templateID)
	if err != nil {
		status, message := userError(err)
		if status >= 500 {
			logger.Error("Failed to issue download link", map[string]interface{}{
				"session_id":  sessionID,
				"template_id": templateID,
				"error":       err.Error(),
			})
			message = "Could not create a download link, please try again"
		}
		writeJSON(w, status, DownloadLinkResponse{Error: message})
		return
	}

	expiresAt := issued.ExpiresAt.UTC()
	writeJSON(w, http.StatusOK, DownloadLinkResponse{
		Success:     true,
		DownloadURL: issued.URL,
		ExpiresAt:   &expiresAt,
	})
}

// Download redeems a link and streams the template archive. The archive
// must exist before the token is spent.
func (s *Server) Download(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("token")
	templateID := q.Get("template")
	sessionID := q.Get("session")

	if token == "" || sessionID == "" || !validTemplateID(templateID) {
		writeErrorResponse(w, http.StatusForbidden, "Invalid download link")
		return
	}

	f, err := os.Open(s.templatePath(templateID))
	if err != nil {
		logger.Error("Template archive missing", map[string]interface{}{
			"template_id": templateID,
			"error":       err.Error(),
		})
		writeErrorResponse(w, http.StatusNotFound, "Template file not available")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		writeErrorResponse(w, http.StatusNotFound, "Template file not available")
		return
	}

	if _, _, err := s.downloads.Consume(r.Context(), token, sessionID, templateID); err != nil {
		writeDomainError(w, r, err)
		return
	}

	// A spent token always delivers the whole archive, never a 206 or 304.
	for _, h := range conditionalHeaders {
		r.Header.Del(h)
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+templateID+`.zip"`)
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, templateID+".zip", info.ModTime(), f)
}

var conditionalHeaders = []string{
	"Range",
	"If-Range",
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
}
