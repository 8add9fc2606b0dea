package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/newsletter-service/internal/idempotency"
	"github.com/ignite/newsletter-service/internal/newsletter"
	"github.com/ignite/newsletter-service/internal/pkg/logger"
	"github.com/ignite/newsletter-service/internal/subscriber"
)

// Handlers holds the HTTP handlers and their service dependencies.
type Handlers struct {
	subscribers *subscriber.Service
	newsletters *newsletter.Service
	db          *sql.DB
}

// NewHandlers creates the handler set.
func NewHandlers(subscribers *subscriber.Service, newsletters *newsletter.Service, db *sql.DB) *Handlers {
	return &Handlers{
		subscribers: subscribers,
		newsletters: newsletters,
		db:          db,
	}
}

// HealthCheck reports service liveness and database reachability.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if h.db != nil {
		if err := h.db.PingContext(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	respondJSON(w, code, map[string]string{
		"status": status,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleSubscribe accepts a form-encoded subscription request. A new
// subscriber lands in pending_confirmation and receives a confirmation email
// before this returns.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "malformed form body")
		return
	}

	_, err := h.subscribers.Subscribe(r.Context(), r.PostFormValue("email"), r.PostFormValue("name"))
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]string{"status": "pending_confirmation"})
	case errors.Is(err, subscriber.ErrInvalidEmail), errors.Is(err, subscriber.ErrInvalidName):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, subscriber.ErrDuplicateEmail):
		respondError(w, http.StatusConflict, "email is already subscribed")
	default:
		logger.Error("subscribe failed", "error", err.Error())
		respondError(w, http.StatusInternalServerError, "subscription failed")
	}
}

// HandleConfirm consumes a confirmation token from the emailed link. Unknown
// and already-used tokens get the same answer.
func (h *Handlers) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		respondError(w, http.StatusBadRequest, "missing confirmation token")
		return
	}

	err := h.subscribers.Confirm(r.Context(), token)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
	case errors.Is(err, subscriber.ErrTokenNotFound):
		respondError(w, http.StatusUnauthorized, "invalid confirmation token")
	default:
		logger.Error("confirm failed", "error", err.Error())
		respondError(w, http.StatusInternalServerError, "confirmation failed")
	}
}

// HandlePublishNewsletter publishes an issue on behalf of the session user.
// The response written here is exactly what the idempotency ledger stored,
// whether this request did the work or an earlier one did.
func (h *Handlers) HandlePublishNewsletter(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "malformed form body")
		return
	}

	req := newsletter.PublishRequest{
		Title:          r.PostFormValue("title"),
		HTMLContent:    r.PostFormValue("html_content"),
		TextContent:    r.PostFormValue("text_content"),
		IdempotencyKey: r.PostFormValue("idempotency_key"),
	}

	saved, err := h.newsletters.Publish(r.Context(), userID, req)
	switch {
	case err == nil:
		writeSavedResponse(w, saved)
	case errors.Is(err, newsletter.ErrInvalidIssue), errors.Is(err, idempotency.ErrInvalidKey):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, idempotency.ErrStillProcessing):
		respondError(w, http.StatusConflict, "a request with this idempotency key is still in flight")
	default:
		logger.Error("publish failed", "error", err.Error(), "user_id", userID)
		respondError(w, http.StatusInternalServerError, "publish failed")
	}
}

// HandleNewsletterForm serves the admin publish form. The idempotency key is
// pre-filled so a double-submitted form replays instead of publishing twice.
func (h *Handlers) HandleNewsletterForm(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(newsletterFormHTML(uuid.New().String())))
}

// HandleNewsletterStatus reports delivery progress for a published issue.
func (h *Handlers) HandleNewsletterStatus(w http.ResponseWriter, r *http.Request) {
	issueID, err := uuid.Parse(chi.URLParam(r, "issueID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "malformed issue id")
		return
	}

	issue, counts, err := h.newsletters.IssueStatus(r.Context(), issueID)
	if err != nil {
		logger.Error("issue status failed", "error", err.Error(), "issue_id", issueID)
		respondError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	if issue == nil {
		respondError(w, http.StatusNotFound, "unknown issue")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"issue_id":     issue.ID,
		"title":        issue.Title,
		"published_at": issue.PublishedAt.Format(time.RFC3339),
		"tasks":        counts,
	})
}

// writeSavedResponse replays a ledger response byte for byte.
func writeSavedResponse(w http.ResponseWriter, saved *idempotency.SavedResponse) {
	for name, values := range saved.Headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(saved.StatusCode)
	w.Write(saved.Body)
}

func respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, code int, msg string) {
	respondJSON(w, code, map[string]string{"error": msg})
}
