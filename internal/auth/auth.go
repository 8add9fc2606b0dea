package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/newsletter-service/internal/config"
)

// Manager validates publisher sessions. A session is a signed cookie of the
// form "user_id|expires_unix|signature"; the signature covers the first two
// fields with HMAC-SHA256 under the configured secret. Nothing is stored
// server-side, so any instance behind a load balancer can validate a cookie
// another instance issued.
type Manager struct {
	secret     []byte
	cookieName string
	maxAge     time.Duration
}

// NewManager creates a session manager from the auth config section.
func NewManager(cfg config.AuthConfig) (*Manager, error) {
	if cfg.SessionSecret == "" {
		return nil, fmt.Errorf("auth: session secret is required")
	}
	cookieName := cfg.CookieName
	if cookieName == "" {
		cookieName = "publisher_session"
	}
	maxAge := time.Duration(cfg.CookieMaxAge) * time.Second
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Manager{
		secret:     []byte(cfg.SessionSecret),
		cookieName: cookieName,
		maxAge:     maxAge,
	}, nil
}

func (m *Manager) sign(payload string) string {
	h := hmac.New(sha256.New, m.secret)
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// IssueSession sets a session cookie identifying userID on the response.
func (m *Manager) IssueSession(w http.ResponseWriter, userID uuid.UUID) {
	expires := time.Now().Add(m.maxAge)
	payload := fmt.Sprintf("%s|%d", userID, expires.Unix())

	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    payload + "|" + m.sign(payload),
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSession expires the session cookie.
func (m *Manager) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// Authenticate returns the user behind the request's session cookie. The
// bool is false for a missing, malformed, tampered, or expired cookie; the
// caller cannot tell which, and callers should not try.
func (m *Manager) Authenticate(r *http.Request) (uuid.UUID, bool) {
	cookie, err := r.Cookie(m.cookieName)
	if err != nil {
		return uuid.Nil, false
	}

	parts := strings.Split(cookie.Value, "|")
	if len(parts) != 3 {
		return uuid.Nil, false
	}

	payload := parts[0] + "|" + parts[1]
	expected := m.sign(payload)
	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return uuid.Nil, false
	}

	expiresUnix, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || time.Now().Unix() > expiresUnix {
		return uuid.Nil, false
	}

	userID, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, false
	}
	return userID, true
}

// IsAuthenticated reports whether the request carries a valid session.
func (m *Manager) IsAuthenticated(r *http.Request) bool {
	_, ok := m.Authenticate(r)
	return ok
}
