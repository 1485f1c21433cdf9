package server

import (
	"crypto/subtle"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	authCookie = "auth_token"
	authValue  = "valid"
)

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the Flusher underneath.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		if strings.HasPrefix(r.URL.Path, "/static/") {
			return
		}
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		s.logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)))
	})
}

// isPublic lists the paths reachable without the auth cookie.
func isPublic(p string) bool {
	switch {
	case strings.HasPrefix(p, "/login"),
		strings.HasPrefix(p, "/static/"),
		p == "/healthz",
		strings.Contains(path.Base(p), "."):
		return true
	}
	return false
}

func authenticated(r *http.Request) bool {
	c, err := r.Cookie(authCookie)
	return err == nil && c.Value == authValue
}

// requireAuth redirects pages to the login form and answers API and
// event-stream calls with 401.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublic(r.URL.Path) || authenticated(r) {
			next.ServeHTTP(w, r)
			return
		}
		if strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/events" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}
		http.Redirect(w, r, "/login", http.StatusFound)
	})
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if authenticated(r) {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	s.render(w, http.StatusOK, "login.html", map[string]any{})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.passcode == "" {
		s.logger.Error("login attempted but no passcode is configured")
		s.render(w, http.StatusInternalServerError, "login.html", map[string]any{
			"Error": "Passcode not configured",
		})
		return
	}

	given := r.FormValue("passcode")
	if subtle.ConstantTimeCompare([]byte(given), []byte(s.passcode)) != 1 {
		s.render(w, http.StatusUnauthorized, "login.html", map[string]any{
			"Error": "Invalid Passcode",
		})
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     authCookie,
		Value:    authValue,
		Path:     "/",
		MaxAge:   int(s.cookieMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}
