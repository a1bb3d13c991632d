// Package app exposes the HTTP surface: health probes and the websocket
// endpoint that hands connections to the realtime engine.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"coscribe/api/internal/realtime"
	"coscribe/api/internal/session"
	"coscribe/api/internal/store"
)

// Pinger reports storage connectivity for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HTTPServer struct {
	registry   *realtime.Registry
	sessions   session.Store
	db         Pinger
	corsOrigin string
}

func NewHTTPServer(registry *realtime.Registry, sessions session.Store, db Pinger, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		registry:   registry,
		sessions:   sessions,
		db:         db,
		corsOrigin: corsOrigin,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.db.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/ws/document/") {
		documentID := strings.TrimPrefix(r.URL.Path, "/ws/document/")
		if documentID == "" || strings.Contains(documentID, "/") {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown document path")
			return
		}
		s.serveDocumentSocket(w, r, documentID)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route")
}

// serveDocumentSocket resolves the caller's identity, then hands the
// connection to the realtime engine. An unresolvable identity still
// upgrades: the protocol answers with access_denied on the socket.
func (s *HTTPServer) serveDocumentSocket(w http.ResponseWriter, r *http.Request, documentID string) {
	token := bearerToken(r)
	authenticated := false
	user, err := s.lookupUser(r.Context(), token)
	if err == nil {
		authenticated = true
	} else if token != "" {
		log.Printf("app: session lookup failed: %v", err)
	}
	s.registry.ServeWS(w, r, documentID, user, authenticated)
}

func (s *HTTPServer) lookupUser(ctx context.Context, token string) (store.User, error) {
	if token == "" {
		return store.User{}, fmt.Errorf("no session token")
	}
	return s.sessions.LookupSession(ctx, session.HashToken(token))
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie("session"); err == nil {
		return cookie.Value
	}
	return ""
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := s.corsOrigin
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("app: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
