// Package dashboard implements the orchestrator's read/admin HTTP surface: a JSON status
// API, a health probe, pause/planning/cancel/retry actions, a single polling status page,
// and a Prometheus metrics endpoint. The Server holds a parsed template set and embedded
// static assets; RegisterRoutes wires one handler per route behind a bearer-token-or-
// session-cookie auth wrapper.
package dashboard

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/scrypt"

	"orchestrator/pkg/logx"
	"orchestrator/pkg/persistence"
	"orchestrator/pkg/state"
	"orchestrator/pkg/tracker"
)

//go:embed web/templates/*.html
var templateFS embed.FS

//go:embed web/static
var staticFS embed.FS

var log = logx.NewLogger("dashboard")

// sessionCookieName is the cookie set by a successful bearer-token exchange and accepted
// thereafter as an alternative to the Authorization header.
const sessionCookieName = "autopilot_session"

// csrfHeader is the non-simple header a cookie-authenticated non-GET must carry. Requests
// authenticated with the bearer header directly are exempt: a bearer token can't be
// attached by a browser form or cross-site <img>/<script> tag the way a cookie can.
const csrfHeader = "X-Autopilot-CSRF"

// tokenSalt seasons the scrypt digest of the dashboard token. Not secret; it only keeps
// the digest from matching a digest of the same token computed elsewhere.
var tokenSalt = []byte("autopilot-dashboard-v1")

// TriggerPlanningFunc attempts to launch the planner out of band, returning whether it
// actually launched (false if one was already running). The dashboard never evaluates the
// planner gate itself - that stays the main loop's job - it only requests an out-of-cycle
// attempt.
type TriggerPlanningFunc func(ctx context.Context) (launched bool)

// Deps bundles the collaborators the dashboard's handlers need.
//
//nolint:govet // logical field grouping preferred over memory layout
type Deps struct {
	State   *state.AppState
	Store   *persistence.Store
	Tracker tracker.Tracker

	// Token, if non-empty, is required via Authorization: Bearer <token> or the session
	// cookie for every route except /health.
	Token string

	TriggerPlanning TriggerPlanningFunc

	StartedAt time.Time
}

// Server is the dashboard HTTP server.
type Server struct {
	deps        Deps
	templates   *template.Template
	tokenDigest []byte

	mu       sync.Mutex
	sessions map[string]time.Time // session id -> issued at
}

// NewServer parses the embedded templates and returns a Server ready for RegisterRoutes.
func NewServer(deps Deps) *Server {
	tmpl, err := template.ParseFS(templateFS, "web/templates/*.html")
	if err != nil {
		panic("dashboard: failed to parse embedded templates: " + err.Error())
	}
	s := &Server{
		deps:      deps,
		templates: tmpl,
		sessions:  make(map[string]time.Time),
	}
	if deps.Token != "" {
		// Only the digest is held for the lifetime of the server; incoming bearer
		// values are digested the same way and compared in constant time.
		s.tokenDigest = digestToken(deps.Token)
	}
	return s
}

func digestToken(token string) []byte {
	digest, err := scrypt.Key([]byte(token), tokenSalt, 1<<15, 8, 1, 32)
	if err != nil {
		panic("dashboard: token digest: " + err.Error())
	}
	return digest
}

// RegisterRoutes wires every dashboard route onto mux, including /metrics.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	static, err := fs.Sub(staticFS, "web/static")
	if err != nil {
		panic("dashboard: embedded static assets missing: " + err.Error())
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.requireAuth(s.handleIndex))
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(static)))
	mux.HandleFunc("GET /api/status", s.requireAuth(s.handleStatus))
	mux.HandleFunc("POST /api/pause", s.requireAuth(s.handlePause))
	mux.HandleFunc("POST /api/planning", s.requireAuth(s.handlePlanning))
	mux.HandleFunc("POST /api/cancel/{agentId}", s.requireAuth(s.handleCancel))
	mux.HandleFunc("POST /api/retry/{historyId}", s.requireAuth(s.handleRetry))
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// bearerOK reports whether the request carries a valid Authorization: Bearer header.
func (s *Server) bearerOK(r *http.Request) bool {
	bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare(digestToken(bearer), s.tokenDigest) == 1
}

// cookieOK reports whether the request carries a session cookie issued by handleLogin.
func (s *Server) cookieOK(r *http.Request) bool {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[cookie.Value]
	return ok
}

// requireAuth enforces the bearer-token-or-cookie scheme. A request carrying a valid
// Authorization header is trusted outright; a request relying on the session cookie must
// additionally carry the CSRF header on state-changing methods, since a cookie is
// attached automatically by the browser on cross-site requests a bearer header never
// would be.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Token == "" {
			next(w, r)
			return
		}

		if s.bearerOK(r) {
			next(w, r)
			return
		}

		if !s.cookieOK(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodGet && r.Header.Get(csrfHeader) == "" {
			http.Error(w, "missing CSRF header", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// handleLogin exchanges a valid bearer token for a session cookie, so the plain HTML page
// (which can't set an Authorization header of its own) can authenticate subsequent
// fetches. The cookie carries an opaque session id, never the token itself.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.deps.Token == "" {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	if !s.bearerOK(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID := uuid.NewString()
	s.mu.Lock()
	s.sessions[sessionID] = time.Now()
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, "index.html", nil); err != nil {
		log.Error("render index template: %v", err)
	}
}

// statusResponse is the GET /api/status payload.
type statusResponse struct {
	Paused    bool                 `json:"paused"`
	Agents    []state.RunningAgent `json:"agents"`
	History   []state.HistoryEntry `json:"history"`
	Queue     state.QueueSnapshot  `json:"queue"`
	Planning  state.PlannerStatus  `json:"planning"`
	StartedAt time.Time            `json:"startedAt"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Paused:    s.deps.State.IsPaused(),
		Agents:    s.deps.State.GetRunningAgents(),
		History:   s.deps.State.GetHistory(),
		Queue:     s.deps.State.GetQueueSnapshot(),
		Planning:  s.deps.State.GetPlannerStatus(),
		StartedAt: s.deps.StartedAt,
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHealth reports pass/warn/fail per subsystem. Queue staleness drives the queue
// subsystem: older than 5 minutes is warn, older than 10 is fail, and a failing
// subsystem fails the whole probe with a 503.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	q := s.deps.State.GetQueueSnapshot()

	queueStatus := "pass"
	if !q.LastCheckedAt.IsZero() {
		age := time.Since(q.LastCheckedAt)
		switch {
		case age > 10*time.Minute:
			queueStatus = "fail"
		case age > 5*time.Minute:
			queueStatus = "warn"
		}
	}

	overall := "pass"
	code := http.StatusOK
	switch queueStatus {
	case "fail":
		overall = "fail"
		code = http.StatusServiceUnavailable
	case "warn":
		overall = "warn"
	}

	writeJSON(w, code, map[string]any{
		"status": overall,
		"subsystems": map[string]string{
			"queue": queueStatus,
		},
	})
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	paused := s.deps.State.TogglePause()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": paused})
}

func (s *Server) handlePlanning(w http.ResponseWriter, r *http.Request) {
	if s.deps.State.GetPlannerStatus().Running {
		http.Error(w, "planner already running", http.StatusConflict)
		return
	}
	if s.deps.TriggerPlanning == nil {
		http.Error(w, "planning trigger unavailable", http.StatusServiceUnavailable)
		return
	}
	if !s.deps.TriggerPlanning(r.Context()) {
		http.Error(w, "planner already running", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"triggered": true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentId")
	if !s.deps.State.CancelAgent(agentID) {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// handleRetry reverts a failed or timed-out history entry's issue back to ready so the
// executor picks it up again: 404 if the history row doesn't exist, 400 if there is
// nothing to retry, 409 if the issue already has a running agent.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		http.Error(w, "persistence unavailable", http.StatusServiceUnavailable)
		return
	}

	id, err := strconv.ParseInt(r.PathValue("historyId"), 10, 64)
	if err != nil {
		http.Error(w, "invalid history id", http.StatusBadRequest)
		return
	}

	entry, err := s.deps.Store.HistoryByID(r.Context(), id)
	if errors.Is(err, persistence.ErrNotFound) {
		http.Error(w, "history entry not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error("retry: lookup history %d: %v", id, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if entry.Status != state.AgentStatusFailed && entry.Status != state.AgentStatusTimedOut {
		http.Error(w, "history entry did not fail or time out", http.StatusBadRequest)
		return
	}
	if entry.IssueUUID == "" {
		http.Error(w, "history entry has no associated issue", http.StatusBadRequest)
		return
	}
	if s.deps.State.HasRunningForIssue(entry.IssueUUID) {
		http.Error(w, "issue already has a running agent", http.StatusConflict)
		return
	}

	if err := s.deps.Tracker.Transition(r.Context(), entry.IssueUUID, tracker.StateReady); err != nil {
		log.Error("retry: revert issue %s to ready: %v", entry.Identifier, err)
		http.Error(w, "failed to revert issue to ready", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"retried": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("encode JSON response: %v", err)
	}
}
