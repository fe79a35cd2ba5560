package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"calnotify/internal/config"
	"calnotify/internal/health"
	appLog "calnotify/internal/log"
	"calnotify/internal/state"
)

// RecordSource looks up the persisted record of a watched calendar.
type RecordSource interface {
	Record(ctx context.Context, name string) (state.Record, bool, error)
}

// Server provides the health, status and metrics endpoints.
type Server struct {
	cfg     *config.Config
	monitor *health.Monitor
	records RecordSource
	metrics http.Handler
	router  chi.Router

	stateCheck func(ctx context.Context) error
}

// Option configures a Server.
type Option func(*Server)

// WithStateCheck makes /api/status call check and report the state store
// as failing when it returns an error.
func WithStateCheck(check func(ctx context.Context) error) Option {
	return func(s *Server) { s.stateCheck = check }
}

// NewServer constructs a new Server. metrics may be nil.
func NewServer(cfg *config.Config, monitor *health.Monitor, records RecordSource, metrics http.Handler, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		monitor: monitor,
		records: records,
		metrics: metrics,
		router:  chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password disables auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calnotify", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/calendars/{name}/state", s.handleCalendarState)
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
}

// handleHealth is a liveness probe: it answers as long as the process does.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// statusResponse is the JSON response shape for /api/status.
type statusResponse struct {
	Working    bool            `json:"working"`
	Calendars  []health.Status `json:"calendars"`
	StateError string          `json:"state_error,omitempty"`
	CheckedAt  time.Time       `json:"checked_at"`
}

const stateCheckTimeout = 3 * time.Second

// handleStatus reports per-calendar health and, when configured, whether
// the state store is reachable. It answers 503 when anything is not
// working so it can back an external monitor.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	calendars := s.monitor.All()
	working := true
	for _, c := range calendars {
		if !c.Working {
			working = false
			break
		}
	}

	var stateErr string
	if s.stateCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), stateCheckTimeout)
		err := s.stateCheck(ctx)
		cancel()
		if err != nil {
			appLog.Warn("api status: state store check failed", "err", err.Error())
			stateErr = err.Error()
			working = false
		}
	}

	status := http.StatusOK
	if !working {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, statusResponse{
		Working:    working,
		Calendars:  calendars,
		StateError: stateErr,
		CheckedAt:  time.Now().UTC(),
	})
}

// calendarStateResponse is the JSON response shape for
// /api/calendars/{name}/state.
type calendarStateResponse struct {
	Name           string    `json:"name"`
	Notified       []string  `json:"notified"`
	LastNotifiedAt time.Time `json:"last_notified_at,omitzero"`
	LastErrorAt    time.Time `json:"last_error_at,omitzero"`
	LastError      string    `json:"last_error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitzero"`
}

func (s *Server) handleCalendarState(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	rec, ok, err := s.records.Record(r.Context(), name)
	if err != nil {
		appLog.Error("api state: load failed", err, "calendar", name)
		writeError(w, http.StatusInternalServerError, "failed to load state")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown calendar")
		return
	}

	writeJSON(w, http.StatusOK, calendarStateResponse{
		Name:           name,
		Notified:       rec.Notified.IDs(),
		LastNotifiedAt: rec.LastNotifiedAt,
		LastErrorAt:    rec.LastErrorAt,
		LastError:      rec.LastError,
		UpdatedAt:      rec.UpdatedAt,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
