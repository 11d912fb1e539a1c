package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"fieldsync/internal/domain"
	"fieldsync/internal/metrics"
	"fieldsync/internal/realtime"
	"fieldsync/internal/service"
	"fieldsync/internal/store"
)

const idempotencyHeader = "Idempotency-Key"

type Options struct {
	AllowedOrigin string
	Heartbeat     time.Duration
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

type API struct {
	service       *service.Service
	hub           *realtime.Hub
	auth          *AuthManager
	metrics       *metrics.Metrics
	log           *zap.Logger
	allowedOrigin string
	heartbeat     time.Duration
	authLimiter   *attemptLimiter
}

func New(svc *service.Service, hub *realtime.Hub, auth *AuthManager, opts Options) *API {
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 25 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &API{
		service:       svc,
		hub:           hub,
		auth:          auth,
		metrics:       opts.Metrics,
		log:           opts.Logger,
		allowedOrigin: opts.AllowedOrigin,
		heartbeat:     opts.Heartbeat,
		authLimiter:   newAttemptLimiter(20, time.Minute),
	}
}

// attemptLimiter caps failed token checks per client within a sliding window.
type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Blocked(key string) bool {
	if l == nil {
		return false
	}
	cutoff := time.Now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.prune(key, cutoff)
	return len(kept) >= l.max
}

func (l *attemptLimiter) Fail(key string) {
	if l == nil {
		return
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.prune(key, now.Add(-l.window))
	l.entries[key] = append(kept, now)
}

func (l *attemptLimiter) prune(key string, cutoff time.Time) []time.Time {
	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(l.entries, key)
	} else {
		l.entries[key] = kept
	}
	return kept
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeMethodNotAllowed(w)
	})
	router.Use(a.observe)

	router.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	if a.metrics != nil {
		router.Handle("/metrics", a.metrics.Handler()).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/orders", a.requireAuth(a.handleCreateOrder)).Methods(http.MethodPost)
	api.HandleFunc("/orders", a.requireAuth(a.handleListOrders)).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}", a.requireAuth(a.handleGetOrder)).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}/cancel", a.requireAuth(a.handleCancelOrder)).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/status", a.requireAuth(a.handleOrderStatus, "lead", "admin")).Methods(http.MethodPatch)

	api.HandleFunc("/stock", a.requireAuth(a.handleListStock)).Methods(http.MethodGet)
	api.HandleFunc("/stock/{productId}", a.requireAuth(a.handleGetStock)).Methods(http.MethodGet)
	api.HandleFunc("/stock/{productId}/movements", a.requireAuth(a.handleMovements)).Methods(http.MethodGet)
	api.HandleFunc("/stock/{productId}/balance", a.requireAuth(a.handleBalance)).Methods(http.MethodGet)
	api.HandleFunc("/stock/{productId}/add", a.requireAuth(a.handleAddStock)).Methods(http.MethodPost)
	api.HandleFunc("/stock/{productId}/adjust", a.requireAuth(a.handleAdjustStock, "lead", "admin")).Methods(http.MethodPost)

	api.HandleFunc("/events", a.requireStreamAuth(a.handleEvents)).Methods(http.MethodGet)
	api.HandleFunc("/events/{session}/channels", a.requireAuth(a.handleJoinChannel)).Methods(http.MethodPost)
	api.HandleFunc("/events/{session}/channels/{channel}", a.requireAuth(a.handleLeaveChannel)).Methods(http.MethodDelete)
	api.HandleFunc("/realtime/publish", a.requireAuth(a.handlePublish, "admin", "service")).Methods(http.MethodPost)

	return a.withMiddleware(router)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return a.authenticate(next, false, roles)
}

// requireStreamAuth also accepts the token as an access_token query
// parameter, since browser EventSource clients cannot set headers.
func (a *API) requireStreamAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return a.authenticate(next, true, roles)
}

func (a *API) authenticate(next http.HandlerFunc, allowQuery bool, roles []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client := clientKey(r)
		if a.authLimiter.Blocked(client) {
			writeError(w, http.StatusTooManyRequests, errors.New("too many failed authentication attempts"))
			return
		}

		token := ""
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			token = strings.TrimSpace(authorization[len("Bearer "):])
		} else if allowQuery {
			token = strings.TrimSpace(r.URL.Query().Get("access_token"))
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		actor, err := a.auth.ParseToken(token)
		if err != nil {
			a.authLimiter.Fail(client)
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Flush() {
	if flusher, ok := s.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// observe runs after route matching so requests are labelled by their route
// template rather than the raw path.
func (a *API) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		startedAt := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(startedAt)

		a.metrics.ObserveRequest(r.Method, route, rec.status, elapsed)
		a.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", elapsed),
		)
	})
}

// writeServiceError maps store sentinels onto HTTP statuses.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status >= 500 {
		a.log.Error("internal error", zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, err)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrInsufficientStock), errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidInput), errors.Is(err, realtime.ErrInvalidChannel), errors.Is(err, realtime.ErrUnknownEvent):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrUnknownProduct):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(idempotencyHeader))
}

func actorOf(r *http.Request) domain.Actor {
	actor, _ := service.ActorFromContext(r.Context())
	return actor
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx responses carry a generic message; the cause is logged by the caller.
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
