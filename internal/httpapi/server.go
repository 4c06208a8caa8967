package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/quotesync/internal/logging"
	"github.com/agentworkforce/quotesync/internal/quotesync"
)

// SyncService is the engine surface the API drives.
type SyncService interface {
	SyncToNotion(ctx context.Context, userID string) quotesync.SyncResult
	EnqueueSync(ctx context.Context, userID string) (quotesync.EnqueueResult, error)
	DisconnectNotion(ctx context.Context, userID string) quotesync.SyncResult
	Jobs(ctx context.Context, userID string) ([]quotesync.SyncJob, error)
}

// EventSource hands out per-user progress event subscriptions.
type EventSource interface {
	Subscribe(userID string, buffer int) (<-chan quotesync.Event, func())
}

type ServerConfig struct {
	JWTSecret string

	// RateLimitPerSecond and RateLimitBurst bound each user's request rate.
	// A zero rate disables limiting.
	RateLimitPerSecond float64
	RateLimitBurst     int

	// Gatherer backs /metrics; prometheus.DefaultGatherer when nil.
	Gatherer prometheus.Gatherer

	Logger logging.Logger
}

type Server struct {
	service SyncService
	events  EventSource
	cfg     ServerConfig
	log     logging.Logger
	limiter *userLimiter
	router  *mux.Router
}

type userLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func NewServer(service SyncService, events EventSource) *Server {
	return NewServerWithConfig(service, events, ServerConfig{})
}

func NewServerWithConfig(service SyncService, events EventSource, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitPerSecond < 0 {
		cfg.RateLimitPerSecond = 0
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 1
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	s := &Server{
		service: service,
		events:  events,
		cfg:     cfg,
		log:     log,
	}
	if cfg.RateLimitPerSecond > 0 {
		s.limiter = &userLimiter{
			limit:    rate.Limit(cfg.RateLimitPerSecond),
			burst:    cfg.RateLimitBurst,
			limiters: map[string]*rate.Limiter{},
		}
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	users := r.PathPrefix("/v1/users/{userID}/notion").Subrouter()
	users.Handle("/sync", s.authorized("sync:trigger", s.handleSync)).Methods(http.MethodPost)
	users.Handle("/sync/background", s.authorized("sync:trigger", s.handleBackgroundSync)).Methods(http.MethodPost)
	users.Handle("/connection", s.authorized("sync:trigger", s.handleDisconnect)).Methods(http.MethodDelete)
	users.Handle("/jobs", s.authorized("sync:read", s.handleJobs)).Methods(http.MethodGet)
	users.Handle("/events", s.authorized("sync:read", s.handleEvents)).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID, correlationID string)

// authorized checks the bearer token, the correlation header and the user's
// rate budget before calling next.
func (s *Server) authorized(requiredScope string, next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["userID"]
		_, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, userID, requiredScope, time.Now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
			return
		}
		correlationID := getCorrelationID(r)
		if correlationID == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
			return
		}
		if s.limiter != nil {
			if wait, ok := s.limiter.allow(userID, time.Now()); !ok {
				retryAfter := int(math.Ceil(wait.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
				return
			}
		}
		w.Header().Set("X-Correlation-Id", correlationID)
		next(w, r, userID, correlationID)
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	result := s.service.SyncToNotion(r.Context(), userID)
	if !result.Success {
		s.log.Warn(r.Context(), "sync request failed", "user_id", userID, "correlation_id", correlationID, "error", result.Error)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBackgroundSync(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	result, err := s.service.EnqueueSync(r.Context(), userID)
	if err != nil {
		if quotesync.IsPrecondition(err) {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": quotesync.PublicError(err)})
			return
		}
		s.log.Error(r.Context(), "enqueue sync failed", "user_id", userID, "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "sync failed", correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":         true,
		"runId":           result.RunID,
		"jobs":            len(result.Jobs),
		"isNewConnection": result.IsNewConnection,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	writeJSON(w, http.StatusOK, s.service.DisconnectNotion(r.Context(), userID))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	jobs, err := s.service.Jobs(r.Context(), userID)
	if err != nil {
		if errors.Is(err, quotesync.ErrInvalidState) {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "background sync is not configured", correlationID)
			return
		}
		s.log.Error(r.Context(), "list jobs failed", "user_id", userID, "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "list jobs failed", correlationID)
		return
	}
	if jobs == nil {
		jobs = []quotesync.SyncJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

// handleEvents streams the user's orchestrator events as JSON text frames
// until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event stream is not configured", correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn(r.Context(), "websocket upgrade failed", "user_id", userID, "error", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := s.events.Subscribe(userID, 0)
	defer cancel()
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			writeCtx, done := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			done()
			if err != nil {
				return
			}
		}
	}
}

// getCorrelationID returns the request's X-Correlation-Id.
func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

// allow spends one token from key's bucket. When the bucket is empty it
// reports how long until a token is available.
func (l *userLimiter) allow(key string, now time.Time) (time.Duration, bool) {
	l.mu.Lock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()

	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return time.Second, false
	}
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
		return delay, false
	}
	return 0, true
}
