// Package api provides the HTTP server for dnacore.
// It exposes the XP kernel and the DNA synchronizer as JSON endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pokerdna/dnacore/internal/domain"
	"github.com/pokerdna/dnacore/internal/infra/logging"
)

// Version is reported by /api/version.
const Version = "0.1.0"

// Server is the dnacore HTTP API server.
type Server struct {
	xp             *XPAPI
	dna            *DNAAPI
	backend        string
	metricsEnabled bool
	requestTimeout time.Duration
	status         map[string]func() any
	log            logging.Logger
}

// NewServer creates a new API server. Either API may be nil, in which case
// its routes are not mounted.
func NewServer(xp *XPAPI, dna *DNAAPI) *Server {
	return &Server{
		xp:             xp,
		dna:            dna,
		requestTimeout: 30 * time.Second,
		log:            logging.GetLogger("api"),
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetBackend records the store backend name reported by /api/status.
func (s *Server) SetBackend(name string) { s.backend = name }

// AddStatus adds a named section to /api/status, computed per request.
func (s *Server) AddStatus(name string, fn func() any) {
	if s.status == nil {
		s.status = make(map[string]func() any)
	}
	s.status[name] = fn
}

// SetRequestTimeout bounds every request.
func (s *Server) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		s.requestTimeout = d
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.requestTimeout))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{
			"status":  "dnacore is running",
			"backend": s.backend,
		}
		if s.xp != nil {
			status["writes_halted"] = s.xp.Kernel.Fault() != nil
		}
		for name, fn := range s.status {
			status[name] = fn()
		}
		writeJSON(w, http.StatusOK, status)
	})
	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": Version})
	})

	if s.xp != nil {
		r.Route("/api/xp", func(r chi.Router) {
			r.Post("/credit", s.xp.HandleCredit)
			r.Post("/validate", s.xp.HandleValidate)
			r.Get("/violations", s.xp.HandleViolations)
			r.Get("/fault", s.xp.HandleFault)
			r.Post("/fault/clear", s.xp.HandleClearFault)

			r.Route("/{userID}", func(r chi.Router) {
				r.Get("/", s.xp.HandleGetXP)
				r.Post("/training", s.xp.HandleTraining)
				r.Post("/bonus", s.xp.HandleBonus)
				r.Post("/streak", s.xp.HandleStreak)
				r.Get("/history", s.xp.HandleHistory)
				r.Get("/violations", s.xp.HandleViolations)
				r.Get("/audit", s.xp.HandleAudit)
			})
		})
	}

	if s.dna != nil {
		r.Post("/api/profiles", s.dna.HandleCreateProfile)
		r.Route("/api/dna", func(r chi.Router) {
			r.Get("/stats", s.dna.HandleStats)
			r.Post("/clear", s.dna.HandleClear)
			r.Route("/{userID}", func(r chi.Router) {
				r.Get("/", s.dna.HandleRead)
				r.Delete("/", s.dna.HandleInvalidate)
				r.Post("/traits", s.dna.HandleUpdateTraits)
			})
		})
	}

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// requestLogger logs each request through logrus.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logging.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "error",
		},
	})
}

// writeDomainError maps domain errors onto status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrIntegrity):
		writeError(w, http.StatusLocked, err.Error())
	case errors.Is(err, domain.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, domain.ErrConflictExhausted), errors.Is(err, domain.ErrNothingToRevert):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrProfileNotFound), errors.Is(err, domain.ErrNotCached):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidSource), errors.Is(err, domain.ErrInvalidTraits):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeJSON decodes the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// queryLimit parses ?limit=, defaulting to def.
func queryLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
