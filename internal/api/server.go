// Package api is the oracle's HTTP transport.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aceteam-ai/greencert/internal/oracle"
)

// Transport-only error codes
const (
	codeRateLimited      = "rate_limited"
	codePayloadTooLarge  = "payload_too_large"
	codeMethodNotAllowed = "method_not_allowed"
	codeForbidden        = "enrollment_forbidden"
)

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	// Addr is the listen address (default: ":8000")
	Addr string

	// Version is reported by /health
	Version string

	// EnrollmentToken guards node enrollment and registry administration
	// (optional; empty leaves them open)
	EnrollmentToken string

	// RateLimit is requests per second per client IP (default: 20; negative disables)
	RateLimit float64

	// RateBurst is the token bucket size (default: 40)
	RateBurst int

	// MaxBodyBytes caps request bodies (default: 1 MiB)
	MaxBodyBytes int64

	// LogFn is called for log messages (optional)
	LogFn func(level, msg string)
}

// Server serves the oracle API.
type Server struct {
	svc        *oracle.Service
	cfg        ServerConfig
	limiter    *RateLimiter
	router     chi.Router
	httpServer *http.Server
}

// NewServer creates the API server and its routes.
func NewServer(cfg ServerConfig, svc *oracle.Service) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 20
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 40
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	s := &Server{svc: svc, cfg: cfg}
	if cfg.RateLimit > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, oracle.CodeNotFound, "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/telemetry", s.handleIngest)
		api.Get("/telemetry/{inference_id}", s.handleReading)

		api.Get("/certificates", s.handleListCertificates)
		api.Get("/certificate/{inference_id}", s.handleCertificate)
		api.Get("/certificate/{inference_id}/vc", s.handleCredential)
		api.Post("/certificate/{inference_id}/verify", s.handleVerifyFor)
		api.Post("/credentials/verify", s.handleVerify)

		api.Get("/model/{model_id}/emissions", s.handleModelEmissions)
		api.Get("/compliance/export", s.handleComplianceExport)
		api.Get("/issuer", s.handleIssuer)

		api.Group(func(admin chi.Router) {
			admin.Use(s.requireEnrollmentToken)
			admin.Post("/nodes", s.handleEnroll)
			admin.Get("/nodes", s.handleListNodes)
			admin.Delete("/nodes/{node_id}", s.handleRevokeNode)
		})
	})
	return r
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
// This method blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve handles requests on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	s.log("info", "oracle API listening on %s", ln.Addr())

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		if s.limiter != nil {
			s.limiter.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// requireEnrollmentToken checks the bearer token when one is configured.
func (s *Server) requireEnrollmentToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.EnrollmentToken != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.EnrollmentToken)) != 1 {
				writeError(w, http.StatusUnauthorized, codeForbidden, "valid enrollment token required")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// errorBody is the stable error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeServiceError maps a pipeline error to its status and stable code.
// Internal detail only reaches the log.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := oracle.Code(err)
	status := http.StatusInternalServerError
	switch code {
	case oracle.CodeAuthentication:
		status = http.StatusUnauthorized
	case oracle.CodeMalformedInput:
		status = http.StatusUnprocessableEntity
	case oracle.CodeNotFound:
		status = http.StatusNotFound
	case oracle.CodePersistence:
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "5")
	}
	if status >= 500 {
		s.log("error", "%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeError(w, status, code, oracle.Message(err))
}

func (s *Server) log(level, format string, args ...any) {
	if s.cfg.LogFn != nil {
		s.cfg.LogFn(level, fmt.Sprintf(format, args...))
	}
}
