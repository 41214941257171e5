package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-historian/internal/llm"
	"github.com/Keyring-Network/keyring-historian/internal/pipeline"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	pipeline      Pipeline
	generator     llm.Provider
	searchEnabled bool
	logger        *zap.Logger
	upgrader      websocket.Upgrader
}

// Pipeline runs one request and streams its events to sink.
type Pipeline interface {
	ExecuteRun(ctx context.Context, run *pipeline.Run, sink pipeline.Sink) error
}

// NewServer wires the HTTP surface. generator is only used by /ready, which
// pings it when it implements llm.Pinger.
func NewServer(p Pipeline, generator llm.Provider, searchEnabled bool, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		pipeline:      p,
		generator:     generator,
		searchEnabled: searchEnabled,
		logger:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Same open policy as corsMiddleware.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Post("/api/stream", s.stream)
	r.Get("/api/ws", s.streamWebSocket)
	r.Get("/health", s.health)
	r.Get("/ready", s.ready)

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldSuppressRequestLog(r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			status := ww.Status()
			if status == 0 && websocket.IsWebSocketUpgrade(r) {
				status = http.StatusSwitchingProtocols
			}
			s.logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func shouldSuppressRequestLog(method string, path string) bool {
	cleanPath := strings.TrimSpace(path)
	if method == http.MethodGet && (cleanPath == "/health" || cleanPath == "/ready") {
		return true
	}
	return method == http.MethodOptions
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type subsystemStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status     string                     `json:"status"`
	Subsystems map[string]subsystemStatus `json:"subsystems"`
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	subsystems := map[string]subsystemStatus{}
	overall := http.StatusOK

	if pinger, ok := s.generator.(llm.Pinger); ok {
		if err := pinger.Ping(ctx); err != nil {
			subsystems["generation"] = subsystemStatus{Status: "error", Error: err.Error()}
			overall = http.StatusServiceUnavailable
		} else {
			subsystems["generation"] = subsystemStatus{Status: "ok"}
		}
	} else {
		subsystems["generation"] = subsystemStatus{Status: "skipped"}
	}

	// Search is optional; "disabled" does not degrade readiness.
	if s.searchEnabled {
		subsystems["search"] = subsystemStatus{Status: "ok"}
	} else {
		subsystems["search"] = subsystemStatus{Status: "disabled"}
	}

	status := "ok"
	if overall != http.StatusOK {
		status = "degraded"
	}
	writeJSONStatus(w, readinessResponse{Status: status, Subsystems: subsystems}, overall)
}

func writeJSONStatus(w http.ResponseWriter, value any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSONStatus(w, map[string]string{"error": message}, statusCode)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Expose-Headers", runIDHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start serves until ctx is done. Cancelling ctx also cancels in-flight
// runs, so open streams do not hold up shutdown.
func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown", zap.Error(err))
		}
	}()
	s.logger.Info("historian listening", zap.String("addr", addr))
	return server.ListenAndServe()
}
