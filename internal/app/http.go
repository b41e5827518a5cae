package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"reposcout/api/internal/channel"
	"reposcout/api/internal/links"
	"reposcout/api/internal/queue"
	"reposcout/api/internal/render"
	"reposcout/api/internal/results"
	"reposcout/api/internal/search"
	"reposcout/api/internal/session"
	"reposcout/api/internal/store"
	"reposcout/api/internal/util"
)

const maxBodyBytes = 10 << 20

// Deps are the components the HTTP surface is wired to. Finder, PDF and
// Metrics are optional.
type Deps struct {
	Issuer     *session.Issuer
	Hub        *channel.Hub
	Search     *search.Service
	Links      *links.Service
	Dispatcher *queue.Dispatcher
	Receiver   *results.Receiver
	Results    store.ResultStore
	Finder     *search.ResultFinder
	PDF        *render.PDFRenderer
	Metrics    *Metrics
	// Checks are pinged by /api/ready, keyed by the name reported.
	Checks      map[string]store.Pinger
	Logger      *zap.Logger
	CORSOrigin  string
	WorkerToken string
}

type HTTPServer struct {
	deps     Deps
	logger   *zap.Logger
	upgrader websocket.Upgrader
	// closing ends every live push connection on Shutdown.
	closing context.Context
	close   context.CancelFunc
}

func NewHTTPServer(deps Deps) *HTTPServer {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.CORSOrigin == "" {
		deps.CORSOrigin = "*"
	}
	closing, cancel := context.WithCancel(context.Background())
	s := &HTTPServer{
		deps:    deps,
		logger:  deps.Logger.Named("http"),
		closing: closing,
		close:   cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Shutdown disconnects push connections. HTTP requests are drained by the
// caller's http.Server.
func (s *HTTPServer) Shutdown() {
	s.close()
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{s.deps.CORSOrigin},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "X-Request-ID", "X-Worker-Token"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: s.deps.CORSOrigin != "*",
		MaxAge:           300,
	}))
	r.Use(s.deps.Issuer.Middleware)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Get("/", s.handleIndex)
	r.Post("/search", s.handleSearch)
	r.Post("/searchlink", s.handleSearchLink)
	r.Post("/send", s.handleSend)
	r.Post("/analysis_results", s.handleAnalysisResults)
	r.Get("/getData/{name}", s.handleGetData)
	r.Get("/api/results/search", s.handleResultSearch)
	r.Get("/ws", s.handleWebSocket)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, pinger := range s.deps.Checks {
		if err := pinger.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request by the access-log middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID))

		started := time.Now()
		// The wrapper keeps http.Hijacker so websocket upgrades pass through.
		writer := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		status := writer.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(started)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.observeRequest(r.Method, route, status, elapsed)
		}
		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int64("duration_ms", elapsed.Milliseconds()))
	})
}

func (s *HTTPServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.deps.CORSOrigin == "*" {
		return true
	}
	return strings.EqualFold(origin, s.deps.CORSOrigin)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"status":  "error",
		"code":    code,
		"message": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}
