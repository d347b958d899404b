// Package healthcheck serves the liveness endpoints probed by the hosting
// platform.
package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Status is the static configuration summary reported by both endpoints.
type Status struct {
	Candidates []string
	// Speech and Vision name the active backend, or "off".
	Speech    string
	Vision    string
	StartedAt time.Time
}

// Response is the /health body.
type Response struct {
	Status        string   `json:"status"`
	LLM           bool     `json:"llm"`
	Speech        string   `json:"speech"`
	Vision        string   `json:"vision"`
	Candidates    []string `json:"candidates"`
	UptimeSeconds int64    `json:"uptime_seconds"`
}

// Server answers GET / and GET /health.
type Server struct {
	addr   string
	status Status
	router chi.Router
	log    zerolog.Logger
}

func New(addr string, status Status, log zerolog.Logger) *Server {
	if status.Speech == "" {
		status.Speech = "off"
	}
	if status.Vision == "" {
		status.Vision = "off"
	}
	if status.StartedAt.IsZero() {
		status.StartedAt = time.Now()
	}
	s := &Server{addr: addr, status: status, log: log}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	s.router = r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	return Serve(ctx, s.addr, s.router, s.log)
}

// StatusLine is the plain-text body of GET /.
func (s *Server) StatusLine() string {
	llm := "off"
	if len(s.status.Candidates) > 0 {
		llm = strings.Join(s.status.Candidates, ",")
	}
	return fmt.Sprintf("Bot is running! llm=%s speech=%s vision=%s", llm, s.status.Speech, s.status.Vision)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(s.StatusLine() + "\n"))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	candidates := s.status.Candidates
	if candidates == nil {
		candidates = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(Response{
		Status:        "ok",
		LLM:           len(candidates) > 0,
		Speech:        s.status.Speech,
		Vision:        s.status.Vision,
		Candidates:    candidates,
		UptimeSeconds: int64(time.Since(s.status.StartedAt).Seconds()),
	})
}

// Serve runs an HTTP server on addr until ctx is done, then shuts it down
// gracefully. It returns nil after a clean shutdown.
func Serve(ctx context.Context, addr string, h http.Handler, log zerolog.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Str("addr", addr).Msg("http shutdown")
		}
	}()

	log.Info().Str("addr", addr).Msg("http server listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return nil
}
