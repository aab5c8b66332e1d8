// Package server exposes the webhook endpoints, the allow-list admin API and
// the operational endpoints over one chi router.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"wanote/internal/bus"
	"wanote/internal/channel"
	"wanote/internal/config"
	"wanote/internal/domain"
	"wanote/internal/metrics"
	"wanote/internal/security"
)

// legacyMetaPath is the webhook path older Meta app configurations point at.
const legacyMetaPath = "/whatsapp-webhook"

// Acceptor schedules the messages carried by a webhook body.
type Acceptor interface {
	Accept(gw domain.Gateway, body []byte) (int, error)
}

// Options wires the server to the rest of the process. CloudAPI and Bridge
// are optional; their routes are only mounted when set.
type Options struct {
	Config   config.ServerConfig
	CloudAPI *channel.CloudAPI
	MetaPath string
	Bridge   *channel.Bridge
	WPPPath  string
	Pipeline Acceptor
	Clients  domain.ClientStore
	Guard    *security.Guard
	Outbound domain.OutboundRouter
	Events   *bus.EventBus
	Metrics  *metrics.Metrics
	// Ping reports storage health for /health.
	Ping    func(ctx context.Context) error
	App     *config.Config // served masked on /api/config
	Version string
	Logger  *slog.Logger
}

type Server struct {
	opts     Options
	router   chi.Router
	validate *validator.Validate
	started  time.Time
}

func New(opts Options) *Server {
	if opts.Config.MaxBodyBytes <= 0 {
		opts.Config.MaxBodyBytes = 10 << 20
	}
	if opts.MetaPath == "" {
		opts.MetaPath = "/webhook/meta"
	}
	if opts.WPPPath == "" {
		opts.WPPPath = "/webhook/wpp"
	}
	s := &Server{
		opts:     opts,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		started:  time.Now(),
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if s.opts.Metrics != nil {
		r.Use(s.opts.Metrics.Middleware)
	}

	if s.opts.CloudAPI != nil {
		for _, p := range []string{s.opts.MetaPath, legacyMetaPath} {
			r.Get(p, s.opts.CloudAPI.HandleVerification)
			r.Post(p, s.handleWebhook(s.opts.CloudAPI))
		}
	}
	if s.opts.Bridge != nil {
		r.Post(s.opts.WPPPath, s.handleWebhook(s.opts.Bridge))
		r.Get(s.opts.WPPPath+"/status", s.handleBridgeStatus)
	}

	r.Get("/health", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
	}

	r.Route("/api", func(api chi.Router) {
		api.Use(s.requireAdmin)
		api.Get("/clients", s.handleListClients)
		api.Post("/clients", s.handleUpsertClient)
		api.Delete("/clients/{phone}", s.handleDeleteClient)
		api.Post("/send", s.handleSend)
		api.Get("/events", s.handleEvents)
		api.Get("/config", s.handleGetConfig)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.opts.Config
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       seconds(cfg.ReadTimeoutSeconds, 30),
		WriteTimeout:      seconds(cfg.WriteTimeoutSeconds, 30),
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.opts.Logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.opts.Logger.Info("http server shutting down")
	return srv.Shutdown(shutdownCtx)
}

func seconds(n, def int) time.Duration {
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Second
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]string{"error": msg})
}
