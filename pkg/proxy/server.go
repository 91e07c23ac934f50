package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lkarlslund/zimageproxy/pkg/config"
	"github.com/lkarlslund/zimageproxy/pkg/identity"
	"github.com/lkarlslund/zimageproxy/pkg/poll"
	"github.com/lkarlslund/zimageproxy/pkg/ratelimit"
	"github.com/lkarlslund/zimageproxy/pkg/upstream"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"
)

const (
	drainGrace      = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

type Server struct {
	cfg              *config.ServerConfig
	upstream         *upstream.Client
	health           *upstream.Health
	poller           *poll.Poller
	limiter          *ratelimit.Limiter
	metrics          *metrics
	handler          http.Handler
	httpServer       *http.Server
	activeV1Requests atomic.Int64
	draining         atomic.Bool
	now              func() time.Time
}

type Option func(*Server)

// WithLimiter replaces the limiter built from the config.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

func NewServer(cfg *config.ServerConfig, opts ...Option) *Server {
	s := &Server{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.health = upstream.NewHealth()
	forge := identity.NewForge(identity.Profile{
		Origin:         cfg.Upstream.Origin,
		Referer:        cfg.Upstream.Referer,
		AcceptLanguage: cfg.Upstream.AcceptLanguage,
		AnalyticsSite:  cfg.Upstream.AnalyticsSite,
		UserAgents:     cfg.Upstream.UserAgents,
	})
	s.upstream = upstream.NewClient(upstream.Options{
		URL:          cfg.Upstream.URL,
		TaskType:     cfg.Upstream.TaskType,
		DefaultSize:  cfg.Defaults.Size,
		DefaultSteps: cfg.Defaults.Steps,
		Timeout:      cfg.UpstreamTimeout(),
		MaxAttempts:  cfg.Upstream.MaxAttempts,
		Backoff:      cfg.UpstreamBackoff(),
	}, forge, s.health)
	if s.limiter == nil {
		s.limiter = ratelimit.New(cfg.RateLimit.Requests, cfg.RateLimitWindow())
	}
	s.poller = poll.New(s.upstream)
	s.metrics = newMetrics(s.health, s.limiter)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware)
	r.Use(s.lifecycleMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.middleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "Not found: "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "Method "+r.Method+" not allowed on "+r.URL.Path)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Metrics.Enabled {
		r.Method(http.MethodGet, cfg.Metrics.Path, s.metrics.handler())
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/models", s.handleModels)
		v1.Get("/health", s.handleHealth)
		// Possession of auth_context authorizes these.
		v1.Post("/query/status", s.handleQueryStatus)
		v1.Get("/query/watch", s.handleQueryWatch)

		v1.Group(func(g chi.Router) {
			g.Use(s.authMiddleware)
			g.Use(s.rateLimitMiddleware)
			g.Post("/images/generations", s.handleImageGenerations)
			g.Post("/chat/completions", s.handleChatCompletions)
		})
	})
	s.handler = r

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then stops taking /v1 requests and waits
// for in-flight generations before shutting the listeners down.
func (s *Server) Run(ctx context.Context) error {
	servers := []*http.Server{s.httpServer}
	if s.cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.TLS.Domain),
			Email:      s.cfg.TLS.Email,
		}
		s.httpServer.Addr = ":443"
		s.httpServer.TLSConfig = &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12}
		servers = append(servers, &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.limiter.Run(gctx)
		return nil
	})
	for _, srv := range servers {
		g.Go(func() error {
			var err error
			if srv.TLSConfig != nil {
				slog.Info("https listening", "addr", srv.Addr, "domain", s.cfg.TLS.Domain)
				err = srv.ListenAndServeTLS("", "")
			} else {
				slog.Info("listening", "addr", srv.Addr)
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.draining.Store(true)
		drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.PollTimeout()+drainGrace)
		s.waitForIdle(drainCtx)
		cancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(shutdownCtx)
		}
		return nil
	})
	return g.Wait()
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func (s *Server) lifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isV1 := strings.HasPrefix(r.URL.Path, "/v1/")
		if isV1 && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			writeError(w, http.StatusServiceUnavailable, codeShuttingDown, "server shutting down")
			return
		}
		if isV1 {
			s.activeV1Requests.Add(1)
			defer s.activeV1Requests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeV1Requests.Load()
		if active <= 0 {
			slog.Info("shutdown: idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			slog.Info("shutdown: waiting for active requests", "active", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
			slog.Warn("shutdown: drain timed out", "active", active)
			return
		case <-t.C:
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", errInvalidRequest, err)
	}
	return nil
}
