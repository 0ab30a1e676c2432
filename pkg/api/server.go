package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cuemby/bos/pkg/health"
	"github.com/cuemby/bos/pkg/log"
	"github.com/cuemby/bos/pkg/metrics"
	"github.com/cuemby/bos/pkg/operator"
	"github.com/cuemby/bos/pkg/options"
	"github.com/cuemby/bos/pkg/storage"
)

// TenantHeader carries the caller's tenant. Unset is the untenanted bucket.
const TenantHeader = "Cray-Tenant-Name"

type tenantKeyType struct{}

var tenantKey tenantKeyType

// Server exposes the v2 REST surface over the store.
type Server struct {
	store    storage.Store
	options  *options.Provider
	ims      operator.ImageService
	checkers []health.Checker
	version  string
	logger   zerolog.Logger
	router   chi.Router
}

// Config carries the server's dependencies.
type Config struct {
	Store    storage.Store
	Options  *options.Provider
	IMS      operator.ImageService
	Checkers []health.Checker
	Version  string
}

// NewServer builds the router and handlers.
func NewServer(cfg Config) *Server {
	s := &Server{
		store:    cfg.Store,
		options:  cfg.Options,
		ims:      cfg.IMS,
		checkers: cfg.Checkers,
		version:  cfg.Version,
		logger:   log.WithComponent("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.observe)
	r.Use(tenantMiddleware)

	r.Get("/", s.handleRoot)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v2", func(r chi.Router) {
		r.Get("/healthz", s.handleHealthz)
		r.Get("/readyz", s.handleReadyz)
		r.Get("/version", s.handleVersion)

		r.Route("/components", func(r chi.Router) {
			r.Get("/", s.listComponents)
			r.Post("/", s.createComponents)
			r.Patch("/", s.bulkPatchComponents)
			r.Get("/{id}", s.getComponent)
			r.Patch("/{id}", s.patchComponent)
			r.Delete("/{id}", s.deleteComponent)
		})

		r.Post("/applystaged", s.applyStaged)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.listSessions)
			r.Post("/", s.createSession)
			r.Get("/{name}", s.getSession)
			r.Patch("/{name}", s.patchSession)
			r.Delete("/{name}", s.deleteSession)
			r.Get("/{name}/status", s.sessionStatus)
		})

		r.Route("/sessiontemplates", func(r chi.Router) {
			r.Get("/", s.listTemplates)
			r.Post("/", s.createTemplate)
			r.Get("/{name}", s.getTemplate)
			r.Patch("/{name}", s.patchTemplate)
			r.Delete("/{name}", s.deleteTemplate)
			r.Post("/{name}/validate", s.validateTemplate)
		})

		r.Get("/sessiontemplatetemplate", s.templateTemplate)

		r.Get("/options", s.getOptions)
		r.Patch("/options", s.patchOptions)
	})

	s.router = r
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("API server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// observe records request metrics and logs.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, http.StatusText(ww.Status())).Inc()

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", timer.Duration()).
			Msg("Request")
	})
}

// tenantMiddleware extracts the tenant header into the request context.
func tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get(TenantHeader)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey, tenant)))
	})
}

// tenantFrom returns the caller's tenant; unset means untenanted.
func tenantFrom(r *http.Request) string {
	tenant, _ := r.Context().Value(tenantKey).(string)
	return tenant
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{
		"name":    "bos",
		"version": s.version,
		"api":     "/v2",
	})
}
