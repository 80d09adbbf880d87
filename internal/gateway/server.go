// Package gateway wires the HTTP surface: pass-through and gateway
// dispatch, the admin API and the runtime endpoints.
package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/mwistrand/aussie-sub005/internal/config"
	"github.com/mwistrand/aussie-sub005/internal/dispatch"
	"github.com/mwistrand/aussie-sub005/internal/gwerrors"
	"github.com/mwistrand/aussie-sub005/internal/keystore"
	"github.com/mwistrand/aussie-sub005/internal/logging"
	"github.com/mwistrand/aussie-sub005/internal/metrics"
	"github.com/mwistrand/aussie-sub005/internal/middleware"
	"github.com/mwistrand/aussie-sub005/internal/registry"
	"github.com/mwistrand/aussie-sub005/internal/validate"
)

// Server is the gateway's HTTP front.
type Server struct {
	cfg        config.ServerConfig
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	metrics    *metrics.Collector
	sizes      *validate.SizeValidator
	bootstrap  config.BootstrapConfig
	adminKeys  *keystore.Store
	startedAt  time.Time

	handler http.Handler
	runtime http.Handler
	admin   http.Handler
	httpSrv *http.Server
}

// Options collects the server's collaborators.
type Options struct {
	Config     config.ServerConfig
	Bootstrap  config.BootstrapConfig
	Dispatcher *dispatch.Dispatcher
	Registry   *registry.Registry
	Metrics    *metrics.Collector
	Sizes      *validate.SizeValidator
	AdminKeys  *keystore.Store
}

// New builds the server and its routing tree.
func New(opts Options) *Server {
	s := &Server{
		cfg:        opts.Config,
		dispatcher: opts.Dispatcher,
		registry:   opts.Registry,
		metrics:    opts.Metrics,
		sizes:      opts.Sizes,
		bootstrap:  opts.Bootstrap,
		adminKeys:  opts.AdminKeys,
		startedAt:  time.Now(),
	}
	if s.cfg.RuntimePrefix == "" {
		s.cfg.RuntimePrefix = "/q"
	}
	s.runtime = s.buildRuntimeRouter(s.cfg.RuntimePrefix)
	s.admin = s.buildAdminRouter()
	s.handler = middleware.Chain(http.HandlerFunc(s.route),
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.ActiveConnections(opts.Metrics),
		middleware.AccessLog(),
	)
	return s
}

// Handler exposes the full middleware-wrapped routing tree.
func (s *Server) Handler() http.Handler { return s.handler }

// route splits traffic between the reserved prefixes and pass-through.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == s.cfg.RuntimePrefix || strings.HasPrefix(path, s.cfg.RuntimePrefix+"/"):
		s.runtime.ServeHTTP(w, r)
	case path == "/admin" || strings.HasPrefix(path, "/admin/"):
		s.admin.ServeHTTP(w, r)
	case path == "/gateway" || strings.HasPrefix(path, "/gateway/"):
		s.handleGateway(w, r)
	default:
		s.handleDispatch(w, r, func(ctx context.Context) dispatch.GatewayResult {
			return s.dispatcher.DispatchPassThrough(ctx, r)
		})
	}
}

func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	remainder := strings.TrimPrefix(r.URL.Path, "/gateway")
	if remainder == "" {
		remainder = "/"
	}
	s.handleDispatch(w, r, func(ctx context.Context) dispatch.GatewayResult {
		return s.dispatcher.DispatchGateway(ctx, r, remainder)
	})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request, run func(context.Context) dispatch.GatewayResult) {
	if s.sizes != nil {
		if gerr := s.sizes.Check(r); gerr != nil {
			gerr.WithRequestID(middleware.RequestIDFromContext(r.Context())).WriteJSON(w)
			return
		}
	}
	writeResult(w, r, run(r.Context()))
}

// writeResult renders a GatewayResult. Success replays the backend
// response; everything else becomes a problem document.
func writeResult(w http.ResponseWriter, r *http.Request, res dispatch.GatewayResult) {
	if res.Kind == dispatch.ResultSuccess {
		for name, values := range res.Headers {
			for _, v := range values {
				w.Header().Add(name, v)
			}
		}
		w.WriteHeader(res.StatusCode)
		w.Write(res.Body)
		return
	}

	if res.Kind == dispatch.ResultRateLimited && res.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter))
	}
	problemFor(res).
		WithRequestID(middleware.RequestIDFromContext(r.Context())).
		WriteJSON(w)
}

func problemFor(res dispatch.GatewayResult) *gwerrors.GatewayError {
	switch res.HTTPStatus() {
	case http.StatusNotFound:
		return gwerrors.ErrNotFound.WithDetail(res.Reason)
	case http.StatusBadRequest:
		return gwerrors.ErrBadRequest.WithDetail(res.Reason)
	case http.StatusUnauthorized:
		return gwerrors.ErrUnauthorized.WithDetail(res.Reason)
	case http.StatusForbidden:
		return gwerrors.ErrForbidden.WithDetail(res.Reason)
	case http.StatusTooManyRequests:
		return gwerrors.ErrTooManyRequests.WithDetail(res.Reason)
	default:
		return gwerrors.ErrBadGateway.WithDetail(res.Reason)
	}
}

// buildRuntimeRouter serves health, readiness and metrics under the
// runtime prefix.
func (s *Server) buildRuntimeRouter(prefix string) http.Handler {
	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, prefix+"/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"UP"}`))
	})
	router.HandlerFunc(http.MethodGet, prefix+"/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"READY"}`))
	})
	if s.metrics != nil {
		router.Handler(http.MethodGet, prefix+"/metrics", s.metrics.Handler())
	}
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gwerrors.ErrNotFound.WriteJSON(w)
	})
	return router
}

// Run starts the listener and blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Listen
	if addr == "" {
		addr = ":8080"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("gateway listening", zap.String("addr", addr))
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// adminClaims authenticates an admin request. The bootstrap key grants
// every permission; provisioned API keys carry the permissions recorded
// in their encrypted record.
func (s *Server) adminClaims(r *http.Request) (*registry.Claims, *gwerrors.GatewayError) {
	key := r.Header.Get("X-Admin-Key")

	if s.bootstrapActive() &&
		subtle.ConstantTimeCompare([]byte(key), []byte(s.bootstrap.Key)) == 1 {
		return &registry.Claims{Subject: "bootstrap", Permissions: []string{"*"}}, nil
	}

	if s.adminKeys != nil && key != "" {
		if rec, ok := s.adminKeys.Lookup(key); ok {
			return &registry.Claims{Subject: rec.Subject, Permissions: rec.RoleList()}, nil
		}
	}

	return nil, gwerrors.ErrUnauthorized.WithDetail("Invalid admin credentials")
}

// bootstrapActive reports whether the bootstrap key is still accepted.
// The key expires bootstrap.TTL (at most 24h) after startup unless
// recovery mode keeps it alive.
func (s *Server) bootstrapActive() bool {
	if !s.bootstrap.Enabled || s.bootstrap.Key == "" {
		return false
	}
	if s.bootstrap.RecoveryMode {
		return true
	}
	ttl := s.bootstrap.TTL
	if ttl <= 0 || ttl > 24*time.Hour {
		ttl = 24 * time.Hour
	}
	return time.Since(s.startedAt) < ttl
}
