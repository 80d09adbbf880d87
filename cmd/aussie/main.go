package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mwistrand/aussie-sub005/internal/access"
	"github.com/mwistrand/aussie-sub005/internal/config"
	"github.com/mwistrand/aussie-sub005/internal/dispatch"
	"github.com/mwistrand/aussie-sub005/internal/gateway"
	"github.com/mwistrand/aussie-sub005/internal/jwks"
	"github.com/mwistrand/aussie-sub005/internal/keystore"
	"github.com/mwistrand/aussie-sub005/internal/logging"
	"github.com/mwistrand/aussie-sub005/internal/metrics"
	"github.com/mwistrand/aussie-sub005/internal/ratelimit"
	"github.com/mwistrand/aussie-sub005/internal/registry"
	"github.com/mwistrand/aussie-sub005/internal/routeauth"
	"github.com/mwistrand/aussie-sub005/internal/sampling"
	"github.com/mwistrand/aussie-sub005/internal/security"
	"github.com/mwistrand/aussie-sub005/internal/telemetry"
	"github.com/mwistrand/aussie-sub005/internal/validate"
	"github.com/mwistrand/aussie-sub005/internal/websocket"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/aussie.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Aussie Gateway %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := watcher.Config()

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.NewWithOptions(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting Aussie Gateway",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("registry", cfg.Registry.Backend),
		zap.Int("static_services", len(cfg.Services)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, watcher); err != nil {
		logging.Error("Gateway exited with error", zap.Error(err))
		os.Exit(1)
	}
}

// featureGates applies the telemetry master switch to the dependent
// subsystem toggles: with telemetry.enabled off, metrics, tracing, the
// security monitor and traffic attribution all stay dark regardless of
// their own sections.
type featureGates struct {
	metrics     bool
	tracing     bool
	security    bool
	attribution bool
}

func gatesFor(cfg *config.Config) featureGates {
	on := cfg.Telemetry.Enabled
	return featureGates{
		metrics:     on,
		tracing:     on && cfg.Tracing.Enabled,
		security:    on && cfg.Security.Enabled,
		attribution: on && cfg.Attribution.Enabled,
	}
}

func run(ctx context.Context, cfg *config.Config, watcher *config.Watcher) error {
	gates := gatesFor(cfg)
	m := metrics.New(gates.metrics)

	repo, err := buildRepository(cfg.Registry)
	if err != nil {
		return fmt.Errorf("registry backend: %w", err)
	}
	reg := registry.New(registry.Options{
		Repository:   repo,
		Policy:       registry.Policy{AllowPublicDefault: cfg.Registry.AllowPublic},
		CacheTTL:     cfg.Registry.CacheTTL,
		CacheEntries: cfg.Registry.CacheEntries,
	})

	if etcdRepo, ok := repo.(*registry.EtcdRepository); ok {
		// Writes from other gateway instances invalidate the local
		// route index.
		go etcdRepo.Watch(ctx, reg.MarkStale)
	}

	gateway.SyncStaticServices(ctx, reg, cfg.Services)
	gateway.BindReload(watcher, reg)
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Stop()

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Redis.Enabled {
		redisLimiter := ratelimit.NewRedisLimiter(cfg.RateLimit.Redis)
		defer redisLimiter.Close()
		limiter = redisLimiter
	} else {
		localLimiter := ratelimit.NewLocalLimiter()
		defer localLimiter.Close()
		limiter = localLimiter
	}
	limits := ratelimit.NewResolver(cfg.RateLimit, reg)
	limits.SetMetrics(m)

	jwksCache := jwks.NewCache(nil, cfg.Auth.JWKSTTL)
	var tokenValidator routeauth.TokenValidator
	if cfg.Auth.JWKSURI != "" {
		tokenValidator = routeauth.NewJWKSValidator(jwksCache, cfg.Auth)
	}
	var sessions routeauth.SessionStore
	if cfg.Session.Enabled {
		sessions = routeauth.NewMemorySessionStore(0, cfg.Session.TTL)
	}
	auth := routeauth.New(cfg.Session, cfg.Auth, sessions, tokenValidator,
		routeauth.NewHS256Issuer(cfg.Auth), m)

	var monitor *security.Monitor
	if gates.security {
		events := security.NewDispatcher(cfg.Security.QueueSize, m, &logEventHandler{})
		events.Start()
		defer events.Stop()
		monitor = security.NewMonitor(cfg.Security, events)
	}

	opts := dispatch.Options{
		Registry: reg,
		Limiter:  limiter,
		Limits:   limits,
		Access:   access.NewEvaluator(cfg.Access),
		Auth:     auth,
		Proxy:    dispatch.NewHTTPProxyClient(cfg.Proxy),
		Metrics:  m,
		Monitor:  monitor,
		WS:       websocket.NewGuard(limiter, limits, m),
	}
	if gates.attribution {
		opts.Attribution = telemetry.NewExtractor(cfg.Attribution)
	}

	if gates.tracing {
		tp, err := buildTracerProvider(ctx, cfg, reg, m)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		defer tp.Shutdown(context.Background())
		otel.SetTracerProvider(tp)
		opts.Tracer = tp.Tracer("aussie/dispatch")
		opts.Annotator = telemetry.NewAnnotator(telemetry.DefaultSpanAttributes())
	}

	codec, err := keystore.NewCodec(cfg.Auth.Encryption)
	if err != nil {
		return fmt.Errorf("keystore: %w", err)
	}

	server := gateway.New(gateway.Options{
		Config:     cfg.Server,
		Bootstrap:  cfg.Bootstrap,
		Dispatcher: dispatch.New(opts),
		Registry:   reg,
		Metrics:    m,
		Sizes:      validate.NewSizeValidator(cfg.Limits),
		AdminKeys:  keystore.NewStore(codec, cfg.Auth.AdminKeys),
	})
	return server.Run(ctx)
}

func buildRepository(cfg config.RegistryConfig) (registry.ServiceRepository, error) {
	if cfg.Backend == "etcd" {
		return registry.NewEtcdRepository(cfg.Etcd)
	}
	return registry.NewMemoryRepository(), nil
}

// buildTracerProvider wires the per-service sampler and the OTLP
// exporter. The sampling resolver is also published to the global slot
// for samplers constructed before this point.
func buildTracerProvider(ctx context.Context, cfg *config.Config, reg *registry.Registry, m *metrics.Collector) (*sdktrace.TracerProvider, error) {
	resolver := sampling.NewResolver(cfg.Sampling, reg, m)
	sampling.SetGlobalResolver(resolver)

	creds := credentials.NewTLS(&tls.Config{})
	if cfg.Tracing.Insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(cfg.Tracing.Endpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, err
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}

	serviceName := cfg.Tracing.ServiceName
	if serviceName == "" {
		serviceName = "aussie-gateway"
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampling.ParentBased(sampling.NewSampler(resolver))),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", version),
		)),
	), nil
}

// logEventHandler is the default security sink: structured log lines an
// operator can alert on.
type logEventHandler struct{}

func (h *logEventHandler) Name() string  { return "log" }
func (h *logEventHandler) Priority() int { return 0 }

func (h *logEventHandler) Handle(ctx context.Context, ev security.Event) {
	logging.Warn("security event",
		zap.String("type", string(ev.Type)),
		zap.String("pattern", ev.Pattern),
		zap.String("client", ev.ClientID),
		zap.String("service_id", ev.ServiceID),
		zap.Float64("confidence", ev.Confidence),
	)
}
