package config

import "time"

// Config is the root gateway configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	RateLimit   RateLimitConfig   `yaml:"rateLimiting"`
	Sampling    SamplingConfig    `yaml:"sampling"`
	Security    SecurityConfig    `yaml:"security"`
	Attribution AttributionConfig `yaml:"attribution"`
	Session     SessionConfig     `yaml:"session"`
	Auth        AuthConfig        `yaml:"auth"`
	Bootstrap   BootstrapConfig   `yaml:"bootstrap"`
	Registry    RegistryConfig    `yaml:"registry"`
	Proxy       ProxyConfig       `yaml:"proxy"`
	Limits      LimitsConfig      `yaml:"limits"`
	Access      GlobalAccess      `yaml:"access"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Services    []ServiceConfig   `yaml:"services"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	RuntimePrefix   string        `yaml:"runtimePrefix"` // default /q
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// TelemetryConfig is the master switch for metrics, tracing, security
// monitoring and traffic attribution.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// RateLimitConfig holds platform rate limiting defaults and caps.
type RateLimitConfig struct {
	Enabled                      bool                `yaml:"enabled"`
	DefaultRequestsPerWindow     int                 `yaml:"defaultRequestsPerWindow"`
	WindowSeconds                int                 `yaml:"windowSeconds"`
	BurstCapacity                int                 `yaml:"burstCapacity"`
	PlatformMaxRequestsPerWindow int                 `yaml:"platformMaxRequestsPerWindow"`
	WebSocket                    WebSocketRateLimits `yaml:"websocket"`
	Redis                        RedisConfig         `yaml:"redis"`
}

// WebSocketRateLimits holds platform defaults for the two WebSocket limit
// variants.
type WebSocketRateLimits struct {
	Connection WSVariantConfig `yaml:"connection"`
	Message    WSVariantConfig `yaml:"message"`
}

// WSVariantConfig is one WebSocket rate limit variant.
type WSVariantConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerWindow int  `yaml:"requestsPerWindow"`
	WindowSeconds     int  `yaml:"windowSeconds"`
	BurstCapacity     int  `yaml:"burstCapacity"`
}

// RedisConfig holds the optional distributed limiter backend.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SamplingConfig holds trace sampling settings.
type SamplingConfig struct {
	Enabled       bool                `yaml:"enabled"`
	DefaultRate   float64             `yaml:"defaultRate"`
	MinimumRate   float64             `yaml:"minimumRate"`
	MaximumRate   float64             `yaml:"maximumRate"`
	LookupTimeout time.Duration       `yaml:"lookupTimeout"`
	Cache         SamplingCacheConfig `yaml:"cache"`
}

// SamplingCacheConfig bounds the sampling resolver cache.
type SamplingCacheConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	MaxEntries   int           `yaml:"maxEntries"`
	JitterFactor float64       `yaml:"jitterFactor"`
}

// SecurityConfig holds anomaly monitor settings.
type SecurityConfig struct {
	Enabled            bool               `yaml:"enabled"`
	RateLimitWindow    time.Duration      `yaml:"rateLimitWindow"`
	RateLimitThreshold int                `yaml:"rateLimitThreshold"`
	DosDetection       DosDetectionConfig `yaml:"dosDetection"`
	QueueSize          int                `yaml:"queueSize"`
}

// DosDetectionConfig tunes flood and error-rate detection.
type DosDetectionConfig struct {
	Enabled            bool    `yaml:"enabled"`
	SpikeThreshold     float64 `yaml:"spikeThreshold"`
	ErrorRateThreshold float64 `yaml:"errorRateThreshold"`
}

// AttributionConfig names the headers used for traffic attribution.
type AttributionConfig struct {
	Enabled         bool   `yaml:"enabled"`
	TeamHeader      string `yaml:"teamHeader"`
	TenantHeader    string `yaml:"tenantHeader"`
	ClientAppHeader string `yaml:"clientAppHeader"`
	EnvironmentVar  string `yaml:"environmentVar"` // process env var naming the environment
}

// SessionConfig holds session cookie authentication settings.
type SessionConfig struct {
	Enabled           bool          `yaml:"enabled"`
	TTL               time.Duration `yaml:"ttl"`
	IdleTimeout       time.Duration `yaml:"idleTimeout"`
	SlidingExpiration bool          `yaml:"slidingExpiration"`
	Cookie            CookieConfig  `yaml:"cookie"`
}

// CookieConfig describes the session cookie.
type CookieConfig struct {
	Name     string `yaml:"name"`
	Path     string `yaml:"path"`
	Secure   bool   `yaml:"secure"`
	HTTPOnly bool   `yaml:"httpOnly"`
	SameSite string `yaml:"sameSite"`
}

// AuthConfig holds token and key-encryption settings.
type AuthConfig struct {
	Encryption      EncryptionConfig `yaml:"encryption"`
	JWKSURI         string           `yaml:"jwksURI"`
	JWKSTTL         time.Duration    `yaml:"jwksTTL"`
	Issuer          string           `yaml:"issuer"`   // expected iss on inbound bearer tokens
	Audience        string           `yaml:"audience"` // expected aud; empty skips the check
	SessionTokenTTL time.Duration    `yaml:"sessionTokenTTL"`
	SigningKey      string           `yaml:"signingKey"` // HS256 key for minted session tokens
	AdminKeys       []string         `yaml:"adminKeys"`  // encrypted API-key record blobs
}

// EncryptionConfig holds the AES-256-GCM key for API-key records.
type EncryptionConfig struct {
	Key   string `yaml:"key"` // Base64, exactly 32 bytes decoded
	KeyID string `yaml:"keyId"`
}

// BootstrapConfig holds the initial admin credential.
type BootstrapConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Key          string        `yaml:"key"`
	TTL          time.Duration `yaml:"ttl"` // capped at 24h
	RecoveryMode bool          `yaml:"recoveryMode"`
}

// RegistryConfig selects the service repository backend.
type RegistryConfig struct {
	Backend      string        `yaml:"backend"` // memory | etcd
	Etcd         EtcdConfig    `yaml:"etcd"`
	CacheTTL     time.Duration `yaml:"cacheTTL"`
	CacheEntries int           `yaml:"cacheEntries"`
	AllowPublic  bool          `yaml:"allowPublic"` // gateway policy for PUBLIC default visibility
}

// EtcdConfig holds etcd client settings.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
	Prefix      string        `yaml:"prefix"`
}

// ProxyConfig tunes the outbound dispatch path.
type ProxyConfig struct {
	Timeout        time.Duration        `yaml:"timeout"`
	MaxIdleConns   int                  `yaml:"maxIdleConns"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
	RatePerSecond  float64              `yaml:"ratePerSecond"` // 0 = unpaced
	RateBurst      int                  `yaml:"rateBurst"`
}

// CircuitBreakerConfig tunes the gobreaker wrapper around the proxy client.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"maxFailures"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
}

// LimitsConfig caps inbound request sizes.
type LimitsConfig struct {
	MaxBodySize         int64 `yaml:"maxBodySize"`
	MaxHeaderSize       int   `yaml:"maxHeaderSize"`
	MaxTotalHeadersSize int   `yaml:"maxTotalHeadersSize"`
}

// GlobalAccess is the fallback allow-list applied to PRIVATE endpoints of
// services that declare no restrictions of their own.
type GlobalAccess struct {
	AllowedIPs        []string `yaml:"allowedIps"`
	AllowedDomains    []string `yaml:"allowedDomains"`
	AllowedSubdomains []string `yaml:"allowedSubdomains"`
}

// TracingConfig wires the OTLP exporter.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"serviceName"`
}

// ServiceConfig is a statically configured service registration.
type ServiceConfig struct {
	ServiceID           string             `yaml:"serviceId"`
	DisplayName         string             `yaml:"displayName"`
	BaseURL             string             `yaml:"baseUrl"`
	DefaultVisibility   string             `yaml:"defaultVisibility"`
	DefaultAuthRequired bool               `yaml:"defaultAuthRequired"`
	Endpoints           []EndpointYAML     `yaml:"endpoints"`
	Access              *ServiceAccessYAML `yaml:"access"`
	RateLimit           *ServiceLimitYAML  `yaml:"rateLimit"`
	SamplingRate        *float64           `yaml:"samplingRate"`
}

// EndpointYAML is one endpoint of a statically configured service.
type EndpointYAML struct {
	Path         string            `yaml:"path"`
	Methods      []string          `yaml:"methods"`
	Visibility   string            `yaml:"visibility"`
	Type         string            `yaml:"type"`
	AuthRequired *bool             `yaml:"authRequired"`
	PathRewrite  string            `yaml:"pathRewrite"`
	RateLimit    *ServiceLimitYAML `yaml:"rateLimit"`
	SamplingRate *float64          `yaml:"samplingRate"`
}

// ServiceAccessYAML restricts who may call a service's PRIVATE endpoints.
type ServiceAccessYAML struct {
	AllowedIPs        []string `yaml:"allowedIps"`
	AllowedDomains    []string `yaml:"allowedDomains"`
	AllowedSubdomains []string `yaml:"allowedSubdomains"`
}

// ServiceLimitYAML is a service- or endpoint-level rate limit override.
type ServiceLimitYAML struct {
	RequestsPerWindow int `yaml:"requestsPerWindow"`
	WindowSeconds     int `yaml:"windowSeconds"`
	BurstCapacity     int `yaml:"burstCapacity"`
}

// DefaultConfig returns the platform defaults applied before YAML overlay.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RuntimePrefix:   "/q",
		},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{Enabled: true},
		RateLimit: RateLimitConfig{
			Enabled:                      true,
			DefaultRequestsPerWindow:     100,
			WindowSeconds:                60,
			BurstCapacity:                20,
			PlatformMaxRequestsPerWindow: 10000,
			WebSocket: WebSocketRateLimits{
				Connection: WSVariantConfig{Enabled: true, RequestsPerWindow: 10, WindowSeconds: 60, BurstCapacity: 5},
				Message:    WSVariantConfig{Enabled: true, RequestsPerWindow: 300, WindowSeconds: 60, BurstCapacity: 50},
			},
		},
		Sampling: SamplingConfig{
			Enabled:       true,
			DefaultRate:   0.1,
			MinimumRate:   0.0,
			MaximumRate:   1.0,
			LookupTimeout: 5 * time.Second,
			Cache: SamplingCacheConfig{
				TTL:          5 * time.Minute,
				MaxEntries:   1024,
				JitterFactor: 0.1,
			},
		},
		Security: SecurityConfig{
			Enabled:            true,
			RateLimitWindow:    time.Minute,
			RateLimitThreshold: 1000,
			QueueSize:          1024,
			DosDetection: DosDetectionConfig{
				Enabled:            true,
				SpikeThreshold:     5.0,
				ErrorRateThreshold: 0.5,
			},
		},
		Attribution: AttributionConfig{
			Enabled:         true,
			TeamHeader:      "X-Team-ID",
			TenantHeader:    "X-Tenant-ID",
			ClientAppHeader: "X-Client-Application",
			EnvironmentVar:  "AUSSIE_ENVIRONMENT",
		},
		Session: SessionConfig{
			Enabled:     true,
			TTL:         8 * time.Hour,
			IdleTimeout: 30 * time.Minute,
			Cookie: CookieConfig{
				Name:     "aussie_session",
				Path:     "/",
				HTTPOnly: true,
				SameSite: "lax",
			},
		},
		Auth: AuthConfig{
			JWKSTTL:         time.Hour,
			SessionTokenTTL: 5 * time.Minute,
		},
		Bootstrap: BootstrapConfig{TTL: 24 * time.Hour},
		Registry: RegistryConfig{
			Backend:      "memory",
			CacheTTL:     30 * time.Second,
			CacheEntries: 1024,
			AllowPublic:  true,
			Etcd: EtcdConfig{
				DialTimeout: 5 * time.Second,
				Prefix:      "/aussie/services/",
			},
		},
		Proxy: ProxyConfig{
			Timeout:      30 * time.Second,
			MaxIdleConns: 100,
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures: 5,
				Interval:    time.Minute,
				Timeout:     30 * time.Second,
			},
		},
		Limits: LimitsConfig{
			MaxBodySize:         10 << 20, // 10 MiB
			MaxHeaderSize:       16 << 10, // 16 KiB
			MaxTotalHeadersSize: 64 << 10, // 64 KiB
		},
	}
}
