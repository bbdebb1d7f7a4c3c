package config

// DefaultBindAddress is the default bind address. The proxy listens on all
// interfaces; corporate deployments front it with network policy.
const DefaultBindAddress = "0.0.0.0"

// DefaultHTTPPort is the default port for the proxy listener.
const DefaultHTTPPort = 1488

// DefaultMetricsPort is the default port for the admin/metrics server.
const DefaultMetricsPort = 1489

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// DefaultDataDir is the default data directory (before tilde expansion).
const DefaultDataDir = "~/.cachetap"

// DefaultConfigFilename is the name of the config file.
const DefaultConfigFilename = "cachetap.toml"

// DefaultRequestTimeout is the overall per-request deadline in seconds.
const DefaultRequestTimeout = 60

// DefaultTunnelIdleTimeout is the CONNECT tunnel inactivity timeout in seconds.
const DefaultTunnelIdleTimeout = 300

// DefaultShutdownGrace is the graceful-stop window in seconds.
const DefaultShutdownGrace = 10

// DefaultCacheCapacity is the default maximum number of entry-store entries.
const DefaultCacheCapacity = 16384

// DefaultMaxBodySize is the largest response body stored in the cache (10 MB).
const DefaultMaxBodySize int64 = 10_000_000

// DefaultTTLSeconds is the fallback TTL when a response carries no directives.
const DefaultTTLSeconds = 3600

// DefaultMaxTTLSeconds is the ceiling applied to derived TTLs (1 day).
const DefaultMaxTTLSeconds = 86400

// DefaultPoolIdleTimeout is how long idle upstream connections are kept, in seconds.
const DefaultPoolIdleTimeout = 90

// DefaultPoolMaxIdlePerHost is the idle connection cap per origin.
const DefaultPoolMaxIdlePerHost = 10

// DefaultPoolMaxIdle is the idle connection cap across all origins.
const DefaultPoolMaxIdle = 100

// DefaultDialTimeout is the upstream dial timeout in seconds.
const DefaultDialTimeout = 10

// DefaultUpstreamRequestTimeout is the per-fetch deadline in seconds.
const DefaultUpstreamRequestTimeout = 30

// DefaultLeafTTLSeconds is the validity of minted leaf certificates (30 days).
const DefaultLeafTTLSeconds = 30 * 24 * 3600

// DefaultCertCacheCapacity bounds the minted leaf cache.
const DefaultCertCacheCapacity = 1024

// DefaultEventQueueCapacity bounds the publisher queue.
const DefaultEventQueueCapacity = 8192

// DefaultEventBatchSize is the maximum events per bus forward.
const DefaultEventBatchSize = 100

// DefaultEventBatchTimeoutMs is the drain interval for partial batches.
const DefaultEventBatchTimeoutMs = 1000

// DefaultRetentionDays is how long journalled events are kept.
const DefaultRetentionDays = 14

// DefaultRateLimitRate is the per-client request rate when limiting is enabled.
const DefaultRateLimitRate = 100.0

// DefaultRateLimitBurst is the per-client burst when limiting is enabled.
const DefaultRateLimitBurst = 200

// DefaultBreakerFailureThreshold is the consecutive failures before a host circuit opens.
const DefaultBreakerFailureThreshold = 5

// DefaultBreakerResetTimeout is the open-circuit cool-down in seconds.
const DefaultBreakerResetTimeout = 30

// DefaultBreakerHalfOpenMax is the successful probes required to close a circuit.
const DefaultBreakerHalfOpenMax = 1

// ValidLogLevels are the accepted server.log_level values.
var ValidLogLevels = []string{"trace", "debug", "info", "warn", "error"}

// ValidExporters are the accepted tracing.exporter values.
var ValidExporters = []string{"stdout", "otlp-grpc", "otlp-http"}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:       DefaultBindAddress,
			HTTPPort:          DefaultHTTPPort,
			MetricsPort:       DefaultMetricsPort,
			LogLevel:          DefaultLogLevel,
			DataDir:           DefaultDataDir,
			RequestTimeout:    DefaultRequestTimeout,
			TunnelIdleTimeout: DefaultTunnelIdleTimeout,
			ShutdownGraceSecs: DefaultShutdownGrace,
		},
		Cache: CacheConfig{
			Capacity:          DefaultCacheCapacity,
			MaxBodySize:       DefaultMaxBodySize,
			DefaultTTLSeconds: DefaultTTLSeconds,
			MaxTTLSeconds:     DefaultMaxTTLSeconds,
		},
		Upstream: UpstreamConfig{
			PoolIdleTimeout:    DefaultPoolIdleTimeout,
			PoolMaxIdlePerHost: DefaultPoolMaxIdlePerHost,
			PoolMaxIdle:        DefaultPoolMaxIdle,
			DialTimeout:        DefaultDialTimeout,
			RequestTimeout:     DefaultUpstreamRequestTimeout,
		},
		MITM: MITMConfig{
			CACertPath:        "~/.cachetap/ca.crt",
			CAKeyPath:         "~/.cachetap/ca.key",
			LeafTTLSeconds:    DefaultLeafTTLSeconds,
			CertCacheCapacity: DefaultCertCacheCapacity,
		},
		Events: EventsConfig{
			BusEndpoint:    "",
			BusTokenRef:    "keyring://cachetap/bus",
			QueueCapacity:  DefaultEventQueueCapacity,
			BatchSize:      DefaultEventBatchSize,
			BatchTimeoutMs: DefaultEventBatchTimeoutMs,
			JournalEnabled: true,
			RetentionDays:  DefaultRetentionDays,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Rate:    DefaultRateLimitRate,
			Burst:   DefaultRateLimitBurst,
		},
		Breaker: BreakerConfig{
			Enabled:          true,
			FailureThreshold: DefaultBreakerFailureThreshold,
			ResetTimeoutSec:  DefaultBreakerResetTimeout,
			HalfOpenMax:      DefaultBreakerHalfOpenMax,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "stdout",
			Endpoint:    "",
			ServiceName: "cachetap",
			SampleRate:  0.1,
			Insecure:    false,
		},
	}
}
