package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrorTolerance controls how the workflow engine reacts to failed nodes.
type ErrorTolerance string

const (
	// ToleranceLow aborts the workflow on the first failed critical node.
	ToleranceLow ErrorTolerance = "low"
	// ToleranceMedium substitutes fallbacks for failed agent nodes and
	// completes the workflow; non-agent node failures still abort.
	ToleranceMedium ErrorTolerance = "medium"
	// ToleranceHigh degrades on any node failure; the workflow only fails
	// when every agent node failed.
	ToleranceHigh ErrorTolerance = "high"
)

// RateLimitAlgorithm selects the bucket algorithm for a service.
type RateLimitAlgorithm string

const (
	AlgorithmSlidingWindow RateLimitAlgorithm = "sliding_window"
	AlgorithmTokenBucket   RateLimitAlgorithm = "token_bucket"
	AlgorithmFixedWindow   RateLimitAlgorithm = "fixed_window"
	AlgorithmAdaptive      RateLimitAlgorithm = "adaptive"
)

// Config is the root configuration for the orchestration substrate.
type Config struct {
	Name    string
	HTTP    HTTPConfig
	Redis   RedisConfig
	Mongo   MongoConfig
	Engine  EngineConfig
	Gateway GatewayConfig
	Events  EventsConfig
	Health  HealthConfig

	// Services holds per-service resilience and rate-limit settings keyed
	// by service name (e.g. "aws_pricing", "compliance_engine").
	Services map[string]ServiceConfig

	// Failover declares redundant endpoint groups keyed by service name.
	// Services with a group are routed through the failover orchestrator.
	Failover map[string]FailoverGroupConfig
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Address         string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// RedisConfig configures the distributed cache / pub-sub bus.
type RedisConfig struct {
	URL       string
	Namespace string
}

// MongoConfig configures the persistent document store.
type MongoConfig struct {
	URI      string
	Database string
}

// EngineConfig configures the workflow engine.
type EngineConfig struct {
	ParallelExecution   bool
	MaxParallelNodes    int
	ErrorTolerance      ErrorTolerance
	RetryFailedNodes    bool
	DefaultNodeTimeout  time.Duration
	GraceTimeout        time.Duration
	CheckpointTTL       time.Duration
	CleanupMaxAgeHours  int
	CleanupInterval     time.Duration
}

// GatewayConfig configures the progress gateway.
type GatewayConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SendBufferSize    int
}

// EventsConfig configures the event manager.
type EventsConfig struct {
	HistoryLimit         int
	ReconnectMaxAttempts int
	ReconnectBaseDelay   time.Duration
}

// HealthConfig configures health checking, recovery and failover.
type HealthConfig struct {
	CheckInterval        time.Duration
	CheckTimeout         time.Duration
	FailureThreshold     int
	AutoRecovery         bool
	RecoveryCooldown     time.Duration
	FailoverCooldown     time.Duration
	FailbackHealthChecks int
	ResponseTimeLimit    time.Duration
	ErrorRateLimit       float64
	HistoryLimit         int
}

// FailoverGroupConfig declares the redundant endpoints serving one service.
type FailoverGroupConfig struct {
	Strategy  string
	Endpoints []FailoverEndpointConfig
}

// FailoverEndpointConfig is one addressable backend in a failover group.
// Priority orders preference for active-passive groups, lower first.
type FailoverEndpointConfig struct {
	Name     string
	URL      string
	Weight   int
	Priority int
}

// ServiceConfig holds the per-service resilience and rate-limit settings
// recognised by the external configuration surface.
type ServiceConfig struct {
	// Circuit breaker
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
	Timeout          time.Duration

	// Retry
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool

	// Rate limiting
	Algorithm         RateLimitAlgorithm
	RequestsPerMinute int
	BurstCapacity     int
	RefillRate        float64
	AdaptiveThreshold float64
	BackoffFactor     float64
	RecoveryFactor    float64
	WindowSize        time.Duration

	// Failover
	CooldownSeconds int

	// Fallback
	FallbackDataTTL time.Duration
}

// Option is a functional option for configuring the substrate.
type Option func(*Config) error

// DefaultConfig returns a production-ready default configuration.
// These defaults can be overridden by environment variables, a config
// file, or functional options (in increasing priority).
func DefaultConfig() *Config {
	return &Config{
		Name: "infra-assessment",
		HTTP: HTTPConfig{
			Address:         "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Redis: RedisConfig{
			URL:       "redis://localhost:6379",
			Namespace: "inframind",
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "infra_assessments",
		},
		Engine: EngineConfig{
			ParallelExecution:  true,
			MaxParallelNodes:   5,
			ErrorTolerance:     ToleranceMedium,
			RetryFailedNodes:   true,
			DefaultNodeTimeout: 2 * time.Minute,
			GraceTimeout:       10 * time.Second,
			CheckpointTTL:      time.Hour,
			CleanupMaxAgeHours: 72,
			CleanupInterval:    time.Hour,
		},
		Gateway: GatewayConfig{
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  60 * time.Second,
			SendBufferSize:    64,
		},
		Events: EventsConfig{
			HistoryLimit:         1000,
			ReconnectMaxAttempts: 5,
			ReconnectBaseDelay:   time.Second,
		},
		Health: HealthConfig{
			CheckInterval:        30 * time.Second,
			CheckTimeout:         10 * time.Second,
			FailureThreshold:     3,
			AutoRecovery:         true,
			RecoveryCooldown:     5 * time.Minute,
			FailoverCooldown:     300 * time.Second,
			FailbackHealthChecks: 3,
			ResponseTimeLimit:    5 * time.Second,
			ErrorRateLimit:       0.5,
			HistoryLimit:         100,
		},
		Services: map[string]ServiceConfig{},
		Failover: map[string]FailoverGroupConfig{},
	}
}

// DefaultServiceConfig returns the settings applied to services with no
// explicit configuration block.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		FailureThreshold:  5,
		RecoveryTimeout:   30 * time.Second,
		SuccessThreshold:  2,
		Timeout:           30 * time.Second,
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		ExponentialBase:   2.0,
		Jitter:            true,
		Algorithm:         AlgorithmSlidingWindow,
		RequestsPerMinute: 100,
		BurstCapacity:     20,
		RefillRate:        2.0,
		AdaptiveThreshold: 0.8,
		BackoffFactor:     0.5,
		RecoveryFactor:    1.2,
		WindowSize:        time.Minute,
		CooldownSeconds:   300,
		FallbackDataTTL:   10 * time.Minute,
	}
}

// ServiceFor returns the configuration for the named service, falling back
// to defaults when no block exists.
func (c *Config) ServiceFor(name string) ServiceConfig {
	if sc, ok := c.Services[name]; ok {
		return sc.WithDefaults()
	}
	return DefaultServiceConfig()
}

// WithDefaults fills unset fields from DefaultServiceConfig.
func (sc ServiceConfig) WithDefaults() ServiceConfig {
	def := DefaultServiceConfig()
	if sc.FailureThreshold <= 0 {
		sc.FailureThreshold = def.FailureThreshold
	}
	if sc.RecoveryTimeout <= 0 {
		sc.RecoveryTimeout = def.RecoveryTimeout
	}
	if sc.SuccessThreshold <= 0 {
		sc.SuccessThreshold = def.SuccessThreshold
	}
	if sc.Timeout <= 0 {
		sc.Timeout = def.Timeout
	}
	if sc.MaxRetries <= 0 {
		sc.MaxRetries = def.MaxRetries
	}
	if sc.BaseDelay <= 0 {
		sc.BaseDelay = def.BaseDelay
	}
	if sc.MaxDelay <= 0 {
		sc.MaxDelay = def.MaxDelay
	}
	if sc.ExponentialBase <= 1 {
		sc.ExponentialBase = def.ExponentialBase
	}
	if sc.Algorithm == "" {
		sc.Algorithm = def.Algorithm
	}
	if sc.RequestsPerMinute <= 0 {
		sc.RequestsPerMinute = def.RequestsPerMinute
	}
	if sc.BurstCapacity <= 0 {
		sc.BurstCapacity = def.BurstCapacity
	}
	if sc.RefillRate <= 0 {
		sc.RefillRate = def.RefillRate
	}
	if sc.AdaptiveThreshold <= 0 {
		sc.AdaptiveThreshold = def.AdaptiveThreshold
	}
	if sc.BackoffFactor <= 0 {
		sc.BackoffFactor = def.BackoffFactor
	}
	if sc.RecoveryFactor <= 0 {
		sc.RecoveryFactor = def.RecoveryFactor
	}
	if sc.WindowSize <= 0 {
		sc.WindowSize = def.WindowSize
	}
	if sc.CooldownSeconds <= 0 {
		sc.CooldownSeconds = def.CooldownSeconds
	}
	if sc.FallbackDataTTL <= 0 {
		sc.FallbackDataTTL = def.FallbackDataTTL
	}
	return sc
}

// LoadFromEnv overrides configuration from environment variables.
// Environment variables take precedence over defaults but are overridden
// by file settings and functional options.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid HTTP_PORT %q: %w", v, ErrInvalidConfiguration)
		}
		c.HTTP.Port = port
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("REDIS_NAMESPACE"); v != "" {
		c.Redis.Namespace = v
	}
	if v := os.Getenv("MONGODB_URI"); v != "" {
		c.Mongo.URI = v
	}
	if v := os.Getenv("MONGODB_DATABASE"); v != "" {
		c.Mongo.Database = v
	}
	if v := os.Getenv("PARALLEL_EXECUTION"); v != "" {
		c.Engine.ParallelExecution = parseBool(v)
	}
	if v := os.Getenv("ERROR_TOLERANCE"); v != "" {
		c.Engine.ErrorTolerance = ErrorTolerance(strings.ToLower(v))
	}
	if v := os.Getenv("RETRY_FAILED_NODES"); v != "" {
		c.Engine.RetryFailedNodes = parseBool(v)
	}
	if v := os.Getenv("WORKFLOW_CLEANUP_MAX_AGE_HOURS"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WORKFLOW_CLEANUP_MAX_AGE_HOURS %q: %w", v, ErrInvalidConfiguration)
		}
		c.Engine.CleanupMaxAgeHours = hours
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid HEARTBEAT_INTERVAL %q: %w", v, ErrInvalidConfiguration)
		}
		c.Gateway.HeartbeatInterval = d
	}
	if v := os.Getenv("HEARTBEAT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid HEARTBEAT_TIMEOUT %q: %w", v, ErrInvalidConfiguration)
		}
		c.Gateway.HeartbeatTimeout = d
	}
	return nil
}

// fileConfig mirrors Config for YAML decoding. Durations are expressed as
// strings ("30s", "2m") or integer fields with explicit units, matching
// the external configuration surface. Unknown fields are rejected.
type fileConfig struct {
	Name  string `yaml:"name"`
	HTTP  struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
	} `yaml:"http"`
	Redis struct {
		URL       string `yaml:"url"`
		Namespace string `yaml:"namespace"`
	} `yaml:"redis"`
	Mongo struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	} `yaml:"mongo"`
	Engine struct {
		ParallelExecution  *bool  `yaml:"parallel_execution"`
		MaxParallelNodes   int    `yaml:"max_parallel_nodes"`
		ErrorTolerance     string `yaml:"error_tolerance"`
		RetryFailedNodes   *bool  `yaml:"retry_failed_nodes"`
		DefaultNodeTimeout string `yaml:"default_node_timeout"`
		GraceTimeout       string `yaml:"grace_timeout"`
		CleanupMaxAgeHours int    `yaml:"workflow_cleanup_max_age_hours"`
	} `yaml:"engine"`
	Gateway struct {
		HeartbeatInterval string `yaml:"heartbeat_interval"`
		HeartbeatTimeout  string `yaml:"heartbeat_timeout"`
	} `yaml:"gateway"`
	Services map[string]fileServiceConfig  `yaml:"services"`
	Failover map[string]fileFailoverConfig `yaml:"failover"`
}

type fileFailoverConfig struct {
	Strategy  string `yaml:"strategy"`
	Endpoints []struct {
		Name     string `yaml:"name"`
		URL      string `yaml:"url"`
		Weight   int    `yaml:"weight"`
		Priority int    `yaml:"priority"`
	} `yaml:"endpoints"`
}

type fileServiceConfig struct {
	FailureThreshold  int     `yaml:"failure_threshold"`
	RecoveryTimeout   string  `yaml:"recovery_timeout"`
	SuccessThreshold  int     `yaml:"success_threshold"`
	Timeout           string  `yaml:"timeout"`
	MaxRetries        int     `yaml:"max_retries"`
	BaseDelay         string  `yaml:"base_delay"`
	MaxDelay          string  `yaml:"max_delay"`
	ExponentialBase   float64 `yaml:"exponential_base"`
	Jitter            *bool   `yaml:"jitter"`
	Algorithm         string  `yaml:"algorithm"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
	BurstCapacity     int     `yaml:"burst_capacity"`
	RefillRate        float64 `yaml:"refill_rate"`
	AdaptiveThreshold float64 `yaml:"adaptive_threshold"`
	BackoffFactor     float64 `yaml:"backoff_factor"`
	RecoveryFactor    float64 `yaml:"recovery_factor"`
	WindowSize        string  `yaml:"window_size"`
	CooldownSeconds   int     `yaml:"cooldown_seconds"`
	FallbackDataTTL   string  `yaml:"fallback_data_ttl"`
}

// LoadFromFile loads YAML configuration. File settings override environment
// variables but are overridden by functional options. Unknown fields are
// rejected rather than silently ignored.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	return c.applyYAML(data)
}

func (c *Config) applyYAML(data []byte) error {
	var fc fileConfig
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return fmt.Errorf("parsing config: %w: %v", ErrInvalidConfiguration, err)
	}

	if fc.Name != "" {
		c.Name = fc.Name
	}
	if fc.HTTP.Address != "" {
		c.HTTP.Address = fc.HTTP.Address
	}
	if fc.HTTP.Port != 0 {
		c.HTTP.Port = fc.HTTP.Port
	}
	if fc.Redis.URL != "" {
		c.Redis.URL = fc.Redis.URL
	}
	if fc.Redis.Namespace != "" {
		c.Redis.Namespace = fc.Redis.Namespace
	}
	if fc.Mongo.URI != "" {
		c.Mongo.URI = fc.Mongo.URI
	}
	if fc.Mongo.Database != "" {
		c.Mongo.Database = fc.Mongo.Database
	}
	if fc.Engine.ParallelExecution != nil {
		c.Engine.ParallelExecution = *fc.Engine.ParallelExecution
	}
	if fc.Engine.MaxParallelNodes > 0 {
		c.Engine.MaxParallelNodes = fc.Engine.MaxParallelNodes
	}
	if fc.Engine.ErrorTolerance != "" {
		c.Engine.ErrorTolerance = ErrorTolerance(fc.Engine.ErrorTolerance)
	}
	if fc.Engine.RetryFailedNodes != nil {
		c.Engine.RetryFailedNodes = *fc.Engine.RetryFailedNodes
	}
	if err := setDuration(&c.Engine.DefaultNodeTimeout, fc.Engine.DefaultNodeTimeout, "engine.default_node_timeout"); err != nil {
		return err
	}
	if err := setDuration(&c.Engine.GraceTimeout, fc.Engine.GraceTimeout, "engine.grace_timeout"); err != nil {
		return err
	}
	if fc.Engine.CleanupMaxAgeHours > 0 {
		c.Engine.CleanupMaxAgeHours = fc.Engine.CleanupMaxAgeHours
	}
	if err := setDuration(&c.Gateway.HeartbeatInterval, fc.Gateway.HeartbeatInterval, "gateway.heartbeat_interval"); err != nil {
		return err
	}
	if err := setDuration(&c.Gateway.HeartbeatTimeout, fc.Gateway.HeartbeatTimeout, "gateway.heartbeat_timeout"); err != nil {
		return err
	}

	for name, fsc := range fc.Services {
		sc := c.ServiceFor(name)
		if fsc.FailureThreshold > 0 {
			sc.FailureThreshold = fsc.FailureThreshold
		}
		if fsc.SuccessThreshold > 0 {
			sc.SuccessThreshold = fsc.SuccessThreshold
		}
		if fsc.MaxRetries > 0 {
			sc.MaxRetries = fsc.MaxRetries
		}
		if fsc.ExponentialBase > 1 {
			sc.ExponentialBase = fsc.ExponentialBase
		}
		if fsc.Jitter != nil {
			sc.Jitter = *fsc.Jitter
		}
		if fsc.Algorithm != "" {
			sc.Algorithm = RateLimitAlgorithm(fsc.Algorithm)
		}
		if fsc.RequestsPerMinute > 0 {
			sc.RequestsPerMinute = fsc.RequestsPerMinute
		}
		if fsc.BurstCapacity > 0 {
			sc.BurstCapacity = fsc.BurstCapacity
		}
		if fsc.RefillRate > 0 {
			sc.RefillRate = fsc.RefillRate
		}
		if fsc.AdaptiveThreshold > 0 {
			sc.AdaptiveThreshold = fsc.AdaptiveThreshold
		}
		if fsc.BackoffFactor > 0 {
			sc.BackoffFactor = fsc.BackoffFactor
		}
		if fsc.RecoveryFactor > 0 {
			sc.RecoveryFactor = fsc.RecoveryFactor
		}
		if fsc.CooldownSeconds > 0 {
			sc.CooldownSeconds = fsc.CooldownSeconds
		}
		for _, f := range []struct {
			dst  *time.Duration
			src  string
			name string
		}{
			{&sc.RecoveryTimeout, fsc.RecoveryTimeout, "recovery_timeout"},
			{&sc.Timeout, fsc.Timeout, "timeout"},
			{&sc.BaseDelay, fsc.BaseDelay, "base_delay"},
			{&sc.MaxDelay, fsc.MaxDelay, "max_delay"},
			{&sc.WindowSize, fsc.WindowSize, "window_size"},
			{&sc.FallbackDataTTL, fsc.FallbackDataTTL, "fallback_data_ttl"},
		} {
			if err := setDuration(f.dst, f.src, "services."+name+"."+f.name); err != nil {
				return err
			}
		}
		if c.Services == nil {
			c.Services = map[string]ServiceConfig{}
		}
		c.Services[name] = sc
	}

	for name, ffc := range fc.Failover {
		group := FailoverGroupConfig{Strategy: ffc.Strategy}
		for _, ep := range ffc.Endpoints {
			group.Endpoints = append(group.Endpoints, FailoverEndpointConfig{
				Name:     ep.Name,
				URL:      ep.URL,
				Weight:   ep.Weight,
				Priority: ep.Priority,
			})
		}
		if c.Failover == nil {
			c.Failover = map[string]FailoverGroupConfig{}
		}
		c.Failover[name] = group
	}

	return nil
}

func setDuration(dst *time.Duration, src, field string) error {
	if src == "" {
		return nil
	}
	d, err := time.ParseDuration(src)
	if err != nil {
		return fmt.Errorf("invalid duration %q for %s: %w", src, field, ErrInvalidConfiguration)
	}
	*dst = d
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port %d out of range: %w", c.HTTP.Port, ErrInvalidConfiguration)
	}
	switch c.Engine.ErrorTolerance {
	case ToleranceLow, ToleranceMedium, ToleranceHigh:
	default:
		return fmt.Errorf("unknown error_tolerance %q: %w", c.Engine.ErrorTolerance, ErrInvalidConfiguration)
	}
	if c.Engine.MaxParallelNodes < 1 {
		return fmt.Errorf("max_parallel_nodes must be >= 1: %w", ErrInvalidConfiguration)
	}
	if c.Gateway.HeartbeatTimeout <= c.Gateway.HeartbeatInterval {
		return fmt.Errorf("heartbeat_timeout must exceed heartbeat_interval: %w", ErrInvalidConfiguration)
	}
	for name, sc := range c.Services {
		switch sc.WithDefaults().Algorithm {
		case AlgorithmSlidingWindow, AlgorithmTokenBucket, AlgorithmFixedWindow, AlgorithmAdaptive:
		default:
			return fmt.Errorf("service %s: unknown algorithm %q: %w", name, sc.Algorithm, ErrInvalidConfiguration)
		}
	}
	for name, group := range c.Failover {
		switch group.Strategy {
		case "active_passive", "round_robin", "weighted":
		default:
			return fmt.Errorf("failover group %s: unknown strategy %q: %w", name, group.Strategy, ErrInvalidConfiguration)
		}
		if len(group.Endpoints) == 0 {
			return fmt.Errorf("failover group %s: at least one endpoint is required: %w", name, ErrInvalidConfiguration)
		}
		for _, ep := range group.Endpoints {
			if ep.Name == "" || ep.URL == "" {
				return fmt.Errorf("failover group %s: endpoint name and url are required: %w", name, ErrInvalidConfiguration)
			}
			if ep.Weight < 0 {
				return fmt.Errorf("failover group %s: endpoint %s weight must be >= 0: %w", name, ep.Name, ErrInvalidConfiguration)
			}
		}
	}
	return nil
}

// Functional options

// WithName sets the service name.
func WithName(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("name cannot be empty: %w", ErrInvalidConfiguration)
		}
		c.Name = name
		return nil
	}
}

// WithPort sets the HTTP port.
func WithPort(port int) Option {
	return func(c *Config) error {
		if port < 1 || port > 65535 {
			return fmt.Errorf("port %d out of range: %w", port, ErrInvalidConfiguration)
		}
		c.HTTP.Port = port
		return nil
	}
}

// WithRedisURL sets the Redis connection URL.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Redis.URL = url
		return nil
	}
}

// WithMongoURI sets the MongoDB connection URI.
func WithMongoURI(uri string) Option {
	return func(c *Config) error {
		c.Mongo.URI = uri
		return nil
	}
}

// WithErrorTolerance sets the engine error tolerance.
func WithErrorTolerance(t ErrorTolerance) Option {
	return func(c *Config) error {
		c.Engine.ErrorTolerance = t
		return nil
	}
}

// WithService sets the configuration block for a named service.
func WithService(name string, sc ServiceConfig) Option {
	return func(c *Config) error {
		if c.Services == nil {
			c.Services = map[string]ServiceConfig{}
		}
		c.Services[name] = sc
		return nil
	}
}

// NewConfig builds a Config by layering defaults, environment, optional
// file, and functional options.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}
