package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Node struct {
		Host        string `yaml:"host"`
		AnnouncedIP string `yaml:"announced_ip"`
		APIPort     int    `yaml:"api_port"`
		SignalPort  int    `yaml:"signal_port"`
	} `yaml:"node"`

	Engine struct {
		Binary         string `yaml:"binary"`
		SourceWorkers  int    `yaml:"source_workers"`
		RelayWorkers   int    `yaml:"relay_workers"`
		WorkerCapacity int    `yaml:"worker_capacity"`
		RTCPortRange   struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"rtc_port_range"`
	} `yaml:"engine"`

	Signal struct {
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		// BaseRequestTimeout is the unit of the adaptive RPC timeout; the
		// effective timeout grows with the number of in-flight calls.
		BaseRequestTimeout time.Duration `yaml:"base_request_timeout"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
	} `yaml:"webrtc"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Lock struct {
		// TTL is the relay mutex expiry. It is the safety margin against a
		// crashed holder and must comfortably exceed relay-handshake latency.
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"lock"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		JaegerURL  string  `yaml:"jaeger_url"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		MessagesPerSecond float64 `yaml:"messages_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Node.Host == "" {
		return fmt.Errorf("node.host must not be empty")
	}
	if c.Node.APIPort <= 0 {
		return fmt.Errorf("node.api_port must be > 0")
	}
	if c.Node.SignalPort <= 0 {
		return fmt.Errorf("node.signal_port must be > 0")
	}

	if c.Engine.SourceWorkers < 0 || c.Engine.RelayWorkers < 0 {
		return fmt.Errorf("engine worker counts must be >= 0")
	}
	if c.Engine.SourceWorkers+c.Engine.RelayWorkers == 0 {
		return fmt.Errorf("at least one engine worker must be configured")
	}
	if c.Engine.WorkerCapacity <= 0 {
		return fmt.Errorf("engine.worker_capacity must be > 0")
	}
	if c.Engine.RTCPortRange.Min > 0 || c.Engine.RTCPortRange.Max > 0 {
		if c.Engine.RTCPortRange.Min >= c.Engine.RTCPortRange.Max {
			return fmt.Errorf("engine.rtc_port_range.min must be < max")
		}
	}

	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= 0 {
		return fmt.Errorf("signal.pong_timeout must be > 0")
	}
	if c.Signal.BaseRequestTimeout <= 0 {
		return fmt.Errorf("signal.base_request_timeout must be > 0")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Lock.TTL <= 0 {
		return fmt.Errorf("lock.ttl must be > 0")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Node.Host = "127.0.0.1"
	cfg.Node.APIPort = 4443
	cfg.Node.SignalPort = 4444

	cfg.Engine.Binary = "streamgrid-engine"
	cfg.Engine.SourceWorkers = 1
	cfg.Engine.RelayWorkers = 1
	cfg.Engine.WorkerCapacity = 500
	cfg.Engine.RTCPortRange.Min = 40000
	cfg.Engine.RTCPortRange.Max = 49999

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second
	cfg.Signal.BaseRequestTimeout = 2 * time.Second

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Lock.TTL = 30 * time.Second

	cfg.Auth.JWTSecret = "change-me-in-production"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.MessagesPerSecond = 100
	cfg.RateLimiting.Burst = 200

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if host := os.Getenv("STREAMGRID_NODE_HOST"); host != "" {
		c.Node.Host = host
	}
	if port := os.Getenv("STREAMGRID_API_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Node.APIPort = p
		}
	}
	if port := os.Getenv("STREAMGRID_SIGNAL_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Node.SignalPort = p
		}
	}
	if addr := os.Getenv("STREAMGRID_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	if level := os.Getenv("STREAMGRID_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("STREAMGRID_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
}
