package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Host            string        `yaml:"host"`
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		PingInterval      time.Duration `yaml:"ping_interval"`
		PongTimeout       time.Duration `yaml:"pong_timeout"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		MaxMessageBytes   int64         `yaml:"max_message_bytes"`
	} `yaml:"signal"`

	Media struct {
		Enabled      bool          `yaml:"enabled"`
		PollInterval time.Duration `yaml:"poll_interval"`
		TickInterval time.Duration `yaml:"tick_interval"`
	} `yaml:"media"`

	Filter struct {
		AmplitudeThreshold float64 `yaml:"amplitude_threshold"`
		RMSDeltaThreshold  float64 `yaml:"rms_delta_threshold"`
	} `yaml:"filter"`

	Audio struct {
		Enabled    bool   `yaml:"enabled"`
		SampleRate uint32 `yaml:"sample_rate"`
		ChunkSize  uint32 `yaml:"chunk_size"`
		Loopback   bool   `yaml:"loopback"`
	} `yaml:"audio"`

	Notifications struct {
		Enabled bool `yaml:"enabled"`
		Buffer  int  `yaml:"buffer"`
	} `yaml:"notifications"`

	Link struct {
		Enabled         bool          `yaml:"enabled"`
		Adapter         string        `yaml:"adapter"`
		ScanTimeout     time.Duration `yaml:"scan_timeout"`
		ConnectTimeout  time.Duration `yaml:"connect_timeout"`
		ReconnectDelay  time.Duration `yaml:"reconnect_delay"`
		BreakerFailures int           `yaml:"breaker_failures"`
		BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
	} `yaml:"link"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		JaegerURL  string  `yaml:"jaeger_url"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Discovery struct {
		Enabled  bool   `yaml:"enabled"`
		Instance string `yaml:"instance"`
		Service  string `yaml:"service"`
		Domain   string `yaml:"domain"`
	} `yaml:"discovery"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Instance struct {
		LockFile string `yaml:"lock_file"`
	} `yaml:"instance"`
}

// Address returns host:port for the listening socket.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.HeartbeatInterval <= 0 {
		return fmt.Errorf("signal.heartbeat_interval must be > 0")
	}

	// Media
	if c.Media.PollInterval <= 0 {
		return fmt.Errorf("media.poll_interval must be > 0")
	}
	if c.Media.TickInterval <= 0 {
		return fmt.Errorf("media.tick_interval must be > 0")
	}

	// Filter
	if c.Filter.AmplitudeThreshold < 0 || c.Filter.AmplitudeThreshold > 1 {
		return fmt.Errorf("filter.amplitude_threshold must be in [0,1]")
	}
	if c.Filter.RMSDeltaThreshold < 0 || c.Filter.RMSDeltaThreshold > 1 {
		return fmt.Errorf("filter.rms_delta_threshold must be in [0,1]")
	}

	// Audio
	if c.Audio.Enabled {
		if c.Audio.SampleRate == 0 {
			return fmt.Errorf("audio.sample_rate must be > 0 when audio.enabled=true")
		}
		if c.Audio.ChunkSize == 0 {
			return fmt.Errorf("audio.chunk_size must be > 0 when audio.enabled=true")
		}
	}

	// Link
	if c.Link.Enabled {
		if c.Link.Adapter == "" {
			return fmt.Errorf("link.adapter must not be empty when link.enabled=true")
		}
		if c.Link.ScanTimeout <= 0 {
			return fmt.Errorf("link.scan_timeout must be > 0")
		}
		if c.Link.ReconnectDelay <= 0 {
			return fmt.Errorf("link.reconnect_delay must be > 0")
		}
		if c.Link.BreakerFailures <= 0 {
			return fmt.Errorf("link.breaker_failures must be > 0")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in (0,1]")
		}
	}

	// Discovery
	if c.Discovery.Enabled && c.Discovery.Service == "" {
		return fmt.Errorf("discovery.service must not be empty when discovery.enabled=true")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}

	if c.Instance.LockFile == "" {
		return fmt.Errorf("instance.lock_file must not be empty")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
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

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8765
	cfg.Server.ReadTimeout = 10 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 5 * time.Second
	cfg.Signal.HeartbeatInterval = time.Second
	cfg.Signal.MaxMessageBytes = 64 * 1024

	cfg.Media.Enabled = true
	cfg.Media.PollInterval = 200 * time.Millisecond
	cfg.Media.TickInterval = 100 * time.Millisecond

	cfg.Filter.AmplitudeThreshold = 0.01
	cfg.Filter.RMSDeltaThreshold = 0.05

	cfg.Audio.Enabled = true
	cfg.Audio.SampleRate = 44100
	cfg.Audio.ChunkSize = 1024
	cfg.Audio.Loopback = true

	cfg.Notifications.Enabled = true
	cfg.Notifications.Buffer = 32

	cfg.Link.Enabled = true
	cfg.Link.Adapter = "hci0"
	cfg.Link.ScanTimeout = 5 * time.Second
	cfg.Link.ConnectTimeout = 15 * time.Second
	cfg.Link.ReconnectDelay = 2 * time.Second
	cfg.Link.BreakerFailures = 5
	cfg.Link.BreakerCooldown = 10 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Discovery.Enabled = false
	cfg.Discovery.Instance = "emo-listener"
	cfg.Discovery.Service = "_emo-listener._tcp"
	cfg.Discovery.Domain = "local."

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 4
	cfg.Redis.Channel = "emo:events"

	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 20
	cfg.RateLimiting.WebSocket.Burst = 40

	cfg.Instance.LockFile = filepath.Join(os.TempDir(), "emo_listener_backend.lock")

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if host := os.Getenv("EMO_LISTENER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("EMO_LISTENER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if level := os.Getenv("EMO_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("EMO_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
}
