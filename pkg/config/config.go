package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"podlive/pkg/validation"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		SendBufferSize int           `yaml:"send_buffer_size"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		NegotiationTimeout  time.Duration `yaml:"negotiation_timeout"`
		ScreenReofferPeriod time.Duration `yaml:"screen_reoffer_period"`
		KeyframeInterval    time.Duration `yaml:"keyframe_interval"`
	} `yaml:"webrtc"`

	Room struct {
		LeaveGracePeriod      time.Duration `yaml:"leave_grace_period"`
		SpeechWindow          time.Duration `yaml:"speech_window"`
		SpeechThreshold       float64       `yaml:"speech_threshold"`
		RecordingChunkCadence time.Duration `yaml:"recording_chunk_cadence"`
	} `yaml:"room"`

	Recording struct {
		TempDir         string `yaml:"temp_dir"`
		MaxPendingChunk int    `yaml:"max_pending_chunks"`
	} `yaml:"recording"`

	Storage struct {
		Backend string `yaml:"backend"` // "file" or "minio"
		FileDir string `yaml:"file_dir"`
		MinIO   struct {
			Endpoint        string        `yaml:"endpoint"`
			AccessKeyID     string        `yaml:"access_key_id"`
			SecretAccessKey string        `yaml:"secret_access_key"`
			UseSSL          bool          `yaml:"use_ssl"`
			Bucket          string        `yaml:"bucket"`
			Region          string        `yaml:"region"`
			MaxRetries      int           `yaml:"max_retries"`
			RetryBackoff    time.Duration `yaml:"retry_backoff"`
		} `yaml:"minio"`
	} `yaml:"storage"`

	Episodes struct {
		BaseURL    string        `yaml:"base_url"`
		Timeout    time.Duration `yaml:"timeout"`
		MaxRetries int           `yaml:"max_retries"`
		// Static entries are served when base_url is empty.
		Static []struct {
			ID        string `yaml:"id"`
			Name      string `yaml:"name"`
			CreatorID string `yaml:"creator_id"`
		} `yaml:"static"`
	} `yaml:"episodes"`

	Participant ParticipantConfig `yaml:"participant"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// ParticipantConfig drives the headless participant.
type ParticipantConfig struct {
	SignalURL          string `yaml:"signal_url"`
	EpisodeID          string `yaml:"episode_id"`
	UserID             string `yaml:"user_id"`
	Name               string `yaml:"name"`
	AudioFile          string `yaml:"audio_file"`
	ScreenFile         string `yaml:"screen_file"`
	Record             bool   `yaml:"record"`
	AutoApproveSpeaker bool   `yaml:"auto_approve_speaker"`
	RequestToSpeak     bool   `yaml:"request_to_speak"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
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
	if c.Signal.SendBufferSize <= 0 {
		return fmt.Errorf("signal.send_buffer_size must be > 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.NegotiationTimeout <= 0 {
		return fmt.Errorf("webrtc.negotiation_timeout must be > 0")
	}
	if c.WebRTC.ScreenReofferPeriod <= 0 {
		return fmt.Errorf("webrtc.screen_reoffer_period must be > 0")
	}
	if c.WebRTC.KeyframeInterval <= 0 {
		return fmt.Errorf("webrtc.keyframe_interval must be > 0")
	}

	// Room
	if c.Room.LeaveGracePeriod < 0 {
		return fmt.Errorf("room.leave_grace_period must be >= 0")
	}
	if c.Room.SpeechWindow <= 0 {
		return fmt.Errorf("room.speech_window must be > 0")
	}
	if c.Room.SpeechThreshold <= 0 || c.Room.SpeechThreshold >= 1 {
		return fmt.Errorf("room.speech_threshold must be in (0, 1)")
	}
	if c.Room.RecordingChunkCadence <= 0 {
		return fmt.Errorf("room.recording_chunk_cadence must be > 0")
	}

	// Recording
	if c.Recording.MaxPendingChunk <= 0 {
		return fmt.Errorf("recording.max_pending_chunks must be > 0")
	}

	// Storage
	switch c.Storage.Backend {
	case "file":
		if c.Storage.FileDir == "" {
			return fmt.Errorf("storage.file_dir must not be empty when storage.backend=file")
		}
	case "minio":
		if c.Storage.MinIO.Endpoint == "" {
			return fmt.Errorf("storage.minio.endpoint must not be empty when storage.backend=minio")
		}
		if c.Storage.MinIO.Bucket == "" {
			return fmt.Errorf("storage.minio.bucket must not be empty when storage.backend=minio")
		}
	default:
		return fmt.Errorf("storage.backend must be one of file, minio (got %q)", c.Storage.Backend)
	}

	// Episodes
	if c.Episodes.BaseURL != "" && c.Episodes.Timeout <= 0 {
		return fmt.Errorf("episodes.timeout must be > 0 when episodes.base_url is set")
	}
	if c.Episodes.MaxRetries < 0 {
		return fmt.Errorf("episodes.max_retries must be >= 0")
	}
	if c.Episodes.BaseURL != "" {
		if err := validation.ValidateURL(c.Episodes.BaseURL); err != nil {
			return fmt.Errorf("episodes.base_url: %w", err)
		}
	}
	if c.Participant.SignalURL != "" {
		if err := validation.ValidateURL(c.Participant.SignalURL); err != nil {
			return fmt.Errorf("participant.signal_url: %w", err)
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
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

// LoadFirst tries each path in order and returns the first configuration that loads.
func LoadFirst(paths ...string) (*Config, string, error) {
	var lastErr error
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := Load(path)
		if err == nil {
			return cfg, path, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, "", lastErr
	}
	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	return cfg, "", nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8000"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendBufferSize = 128

	cfg.WebRTC.NegotiationTimeout = 15 * time.Second
	cfg.WebRTC.ScreenReofferPeriod = 10 * time.Second
	cfg.WebRTC.KeyframeInterval = 3 * time.Second

	cfg.Room.LeaveGracePeriod = 30 * time.Second
	cfg.Room.SpeechWindow = 300 * time.Millisecond
	cfg.Room.SpeechThreshold = 0.3
	cfg.Room.RecordingChunkCadence = time.Second

	cfg.Recording.TempDir = os.TempDir()
	cfg.Recording.MaxPendingChunk = 32

	cfg.Storage.Backend = "file"
	cfg.Storage.FileDir = "lives"
	cfg.Storage.MinIO.Bucket = "podlive-recordings"
	cfg.Storage.MinIO.MaxRetries = 3
	cfg.Storage.MinIO.RetryBackoff = 500 * time.Millisecond

	cfg.Episodes.Timeout = 10 * time.Second
	cfg.Episodes.MaxRetries = 3

	cfg.Participant.SignalURL = "ws://localhost:8000"
	cfg.Participant.Name = "podlive-bot"

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 200
	cfg.RateLimiting.WebSocket.Burst = 400
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 4 * 1024 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("PODLIVE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("PODLIVE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if url := os.Getenv("PODLIVE_EPISODES_URL"); url != "" {
		c.Episodes.BaseURL = url
	}
	if url := os.Getenv("PODLIVE_SIGNAL_URL"); url != "" {
		c.Participant.SignalURL = url
	}
	if id := os.Getenv("PODLIVE_EPISODE_ID"); id != "" {
		c.Participant.EpisodeID = id
	}
	if id := os.Getenv("PODLIVE_USER_ID"); id != "" {
		c.Participant.UserID = id
	}
	if addr := os.Getenv("PODLIVE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if secret := os.Getenv("PODLIVE_MINIO_SECRET_KEY"); secret != "" {
		c.Storage.MinIO.SecretAccessKey = secret
	}
}
