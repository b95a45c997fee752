package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Signal struct {
		URL                 string        `yaml:"url"`
		TokenSecret         string        `yaml:"token_secret"`
		TokenTTL            time.Duration `yaml:"token_ttl"`
		DialTimeout         time.Duration `yaml:"dial_timeout"`
		WriteTimeout        time.Duration `yaml:"write_timeout"`
		CandidatesPerSecond float64       `yaml:"candidates_per_second"`
		CandidateBurst      int           `yaml:"candidate_burst"`
		Initiator           bool          `yaml:"initiator"`
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
		PreferredCodecs []string `yaml:"preferred_codecs"`
	} `yaml:"webrtc"`

	Audio struct {
		EchoCancellation bool          `yaml:"echo_cancellation"`
		NoiseSuppression bool          `yaml:"noise_suppression"`
		AutoGainControl  bool          `yaml:"auto_gain_control"`
		SampleRate       int           `yaml:"sample_rate"`
		ChannelCount     int           `yaml:"channel_count"`
		Latency          time.Duration `yaml:"latency"`
	} `yaml:"audio"`

	Control struct {
		Label string `yaml:"label"`
	} `yaml:"control"`

	HTTP struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		RateLimitRPS    float64       `yaml:"rate_limit_rps"`
		RateLimitBurst  int           `yaml:"rate_limit_burst"`
	} `yaml:"http"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration suitable for local development
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Signal.URL = "ws://localhost:8081/ws"
	cfg.Signal.TokenTTL = time.Hour
	cfg.Signal.DialTimeout = 10 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.CandidatesPerSecond = 20
	cfg.Signal.CandidateBurst = 40

	cfg.WebRTC.ICEServers = []struct {
		URLs       []string `yaml:"urls"`
		Username   string   `yaml:"username,omitempty"`
		Credential string   `yaml:"credential,omitempty"`
	}{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}
	cfg.WebRTC.PreferredCodecs = []string{"opus"}

	cfg.Audio.EchoCancellation = true
	cfg.Audio.NoiseSuppression = true
	cfg.Audio.AutoGainControl = true
	cfg.Audio.SampleRate = 48000
	cfg.Audio.ChannelCount = 1
	cfg.Audio.Latency = 20 * time.Millisecond

	cfg.Control.Label = "control"

	cfg.HTTP.Address = ":8080"
	cfg.HTTP.ReadTimeout = 10 * time.Second
	cfg.HTTP.WriteTimeout = 10 * time.Second
	cfg.HTTP.ShutdownTimeout = 10 * time.Second
	cfg.HTTP.RateLimitRPS = 10
	cfg.HTTP.RateLimitBurst = 20

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.ServiceName = "voicelink"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"

	return cfg
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.Signal.URL == "" {
		return fmt.Errorf("signal.url must not be empty")
	}
	if c.Signal.DialTimeout <= 0 {
		return fmt.Errorf("signal.dial_timeout must be > 0")
	}
	if c.Signal.CandidatesPerSecond <= 0 {
		return fmt.Errorf("signal.candidates_per_second must be > 0")
	}

	if len(c.WebRTC.ICEServers) == 0 {
		return fmt.Errorf("webrtc.ice_servers must not be empty")
	}
	for i, server := range c.WebRTC.ICEServers {
		if len(server.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}
	if c.WebRTC.PortRange.Min > c.WebRTC.PortRange.Max {
		return fmt.Errorf("webrtc.port_range.min must be <= max")
	}
	if len(c.WebRTC.PreferredCodecs) == 0 {
		return fmt.Errorf("webrtc.preferred_codecs must not be empty")
	}

	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be > 0")
	}
	if c.Audio.ChannelCount <= 0 {
		return fmt.Errorf("audio.channel_count must be > 0")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in (0, 1]")
		}
	}

	return nil
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides. A missing file is an error wrapping fs.ErrNotExist so
// callers probing several locations can tell it from a broken file.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFirst probes candidate paths in order and loads the first file
// that exists. When none does, defaults with env overrides apply.
func LoadFirst(paths ...string) (*Config, error) {
	for _, path := range paths {
		cfg, err := Load(path)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("VOICELINK_SIGNAL_URL"); v != "" {
		c.Signal.URL = v
	}
	if v := os.Getenv("VOICELINK_SIGNAL_TOKEN_SECRET"); v != "" {
		c.Signal.TokenSecret = v
	}
	if v := os.Getenv("VOICELINK_HTTP_ADDRESS"); v != "" {
		c.HTTP.Address = v
	}
	if v := os.Getenv("VOICELINK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("VOICELINK_TRACING_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Tracing.Enabled = enabled
		}
	}
}
