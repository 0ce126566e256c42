// Package config loads the proxy and voice client configuration.
//
// Values are resolved in order: defaults, optional YAML file, .env file,
// environment variables. Later sources override earlier ones.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	CRM     CRMConfig     `yaml:"crm"`
	Voice   VoiceConfig   `yaml:"voice"`
	Capture CaptureConfig `yaml:"capture"`
	Mongo   MongoConfig   `yaml:"mongo"`
	Archive ArchiveConfig `yaml:"archive"`
	Proxy   ProxyConfig   `yaml:"proxy"`
}

// ServerConfig configures the proxy HTTP server
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig configures token issuing for proxy callers
type AuthConfig struct {
	JWTSecret       string        `yaml:"jwt_secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
	// Clients maps API client IDs to their secrets.
	Clients map[string]string `yaml:"clients"`
}

// CRMConfig configures the upstream Dynamics 365 Web API
type CRMConfig struct {
	OrgURL       string  `yaml:"org_url"`
	APIVersion   string  `yaml:"api_version"`
	TenantID     string  `yaml:"tenant_id"`
	ClientID     string  `yaml:"client_id"`
	ClientSecret string  `yaml:"client_secret"`
	PageSize     int     `yaml:"page_size"`
	RateLimit    float64 `yaml:"rate_limit"`
	RateBurst    int     `yaml:"rate_burst"`
}

// VoiceConfig configures the voice-shopping relay
type VoiceConfig struct {
	// PageURL is the http(s) origin the client is served from; its scheme
	// selects ws or wss and its host is the relay host.
	PageURL              string        `yaml:"page_url"`
	Tenant               string        `yaml:"tenant"`
	APIVersion           string        `yaml:"api_version"`
	Feature              string        `yaml:"feature"`
	Language             string        `yaml:"language"`
	AudioFormat          string        `yaml:"audio_format"`
	ReturnAudio          bool          `yaml:"return_audio"`
	KeepAliveInterval    time.Duration `yaml:"keepalive_interval"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`
	// UpstreamURL is the speech/LLM backend the gateway relays to.
	UpstreamURL string `yaml:"upstream_url"`
}

// CaptureConfig configures voice activity detection
type CaptureConfig struct {
	VoiceThreshold    float64       `yaml:"voice_threshold"`
	ConsecutiveFrames int           `yaml:"consecutive_frames"`
	SilenceThreshold  float64       `yaml:"silence_threshold"`
	SilenceDuration   time.Duration `yaml:"silence_duration"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxRecording      time.Duration `yaml:"max_recording"`
}

// MongoConfig configures the archive database
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// ArchiveConfig configures conversation archive retention
type ArchiveConfig struct {
	Retention time.Duration `yaml:"retention"`
}

// ProxyConfig configures how the CLI reaches the proxy
type ProxyConfig struct {
	URL          string `yaml:"url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// Default returns the configuration used when nothing else is provided
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			AccessTokenTTL:  15 * time.Minute,
			RefreshTokenTTL: 7 * 24 * time.Hour,
			Clients:         map[string]string{},
		},
		CRM: CRMConfig{
			APIVersion: "v9.2",
			PageSize:   50,
			RateLimit:  10,
			RateBurst:  20,
		},
		Voice: VoiceConfig{
			PageURL:              "http://localhost:8080",
			Tenant:               "default",
			APIVersion:           "v1",
			Feature:              "shopping",
			Language:             "es",
			AudioFormat:          "wav",
			ReturnAudio:          true,
			KeepAliveInterval:    30 * time.Second,
			ReconnectBaseDelay:   time.Second,
			ReconnectMaxAttempts: 5,
		},
		Capture: CaptureConfig{
			VoiceThreshold:    0.02,
			ConsecutiveFrames: 3,
			SilenceThreshold:  0.01,
			SilenceDuration:   1500 * time.Millisecond,
			PollInterval:      500 * time.Millisecond,
			MaxRecording:      60 * time.Second,
		},
		Mongo: MongoConfig{
			Database: "crmvoice",
		},
		Archive: ArchiveConfig{
			Retention: 30 * 24 * time.Hour,
		},
		Proxy: ProxyConfig{
			URL: "http://localhost:8080",
		},
	}
}

// Load resolves the configuration. path may be empty; a missing .env file is
// not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns the first invalid setting, if any
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if c.Auth.AccessTokenTTL <= 0 || c.Auth.RefreshTokenTTL <= 0 {
		return errors.New("auth token TTLs must be positive")
	}
	if c.CRM.PageSize < 0 {
		return fmt.Errorf("crm.page_size must not be negative, got %d", c.CRM.PageSize)
	}
	if c.Voice.KeepAliveInterval <= 0 {
		return errors.New("voice.keepalive_interval must be positive")
	}
	if c.Voice.ReconnectBaseDelay < 0 || c.Voice.ReconnectMaxAttempts < 0 {
		return errors.New("voice reconnect settings must not be negative")
	}
	if c.Capture.VoiceThreshold <= 0 || c.Capture.VoiceThreshold > 1 {
		return fmt.Errorf("capture.voice_threshold must be in (0, 1], got %f", c.Capture.VoiceThreshold)
	}
	if c.Capture.SilenceThreshold <= 0 || c.Capture.SilenceThreshold > 1 {
		return fmt.Errorf("capture.silence_threshold must be in (0, 1], got %f", c.Capture.SilenceThreshold)
	}
	if c.Capture.ConsecutiveFrames < 1 {
		return errors.New("capture.consecutive_frames must be at least 1")
	}
	if c.Capture.PollInterval <= 0 || c.Capture.SilenceDuration <= 0 || c.Capture.MaxRecording <= 0 {
		return errors.New("capture durations must be positive")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var errs []error
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	setString("PORT", &cfg.Server.Port)
	setDuration("SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	setString("JWT_SECRET", &cfg.Auth.JWTSecret)
	setDuration("ACCESS_TOKEN_TTL", &cfg.Auth.AccessTokenTTL)
	setDuration("REFRESH_TOKEN_TTL", &cfg.Auth.RefreshTokenTTL)
	if v := os.Getenv("API_CLIENTS"); v != "" {
		clients, err := parseClients(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("API_CLIENTS: %w", err))
		} else {
			cfg.Auth.Clients = clients
		}
	}

	setString("CRM_ORG_URL", &cfg.CRM.OrgURL)
	setString("CRM_API_VERSION", &cfg.CRM.APIVersion)
	setString("CRM_TENANT_ID", &cfg.CRM.TenantID)
	setString("CRM_CLIENT_ID", &cfg.CRM.ClientID)
	setString("CRM_CLIENT_SECRET", &cfg.CRM.ClientSecret)
	setInt("CRM_PAGE_SIZE", &cfg.CRM.PageSize)
	setFloat("CRM_RATE_LIMIT", &cfg.CRM.RateLimit)
	setInt("CRM_RATE_BURST", &cfg.CRM.RateBurst)

	setString("VOICE_PAGE_URL", &cfg.Voice.PageURL)
	setString("VOICE_TENANT", &cfg.Voice.Tenant)
	setString("VOICE_API_VERSION", &cfg.Voice.APIVersion)
	setString("VOICE_FEATURE", &cfg.Voice.Feature)
	setString("VOICE_LANGUAGE", &cfg.Voice.Language)
	setString("VOICE_AUDIO_FORMAT", &cfg.Voice.AudioFormat)
	setBool("VOICE_RETURN_AUDIO", &cfg.Voice.ReturnAudio)
	setDuration("VOICE_KEEPALIVE_INTERVAL", &cfg.Voice.KeepAliveInterval)
	setDuration("VOICE_RECONNECT_BASE_DELAY", &cfg.Voice.ReconnectBaseDelay)
	setInt("VOICE_RECONNECT_MAX_ATTEMPTS", &cfg.Voice.ReconnectMaxAttempts)
	setString("VOICE_UPSTREAM_URL", &cfg.Voice.UpstreamURL)

	setFloat("CAPTURE_VOICE_THRESHOLD", &cfg.Capture.VoiceThreshold)
	setInt("CAPTURE_CONSECUTIVE_FRAMES", &cfg.Capture.ConsecutiveFrames)
	setFloat("CAPTURE_SILENCE_THRESHOLD", &cfg.Capture.SilenceThreshold)
	setDuration("CAPTURE_SILENCE_DURATION", &cfg.Capture.SilenceDuration)
	setDuration("CAPTURE_POLL_INTERVAL", &cfg.Capture.PollInterval)
	setDuration("CAPTURE_MAX_RECORDING", &cfg.Capture.MaxRecording)

	setString("MONGODB_URI", &cfg.Mongo.URI)
	setString("MONGODB_DATABASE", &cfg.Mongo.Database)
	setDuration("ARCHIVE_RETENTION", &cfg.Archive.Retention)

	setString("PROXY_URL", &cfg.Proxy.URL)
	setString("PROXY_CLIENT_ID", &cfg.Proxy.ClientID)
	setString("PROXY_CLIENT_SECRET", &cfg.Proxy.ClientSecret)

	return errors.Join(errs...)
}

// parseClients parses "id:secret,id2:secret2"
func parseClients(v string) (map[string]string, error) {
	clients := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, secret, ok := strings.Cut(pair, ":")
		if !ok || id == "" || secret == "" {
			return nil, fmt.Errorf("invalid client entry %q", pair)
		}
		clients[id] = secret
	}
	return clients, nil
}
