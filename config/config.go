package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port           string          `yaml:"port"`
	Environment    string          `yaml:"environment"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	JWTSecret      string          `yaml:"jwt_secret"`
	Redis          RedisConfig     `yaml:"redis"`
	Log            LogConfig       `yaml:"log"`
	WebRTC         WebRTCConfig    `yaml:"webrtc"`
	Client         ClientConfig    `yaml:"client"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Addr returns the host:port pair go-redis expects.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type WebRTCConfig struct {
	ICEServers []ICEServer `yaml:"ice_servers"`
}

// ICEServer is a STUN/TURN server handed to the peer-connection factory.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// ClientConfig is read by cmd/live.
type ClientConfig struct {
	SignalURL      string        `yaml:"signal_url"`
	Broker         string        `yaml:"broker"` // "ws" or "redis"
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PlaybackURL    string        `yaml:"playback_url"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// RateLimitConfig bounds how many frames a single broker connection may publish.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Load builds the configuration from defaults, an optional YAML file at path,
// and finally environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:           "8080",
		Environment:    "development",
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		JWTSecret:      "change-me-in-production",
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
		},
		Log: LogConfig{
			Level: "info",
		},
		WebRTC: WebRTCConfig{
			ICEServers: []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		},
		Client: ClientConfig{
			SignalURL:      "ws://localhost:8080/ws/signal",
			Broker:         "ws",
			ReconnectDelay: 5 * time.Second,
			ProbeInterval:  10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			PerSecond: 50,
			Burst:     100,
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = strings.Split(origins, ",")
	}
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)

	cfg.Redis.Host = getEnv("REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = getEnv("REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	if db, err := strconv.Atoi(os.Getenv("REDIS_DB")); err == nil {
		cfg.Redis.DB = db
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	if os.Getenv("LOG_PRETTY") == "true" {
		cfg.Log.Pretty = true
	}

	cfg.Client.SignalURL = getEnv("SIGNAL_URL", cfg.Client.SignalURL)
	cfg.Client.Broker = getEnv("SIGNAL_BROKER", cfg.Client.Broker)
	cfg.Client.PlaybackURL = getEnv("PLAYBACK_URL", cfg.Client.PlaybackURL)
	if d, err := time.ParseDuration(os.Getenv("RECONNECT_DELAY")); err == nil {
		cfg.Client.ReconnectDelay = d
	}
}

func (c *Config) validate() error {
	if c.Client.ReconnectDelay <= 0 {
		return fmt.Errorf("client.reconnect_delay must be positive, got %s", c.Client.ReconnectDelay)
	}
	switch c.Client.Broker {
	case "ws", "redis":
	default:
		return fmt.Errorf("client.broker must be \"ws\" or \"redis\", got %q", c.Client.Broker)
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
