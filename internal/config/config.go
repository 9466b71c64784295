// Package config loads the alert server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Krx-21/BotCareU-sub001/common/config"
)

// Config alert server configuration
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	Server struct {
		Addr            string
		AllowedOrigins  []string
		ShutdownTimeout time.Duration
	}

	Auth struct {
		Algorithm     string // HS256 | RS256
		SecretKey     string
		PublicKeyFile string
		Issuer        string
		Audience      string
		Leeway        time.Duration
	}

	// firmware ingestion: MQTT topics feed Redis streams
	Ingest struct {
		ReadingTopic  string
		StatusTopic   string
		ReadingStream string
		StatusStream  string
		ConsumerGroup string
		ConsumerName  string
		BatchSize     int64
		Block         time.Duration
	}

	Alert struct {
		Cooldown          time.Duration
		LowBatteryPercent int
		OfflineAfter      time.Duration
		SweepInterval     time.Duration
		StatusTTL         time.Duration
	}

	Dispatcher struct {
		MaxRetries     int
		BaseBackoff    time.Duration
		MaxBackoff     time.Duration
		AttemptTimeout time.Duration
		Policy         string // any | all_for_critical
	}

	Gateway struct {
		AuthTimeout  time.Duration
		SendBuffer   int
		WriteTimeout time.Duration
		PingInterval time.Duration
		RelayEnabled bool
		RelayChannel string
	}

	// HTTP provider APIs for the push/email/sms channels; an empty BaseURL
	// leaves the channel without a sender
	Providers struct {
		Push  ProviderConfig
		Email ProviderConfig
		SMS   ProviderConfig
	}

	Log struct {
		Level  string
		Format string
		File   string
	}
}

// ProviderConfig one notification provider endpoint
type ProviderConfig struct {
	BaseURL string
	Path    string
	APIKey  string
	Timeout time.Duration
}

// Load reads configuration; unparsable values are an error
func Load() (*Config, error) {
	cfg := &Config{}
	p := &parser{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = p.int("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "botcareu")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = p.int("DB_MAX_CONNS", 20)
	cfg.Database.MaxIdle = p.int("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = p.int("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "botcareu-alert")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = byte(p.int("MQTT_QOS", 1))
	cfg.MQTT.ConnectTimeout = p.duration("MQTT_CONNECT_TIMEOUT", 10*time.Second)

	cfg.Server.Addr = getEnv("HTTP_ADDR", ":8080")
	cfg.Server.AllowedOrigins = splitList(getEnv("CORS_ALLOWED_ORIGINS", "*"))
	cfg.Server.ShutdownTimeout = p.duration("SHUTDOWN_TIMEOUT", 15*time.Second)

	cfg.Auth.Algorithm = strings.ToUpper(getEnv("JWT_ALGORITHM", "HS256"))
	cfg.Auth.SecretKey = getEnv("JWT_SECRET", "")
	cfg.Auth.PublicKeyFile = getEnv("JWT_PUBLIC_KEY_FILE", "")
	cfg.Auth.Issuer = getEnv("JWT_ISSUER", "")
	cfg.Auth.Audience = getEnv("JWT_AUDIENCE", "")
	cfg.Auth.Leeway = p.duration("JWT_LEEWAY", 30*time.Second)

	cfg.Ingest.ReadingTopic = getEnv("MQTT_READING_TOPIC", "botcareu/device/+/temperature/reading")
	cfg.Ingest.StatusTopic = getEnv("MQTT_STATUS_TOPIC", "botcareu/device/+/status")
	cfg.Ingest.ReadingStream = getEnv("READING_STREAM", "botcareu:readings:stream")
	cfg.Ingest.StatusStream = getEnv("STATUS_STREAM", "botcareu:status:stream")
	cfg.Ingest.ConsumerGroup = getEnv("STREAM_CONSUMER_GROUP", "botcareu-alert")
	cfg.Ingest.ConsumerName = getEnv("STREAM_CONSUMER_NAME", hostname())
	cfg.Ingest.BatchSize = int64(p.int("STREAM_BATCH_SIZE", 50))
	cfg.Ingest.Block = p.duration("STREAM_BLOCK", time.Second)

	cfg.Alert.Cooldown = p.duration("ALERT_COOLDOWN", 10*time.Minute)
	cfg.Alert.LowBatteryPercent = p.int("LOW_BATTERY_PERCENT", 20)
	cfg.Alert.OfflineAfter = p.duration("DEVICE_OFFLINE_AFTER", 90*time.Second)
	cfg.Alert.SweepInterval = p.duration("OFFLINE_SWEEP_INTERVAL", 30*time.Second)
	cfg.Alert.StatusTTL = p.duration("STATUS_CACHE_TTL", 10*time.Minute)

	cfg.Dispatcher.MaxRetries = p.int("NOTIFY_MAX_RETRIES", 3)
	cfg.Dispatcher.BaseBackoff = p.duration("NOTIFY_BASE_BACKOFF", time.Second)
	cfg.Dispatcher.MaxBackoff = p.duration("NOTIFY_MAX_BACKOFF", 30*time.Second)
	cfg.Dispatcher.AttemptTimeout = p.duration("NOTIFY_ATTEMPT_TIMEOUT", 10*time.Second)
	cfg.Dispatcher.Policy = getEnv("NOTIFY_DELIVERY_POLICY", "any")

	cfg.Gateway.AuthTimeout = p.duration("WS_AUTH_TIMEOUT", 10*time.Second)
	cfg.Gateway.SendBuffer = p.int("WS_SEND_BUFFER", 64)
	cfg.Gateway.WriteTimeout = p.duration("WS_WRITE_TIMEOUT", 5*time.Second)
	cfg.Gateway.PingInterval = p.duration("WS_PING_INTERVAL", 25*time.Second)
	cfg.Gateway.RelayEnabled = p.bool("RELAY_ENABLED", false)
	cfg.Gateway.RelayChannel = getEnv("RELAY_CHANNEL", "botcareu:gateway:events")

	cfg.Providers.Push = p.provider("PUSH", "/v1/push")
	cfg.Providers.Email = p.provider("EMAIL", "/v1/email")
	cfg.Providers.SMS = p.provider("SMS", "/v1/sms")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")
	cfg.Log.File = getEnv("LOG_FILE", "")

	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Auth.Algorithm {
	case "HS256":
		if c.Auth.SecretKey == "" {
			return fmt.Errorf("JWT_SECRET is required for HS256")
		}
	case "RS256":
		if c.Auth.PublicKeyFile == "" {
			return fmt.Errorf("JWT_PUBLIC_KEY_FILE is required for RS256")
		}
	default:
		return fmt.Errorf("unsupported JWT_ALGORITHM %q", c.Auth.Algorithm)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0, 1 or 2")
	}
	switch c.Dispatcher.Policy {
	case "any", "all_for_critical":
	default:
		return fmt.Errorf("unsupported NOTIFY_DELIVERY_POLICY %q", c.Dispatcher.Policy)
	}
	return nil
}

// parser keeps the first parse error
type parser struct {
	err error
}

func (p *parser) int(key string, def int) int {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		p.fail(key, value, err)
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	v, err := time.ParseDuration(value)
	if err != nil {
		p.fail(key, value, err)
		return def
	}
	return v
}

func (p *parser) bool(key string, def bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		p.fail(key, value, err)
		return def
	}
	return v
}

func (p *parser) provider(prefix, path string) ProviderConfig {
	return ProviderConfig{
		BaseURL: getEnv(prefix+"_PROVIDER_URL", ""),
		Path:    getEnv(prefix+"_PROVIDER_PATH", path),
		APIKey:  getEnv(prefix+"_PROVIDER_API_KEY", ""),
		Timeout: p.duration(prefix+"_PROVIDER_TIMEOUT", 10*time.Second),
	}
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "botcareu-alert"
}
