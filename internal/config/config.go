package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	DBDriver   string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBPath     string // sqlite only

	ServerPort string
	ServerHost string

	// Websocket session tuning
	SendBufferSize  int
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxMessageBytes int64
	AllowedOrigins  []string

	// Upper bound for one change apply (log append + snapshot write).
	PersistTimeout time.Duration

	// Presence mirror, disabled when RedisAddr is empty
	RedisAddr     string
	RedisPassword string
	PresenceTTL   time.Duration

	// Change feed, disabled when KafkaBrokers is empty
	KafkaBrokers        []string
	KafkaTopic          string
	ChangeFeedWorkers   int
	ChangeFeedQueueSize int

	// Observability
	TracingEnabled bool
	JaegerEndpoint string
	LogLevel       string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	return fromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "collab_editor")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_PATH", "collab.db")

	v.SetDefault("SERVER_PORT", "5000")
	v.SetDefault("SERVER_HOST", "localhost")

	v.SetDefault("WS_SEND_BUFFER", 256)
	v.SetDefault("WS_PING_INTERVAL", "54s")
	v.SetDefault("WS_PONG_WAIT", "60s")
	v.SetDefault("WS_WRITE_WAIT", "10s")
	v.SetDefault("WS_MAX_MESSAGE_BYTES", 1<<20)
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:3000")

	v.SetDefault("PERSIST_TIMEOUT", "5s")

	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("PRESENCE_TTL", "10m")

	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "document-changes")
	v.SetDefault("CHANGEFEED_WORKERS", 4)
	v.SetDefault("CHANGEFEED_QUEUE_SIZE", 1000)

	v.SetDefault("TRACING_ENABLED", true)
	v.SetDefault("JAEGER_ENDPOINT", "http://localhost:14268/api/traces")
	v.SetDefault("LOG_LEVEL", "info")
	return v
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DBDriver:   strings.ToLower(v.GetString("DB_DRIVER")),
		DBHost:     v.GetString("DB_HOST"),
		DBPort:     v.GetString("DB_PORT"),
		DBUser:     v.GetString("DB_USER"),
		DBPassword: v.GetString("DB_PASSWORD"),
		DBName:     v.GetString("DB_NAME"),
		DBSSLMode:  v.GetString("DB_SSLMODE"),
		DBPath:     v.GetString("DB_PATH"),

		ServerPort: v.GetString("SERVER_PORT"),
		ServerHost: v.GetString("SERVER_HOST"),

		SendBufferSize:  v.GetInt("WS_SEND_BUFFER"),
		PingInterval:    v.GetDuration("WS_PING_INTERVAL"),
		PongWait:        v.GetDuration("WS_PONG_WAIT"),
		WriteWait:       v.GetDuration("WS_WRITE_WAIT"),
		MaxMessageBytes: v.GetInt64("WS_MAX_MESSAGE_BYTES"),
		AllowedOrigins:  splitList(v.GetString("ALLOWED_ORIGINS")),

		PersistTimeout: v.GetDuration("PERSIST_TIMEOUT"),

		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		PresenceTTL:   v.GetDuration("PRESENCE_TTL"),

		KafkaBrokers:        splitList(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:          strings.TrimSpace(v.GetString("KAFKA_TOPIC")),
		ChangeFeedWorkers:   v.GetInt("CHANGEFEED_WORKERS"),
		ChangeFeedQueueSize: v.GetInt("CHANGEFEED_QUEUE_SIZE"),

		TracingEnabled: v.GetBool("TRACING_ENABLED"),
		JaegerEndpoint: v.GetString("JAEGER_ENDPOINT"),
		LogLevel:       v.GetString("LOG_LEVEL"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.DBDriver))
	}
	if c.SendBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("WS_SEND_BUFFER must be positive"))
	}
	if c.PingInterval <= 0 || c.PongWait <= c.PingInterval {
		errs = append(errs, fmt.Errorf("WS_PONG_WAIT (%s) must exceed WS_PING_INTERVAL (%s)", c.PongWait, c.PingInterval))
	}
	if c.WriteWait <= 0 {
		errs = append(errs, fmt.Errorf("WS_WRITE_WAIT must be positive"))
	}
	if c.PersistTimeout <= 0 {
		errs = append(errs, fmt.Errorf("PERSIST_TIMEOUT must be positive"))
	}
	if len(c.KafkaBrokers) > 0 {
		if c.KafkaTopic == "" {
			errs = append(errs, fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set"))
		}
		if c.ChangeFeedWorkers <= 0 || c.ChangeFeedQueueSize <= 0 {
			errs = append(errs, fmt.Errorf("CHANGEFEED_WORKERS and CHANGEFEED_QUEUE_SIZE must be positive"))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

// splitList turns "a, b,,c" into [a b c].
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
