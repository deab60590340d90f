package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without Redis, Postgres, Kafka or Stripe.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr         string
	RedisPassword     string
	RedisGeoKey       string
	RosterRadiusMiles float64

	KafkaBrokers []string
	DriverTopic  string
	EventTopic   string

	PGDSN         string
	RunMigrations bool

	StripeAPIKey string

	MapsAPIKey    string
	OSRMEndpoint  string
	RouteCacheTTL time.Duration

	PushEndpoint string
	PushKey      string

	RosterSize       int
	DispatchAttempts int

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		RedisGeoKey:       "drivers_geo",
		RosterRadiusMiles: 25,
		DriverTopic:       "driver-updates",
		EventTopic:        "trip-events",
		RouteCacheTTL:     10 * time.Minute,
		RosterSize:        20,
		DispatchAttempts:  3,
		LogLevel:          "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setFloatFromEnv(&cfg.RosterRadiusMiles, "ROSTER_RADIUS_MILES", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.DriverTopic, "KAFKA_DRIVER_TOPIC")
	setStringFromEnv(&cfg.EventTopic, "KAFKA_EVENT_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")

	cfg.MapsAPIKey = os.Getenv("MAPS_API_KEY")
	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")

	setIntFromEnv(&cfg.RosterSize, "DISPATCH_ROSTER_SIZE", &errs)
	setIntFromEnv(&cfg.DispatchAttempts, "DISPATCH_MAX_ATTEMPTS", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.RosterSize <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_ROSTER_SIZE must be > 0"))
	}
	if cfg.DispatchAttempts <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.RosterRadiusMiles <= 0 {
		errs = append(errs, fmt.Errorf("ROSTER_RADIUS_MILES must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the driver-updates consumer.
type ConsumerConfig struct {
	MetricsAddr string

	KafkaBrokers []string
	DriverTopic  string
	GroupID      string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	UpsertAttempts int
	UpsertBackoff  time.Duration

	LogLevel string
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MetricsAddr:    ":2112",
		KafkaBrokers:   []string{"localhost:9092"},
		DriverTopic:    "driver-updates",
		GroupID:        "rescue-dispatch-roster",
		RedisAddr:      "localhost:6379",
		RedisGeoKey:    "drivers_geo",
		UpsertAttempts: 3,
		UpsertBackoff:  200 * time.Millisecond,
		LogLevel:       "info",
	}
}

// LoadConsumerConfig reads the environment; metricsAddr comes from the
// command line and wins when set.
func LoadConsumerConfig(metricsAddr string) (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	var errs []error

	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.DriverTopic, "KAFKA_DRIVER_TOPIC")
	setStringFromEnv(&cfg.GroupID, "KAFKA_GROUP")

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	setIntFromEnv(&cfg.UpsertAttempts, "UPSERT_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.UpsertBackoff, "UPSERT_BACKOFF", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.UpsertAttempts <= 0 {
		errs = append(errs, fmt.Errorf("UPSERT_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
