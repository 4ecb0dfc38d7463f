package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker drivers.
const (
	DriverRabbitMQ = "rabbitmq"
	DriverMemory   = "memory"
)

// Config holds all runtime configuration loaded from environment variables.
// Every field has a sensible default; only DATABASE_URL is required.
// Nested sections read prefixed variables, e.g. BROKER_HOST or RELAY_PORT.
type Config struct {
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	DatabaseURL string `envconfig:"DATABASE_URL"`

	HTTP     HTTPConfig
	DB       DBConfig
	Broker   BrokerConfig
	Relay    RelayConfig
	Delivery DeliveryConfig
}

type HTTPConfig struct {
	Port            string        `default:"8080"`
	ReadTimeout     time.Duration `split_words:"true" default:"5s"`
	WriteTimeout    time.Duration `split_words:"true" default:"10s"`
	ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
}

type DBConfig struct {
	MaxConns int32 `split_words:"true" default:"25"`
	MinConns int32 `split_words:"true" default:"5"`
}

// BrokerConfig describes the message channel. The memory driver keeps
// messages in process and is only meant for local runs.
type BrokerConfig struct {
	Driver         string        `default:"rabbitmq"`
	Host           string        `default:"localhost"`
	Port           int           `default:"5672"`
	Username       string        `default:"guest"`
	Password       string        `default:"guest"`
	Vhost          string        `default:"/"`
	Queue          string        `default:"email_notifications"`
	Prefetch       int           `default:"10"`
	Heartbeat      time.Duration `default:"10s"`
	DialTimeout    time.Duration `split_words:"true" default:"5s"`
	PublishTimeout time.Duration `split_words:"true" default:"5s"`
	MemoryCapacity int           `split_words:"true" default:"1024"`
}

// URL builds the AMQP connection string.
func (b BrokerConfig) URL() string {
	return amqp.URI{
		Scheme:   "amqp",
		Host:     b.Host,
		Port:     b.Port,
		Username: b.Username,
		Password: b.Password,
		Vhost:    b.Vhost,
	}.String()
}

type RelayConfig struct {
	Host       string        `default:"localhost"`
	Port       int           `default:"587"`
	Username   string
	Password   string
	From       string        `default:"notifications@localhost"`
	Encryption string        `default:"starttls"`
	Timeout    time.Duration `default:"30s"`
	RatePerSec float64       `split_words:"true" default:"10"`
	Burst      int           `default:"10"`
}

// DeliveryConfig controls how often the consumer is poked and how transient
// relay failures are retried.
type DeliveryConfig struct {
	// Schedule is a Go duration ("5s") or a six-field cron expression.
	Schedule    string        `default:"5s"`
	MaxRetries  int           `split_words:"true" default:"5"`
	BaseDelay   time.Duration `split_words:"true" default:"2s"`
	Multiplier  float64       `default:"2.0"`
	MaxDelay    time.Duration `split_words:"true" default:"5m"`
	SendTimeout time.Duration `split_words:"true" default:"30s"`
}

func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the rules envconfig tags cannot express.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}

	switch c.Broker.Driver {
	case DriverRabbitMQ, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("BROKER_DRIVER must be %q or %q, got %q", DriverRabbitMQ, DriverMemory, c.Broker.Driver))
	}
	if strings.TrimSpace(c.Broker.Queue) == "" {
		errs = append(errs, errors.New("BROKER_QUEUE must not be empty"))
	}
	if c.Broker.Prefetch < 1 {
		errs = append(errs, errors.New("BROKER_PREFETCH must be at least 1"))
	}

	switch c.Relay.Encryption {
	case "none", "opportunistic", "starttls", "ssl":
	default:
		errs = append(errs, fmt.Errorf("RELAY_ENCRYPTION %q is not one of none, opportunistic, starttls, ssl", c.Relay.Encryption))
	}
	if c.Relay.RatePerSec <= 0 {
		errs = append(errs, errors.New("RELAY_RATE_PER_SEC must be positive"))
	}

	d := c.Delivery
	if d.MaxRetries < 0 {
		errs = append(errs, errors.New("DELIVERY_MAX_RETRIES must not be negative"))
	}
	if d.BaseDelay <= 0 {
		errs = append(errs, errors.New("DELIVERY_BASE_DELAY must be positive"))
	}
	if d.Multiplier < 1 {
		errs = append(errs, errors.New("DELIVERY_MULTIPLIER must be at least 1"))
	}
	if d.MaxDelay < d.BaseDelay {
		errs = append(errs, errors.New("DELIVERY_MAX_DELAY must not be below DELIVERY_BASE_DELAY"))
	}
	if !validSchedule(d.Schedule) {
		errs = append(errs, fmt.Errorf("DELIVERY_SCHEDULE %q is neither a duration nor a six-field cron expression", d.Schedule))
	}

	return errors.Join(errs...)
}

func validSchedule(s string) bool {
	if d, err := time.ParseDuration(s); err == nil {
		return d > 0
	}
	return len(strings.Fields(s)) == 6
}
