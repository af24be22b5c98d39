package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Dispatch transports.
const (
	TransportHTTP = "http"
	TransportSQS  = "sqs"
	TransportAMQP = "amqp"
)

// Store backends.
const (
	BackendDynamoDB = "dynamodb"
	BackendSQLite   = "sqlite"
	BackendMySQL    = "mysql"
)

// Refinalize policies for a callback that targets an already terminal record.
const (
	PolicyReject    = "reject"
	PolicyOverwrite = "overwrite"
)

// Config is the process configuration. It is parsed once at startup and
// handed to constructors; nothing below cmd/ reads the environment.
type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"development"`
	RunLocal bool   `env:"RUN_LOCAL" envDefault:"false"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	// PublicBaseURL is where the worker reaches the callback endpoints.
	PublicBaseURL    string `env:"PUBLIC_BASE_URL"`
	CallbackSecret   string `env:"CALLBACK_SECRET"`
	RefinalizePolicy string `env:"REFINALIZE_POLICY" envDefault:"reject"`

	WorkerURL        string        `env:"WORKER_URL"`
	WorkerChatURL    string        `env:"WORKER_CHAT_URL"`
	WorkerAuth       string        `env:"WORKER_AUTH"`
	WorkerEchoSecret bool          `env:"WORKER_ECHO_SECRET" envDefault:"true"`
	DispatchTimeout  time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"30s"`

	DispatchTransport string `env:"DISPATCH_TRANSPORT" envDefault:"http"`
	DispatchQueueURL  string `env:"DISPATCH_QUEUE_URL"`
	RabbitURL         string `env:"RABBIT_URL"`
	RabbitQueue       string `env:"RABBIT_QUEUE" envDefault:"vitascience.dispatch"`
	RelayWorkers      int    `env:"RELAY_WORKERS" envDefault:"4"`

	StoreBackend       string `env:"STORE_BACKEND" envDefault:"dynamodb"`
	AnalysesTable      string `env:"ANALYSES_TABLE" envDefault:"analyses"`
	ConversationsTable string `env:"CONVERSATIONS_TABLE" envDefault:"conversations"`
	SQLDSN             string `env:"SQL_DSN" envDefault:"file:vitascience.db?_pragma=busy_timeout(5000)"`

	// IdempotencyTable holds submission Idempotency-Keys on dynamodb.
	IdempotencyTable string        `env:"IDEMPOTENCY_TABLE" envDefault:"idempotency"`
	IdempotencyTTL   time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"48h"`

	ChatContextWindow int `env:"CHAT_CONTEXT_WINDOW" envDefault:"20"`

	MetricsEnabled   bool   `env:"METRICS_ENABLED" envDefault:"false"`
	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"Vitascience"`

	StatusRateLimit float64 `env:"STATUS_RATE_LIMIT" envDefault:"5"`
	StatusRateBurst int     `env:"STATUS_RATE_BURST" envDefault:"20"`

	AWSRegion           string `env:"AWS_REGION" envDefault:"us-east-1"`
	AWSEndpointOverride string `env:"AWS_ENDPOINT_OVERRIDE"`
}

// Load reads an optional .env file and parses the environment into Config.
// It does not validate; call Validate once the process knows what it runs.
func Load() (*Config, error) {
	// .env is optional outside local development
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.WorkerChatURL == "" {
		cfg.WorkerChatURL = cfg.WorkerURL
	}
	return &cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.CallbackSecret) == "" {
		errs = append(errs, errors.New("CALLBACK_SECRET is required"))
	}
	if _, err := c.CallbackBase(); err != nil {
		errs = append(errs, err)
	}

	switch c.RefinalizePolicy {
	case PolicyReject, PolicyOverwrite:
	default:
		errs = append(errs, fmt.Errorf("REFINALIZE_POLICY must be %q or %q, got %q", PolicyReject, PolicyOverwrite, c.RefinalizePolicy))
	}

	switch c.DispatchTransport {
	case TransportHTTP:
		if c.WorkerURL == "" {
			errs = append(errs, errors.New("WORKER_URL is required for http dispatch"))
		}
	case TransportSQS:
		if c.DispatchQueueURL == "" {
			errs = append(errs, errors.New("DISPATCH_QUEUE_URL is required for sqs dispatch"))
		}
	case TransportAMQP:
		if c.RabbitURL == "" {
			errs = append(errs, errors.New("RABBIT_URL is required for amqp dispatch"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown DISPATCH_TRANSPORT %q", c.DispatchTransport))
	}

	switch c.StoreBackend {
	case BackendDynamoDB:
		if c.AnalysesTable == "" || c.ConversationsTable == "" {
			errs = append(errs, errors.New("ANALYSES_TABLE and CONVERSATIONS_TABLE are required for dynamodb"))
		}
	case BackendSQLite, BackendMySQL:
		if c.SQLDSN == "" {
			errs = append(errs, errors.New("SQL_DSN is required for sql backends"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}

	if c.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("IDEMPOTENCY_TTL must be positive"))
	}
	if c.ChatContextWindow < 0 {
		errs = append(errs, errors.New("CHAT_CONTEXT_WINDOW must not be negative"))
	}

	return errors.Join(errs...)
}

// ValidateRelay checks only what the queue relay needs: a worker to forward to.
func (c *Config) ValidateRelay() error {
	var errs []error
	if c.WorkerURL == "" {
		errs = append(errs, errors.New("WORKER_URL is required for the relay"))
	}
	if c.DispatchTransport == TransportAMQP && c.RabbitURL == "" {
		errs = append(errs, errors.New("RABBIT_URL is required for amqp relay"))
	}
	if c.RelayWorkers < 1 {
		errs = append(errs, errors.New("RELAY_WORKERS must be at least 1"))
	}
	return errors.Join(errs...)
}

// CallbackBase parses PublicBaseURL.
func (c *Config) CallbackBase() (*url.URL, error) {
	if strings.TrimSpace(c.PublicBaseURL) == "" {
		return nil, errors.New("PUBLIC_BASE_URL is required")
	}
	u, err := url.Parse(strings.TrimRight(c.PublicBaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("PUBLIC_BASE_URL %q is not an absolute url", c.PublicBaseURL)
	}
	return u, nil
}

// AnalysisCallbackURL is the address embedded in analysis dispatches.
func (c *Config) AnalysisCallbackURL() string {
	return strings.TrimRight(c.PublicBaseURL, "/") + "/v1/callbacks/analysis"
}

// ChatCallbackURL is the address embedded in chat dispatches.
func (c *Config) ChatCallbackURL() string {
	return strings.TrimRight(c.PublicBaseURL, "/") + "/v1/callbacks/chat"
}

// IsProduction reports whether APP_ENV selects production defaults.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production" || c.AppEnv == "prod"
}
