package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"

	_ "github.com/joho/godotenv/autoload"
)

type Config struct {
	Env           string   `envconfig:"APP_ENV" default:"production"`
	LogLevel      string   `envconfig:"LOG_LEVEL" default:"info"`
	HTTPAddr      string   `envconfig:"HTTP_ADDR" default:":8080"`
	PublicBaseURL string   `envconfig:"PUBLIC_BASE_URL" default:"http://localhost:8080"`
	CORSOrigins   []string `envconfig:"CORS_ORIGINS" default:"http://localhost:3000"`

	DB        DB        `envconfig:"BLUEPRINT_DB"`
	Redis     Redis     `envconfig:"REDIS"`
	Kafka     Kafka     `envconfig:"KAFKA"`
	Payment   Payment   `envconfig:"PAYMENT"`
	Auth      Auth      `envconfig:"AUTH"`
	Downloads Downloads `envconfig:"DOWNLOADS"`
	Checkout  Checkout  `envconfig:"CHECKOUT"`
	Reconcile Reconcile `envconfig:"RECONCILE"`
	Storage   Storage   `envconfig:"STORAGE"`
}

type DB struct {
	Host         string `split_words:"true" default:"localhost"`
	Port         string `split_words:"true" default:"5432"`
	Username     string `split_words:"true" default:"postgres"`
	Password     string `split_words:"true" default:"postgres"`
	Database     string `split_words:"true" default:"storefront"`
	Schema       string `split_words:"true" default:"public"`
	MaxOpenConns int    `split_words:"true" default:"25"`
}

// DSN builds the pgx connection string.
func (d DB) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		d.Username, d.Password, d.Host, d.Port, d.Database, d.Schema,
	)
}

type Redis struct {
	Addr     string `split_words:"true" default:"localhost:6379"`
	Password string `split_words:"true"`
	DB       int    `split_words:"true" default:"0"`
}

type Kafka struct {
	Enabled      bool     `split_words:"true" default:"true"`
	Brokers      []string `split_words:"true" default:"localhost:9092"`
	ReceiptTopic string   `split_words:"true" default:"order_receipts"`
}

type Payment struct {
	WebhookSecret      string        `split_words:"true" required:"true"`
	SignatureHeader    string        `split_words:"true" default:"Payment-Signature"`
	SignatureTolerance time.Duration `split_words:"true" default:"5m"`
	APIBaseURL         string        `split_words:"true" default:"https://api.payments.local"`
	APIKey             string        `split_words:"true"`
	Timeout            time.Duration `split_words:"true" default:"10s"`
	WebhookTimeout     time.Duration `split_words:"true" default:"10s"`
}

type Auth struct {
	JWTSecret string `split_words:"true" required:"true"`
}

type Downloads struct {
	TokenTTL            time.Duration `split_words:"true" default:"10m"`
	IssueWindow         time.Duration `split_words:"true" default:"60s"`
	DefaultMaxDownloads int           `split_words:"true" default:"5"`
	DefaultValidity     time.Duration `split_words:"true" default:"720h"`
}

type Checkout struct {
	FailureRedirectURL string `split_words:"true" default:"/checkout/failed"`
}

type Reconcile struct {
	Interval   time.Duration `split_words:"true" default:"1m"`
	StaleAfter time.Duration `split_words:"true" default:"15m"`
	BatchSize  int           `split_words:"true" default:"50"`
}

type Storage struct {
	// Disks maps a disk name to its root directory, e.g. "local:/var/lib/storefront/files".
	Disks map[string]string `split_words:"true" default:"local:./storage"`
}

// Load reads the configuration from the environment (and .env, if present).
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	if cfg.Payment.WebhookSecret == "" || cfg.Auth.JWTSecret == "" {
		return nil, errors.New("webhook secret and jwt secret must be set")
	}
	if cfg.Downloads.TokenTTL <= 0 || cfg.Downloads.IssueWindow <= 0 {
		return nil, errors.New("download token ttl and issue window must be positive")
	}
	return &cfg, nil
}
