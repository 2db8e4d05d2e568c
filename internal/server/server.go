package server

import (
	"context"
	"net/http"
	"time"

	"digital-delivery/internal/infrastructure/storage"
	"digital-delivery/internal/service"

	"go.uber.org/zap"
)

const defaultMaxWebhookBytes = 1 << 20

type Options struct {
	Addr               string
	CORSOrigins        []string
	SignatureHeader    string
	WebhookTimeout     time.Duration
	MaxWebhookBytes    int64
	FailureRedirectURL string
	JWTSecret          []byte
}

// HealthFunc reports the state of one dependency.
type HealthFunc func(ctx context.Context) map[string]string

type Deps struct {
	Webhooks  service.WebhookService
	Checkout  service.CheckoutService
	Downloads service.DownloadService
	Grants    service.GrantService
	Content   storage.ContentStore
	Health    map[string]HealthFunc
	Logger    *zap.Logger
}

type Server struct {
	opts Options
	Deps
}

func New(opts Options, deps Deps) *Server {
	if opts.SignatureHeader == "" {
		opts.SignatureHeader = "Payment-Signature"
	}
	if opts.WebhookTimeout <= 0 {
		opts.WebhookTimeout = 10 * time.Second
	}
	if opts.MaxWebhookBytes <= 0 {
		opts.MaxWebhookBytes = defaultMaxWebhookBytes
	}
	return &Server{opts: opts, Deps: deps}
}

// HTTPServer returns the listener-ready server for s.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.RegisterRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       time.Minute,
	}
}
