package main

import (
	"context"

	"digital-delivery/internal/config"
	"digital-delivery/internal/database"
	"digital-delivery/internal/domain"
	"digital-delivery/internal/infrastructure/notify"
	"digital-delivery/internal/infrastructure/payment"
	"digital-delivery/internal/logger"
	"digital-delivery/internal/repo"
	"digital-delivery/internal/service"

	"github.com/IBM/sarama"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// app holds what every command needs: config, logger, database and the fulfillment core.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *sqlx.DB

	producer sarama.SyncProducer

	orderRepo repo.OrderRepo
	grantRepo repo.GrantRepo
	fileRepo  repo.FileRepo
	gateway   payment.PaymentGateway

	orders      service.OrderService
	grants      service.GrantService
	fulfillment service.FulfillmentService
	checkout    service.CheckoutService
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "init logger")
	}
	db, err := database.NewPostgres(ctx, cfg.DB)
	if err != nil {
		log.Sync()
		return nil, err
	}
	return &app{cfg: cfg, logger: log, db: db}, nil
}

// wireCore builds the repositories and fulfillment services. Receipts go to Kafka
// only when publishReceipts is set; admin commands log them instead.
func (a *app) wireCore(publishReceipts bool) error {
	a.orderRepo = repo.NewOrderRepo(a.db)
	a.grantRepo = repo.NewGrantRepo(a.db)
	a.fileRepo = repo.NewFileRepo(a.db)
	a.gateway = payment.NewPaymentGateway(payment.Options{
		WebhookSecret: a.cfg.Payment.WebhookSecret,
		Tolerance:     a.cfg.Payment.SignatureTolerance,
		APIBaseURL:    a.cfg.Payment.APIBaseURL,
		APIKey:        a.cfg.Payment.APIKey,
		Timeout:       a.cfg.Payment.Timeout,
	})

	dispatcher, err := a.dispatcher(publishReceipts)
	if err != nil {
		return err
	}

	policy := domain.GrantPolicy{
		MaxDownloads: a.cfg.Downloads.DefaultMaxDownloads,
		Validity:     a.cfg.Downloads.DefaultValidity,
	}
	a.orders = service.NewOrderService(a.db, a.orderRepo)
	a.grants = service.NewGrantService(a.db, a.orderRepo, a.grantRepo, a.fileRepo, policy, a.logger)
	a.fulfillment = service.NewFulfillmentService(a.orders, a.grants, dispatcher, a.logger)
	a.checkout = service.NewCheckoutService(a.db, a.gateway, a.orderRepo, a.grantRepo, a.orders, a.fulfillment, a.cfg.Payment.Timeout, a.logger)
	return nil
}

func (a *app) dispatcher(publishReceipts bool) (notify.Dispatcher, error) {
	if !publishReceipts || !a.cfg.Kafka.Enabled {
		return notify.NewLogDispatcher(a.logger), nil
	}
	producer, err := notify.InitProducer(a.cfg.Kafka.Brokers, a.logger)
	if err != nil {
		return nil, err
	}
	a.producer = producer
	return notify.NewKafkaDispatcher(producer, a.cfg.Kafka.ReceiptTopic, a.logger), nil
}

func (a *app) Close() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("Failed to close Kafka producer", zap.Error(err))
		}
	}
	a.db.Close()
	a.logger.Sync()
}
