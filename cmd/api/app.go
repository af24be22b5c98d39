package main

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/alvaroprs8/vitascience/internal/analysis"
	"github.com/alvaroprs8/vitascience/internal/aws"
	"github.com/alvaroprs8/vitascience/internal/chat"
	"github.com/alvaroprs8/vitascience/internal/config"
	"github.com/alvaroprs8/vitascience/internal/conversation"
	"github.com/alvaroprs8/vitascience/internal/correlation"
	"github.com/alvaroprs8/vitascience/internal/db"
	"github.com/alvaroprs8/vitascience/internal/dispatch"
	"github.com/alvaroprs8/vitascience/internal/handlers"
	"github.com/alvaroprs8/vitascience/internal/idempotency"
)

type recordStore interface {
	analysis.Store
	chat.Anchors
}

type dispatcher interface {
	Dispatch(ctx context.Context, env dispatch.Envelope) error
}

type app struct {
	router  *gin.Engine
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// newApp wires stores, dispatcher and services from a validated config.
// AWS clients are only created when a component needs them.
func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{}

	var clients *aws.AWSClients
	awsClients := func() (*aws.AWSClients, error) {
		if clients != nil {
			return clients, nil
		}
		c, err := aws.NewAWSClients(ctx, aws.Settings{Region: cfg.AWSRegion, EndpointOverride: cfg.AWSEndpointOverride})
		if err != nil {
			return nil, fmt.Errorf("init aws clients: %w", err)
		}
		clients = c
		return c, nil
	}

	var (
		records  recordStore
		messages chat.MessageStore
		keys     analysis.Keys
	)
	switch cfg.StoreBackend {
	case config.BackendDynamoDB:
		c, err := awsClients()
		if err != nil {
			return nil, err
		}
		records = correlation.NewDynamoStore(c.DynamoDB, cfg.AnalysesTable)
		messages = conversation.NewDynamoStore(c.DynamoDB, cfg.ConversationsTable)
		keys = idempotency.NewDynamoStore(c.DynamoDB, cfg.IdempotencyTable, cfg.IdempotencyTTL)
	default:
		gdb, err := db.Open(cfg.StoreBackend, cfg.SQLDSN)
		if err != nil {
			return nil, err
		}
		if sqlDB, err := gdb.DB(); err == nil {
			a.closers = append(a.closers, sqlDB.Close)
		}
		rs := correlation.NewSQLStore(gdb)
		ms := conversation.NewSQLStore(gdb)
		ks := idempotency.NewSQLStore(gdb, cfg.IdempotencyTTL)
		for name, m := range map[string]func(context.Context) error{
			"analyses":      rs.Migrate,
			"conversations": ms.Migrate,
			"idempotency":   ks.Migrate,
		} {
			if err := m(ctx); err != nil {
				a.Close()
				return nil, fmt.Errorf("migrate %s: %w", name, err)
			}
		}
		records, messages, keys = rs, ms, ks
	}

	var d dispatcher
	switch cfg.DispatchTransport {
	case config.TransportSQS:
		c, err := awsClients()
		if err != nil {
			a.Close()
			return nil, err
		}
		d = dispatch.NewSQSDispatcher(aws.NewPublisher(c.SQS, cfg.DispatchQueueURL))
	case config.TransportAMQP:
		ad, err := dispatch.NewAMQPDispatcher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, ad.Close)
		d = ad
	default:
		d = dispatch.NewHTTPDispatcher(dispatch.WorkerConfig(cfg))
	}

	var metrics aws.Metrics = aws.NopMetrics{}
	if cfg.MetricsEnabled {
		c, err := awsClients()
		if err != nil {
			a.Close()
			return nil, err
		}
		metrics = aws.NewCloudWatchMetrics(c.CloudWatch, cfg.MetricsNamespace, log)
	}

	analyses := analysis.NewService(records, d, analysis.Options{
		CallbackURL: cfg.AnalysisCallbackURL(),
		Overwrite:   cfg.RefinalizePolicy == config.PolicyOverwrite,
		Keys:        keys,
		Metrics:     metrics,
		Logger:      log.Named("analysis"),
	})
	conversations := chat.NewService(messages, d, chat.Options{
		CallbackURL:   cfg.ChatCallbackURL(),
		ContextWindow: cfg.ChatContextWindow,
		Anchors:       records,
		Metrics:       metrics,
		Logger:        log.Named("chat"),
	})

	a.router = handlers.NewRouter(handlers.RouterConfig{
		Analyses:       analyses,
		Conversations:  conversations,
		CallbackSecret: cfg.CallbackSecret,
		Transport:      cfg.DispatchTransport,
		Logger:         log,
		PollRate:       rate.Limit(cfg.StatusRateLimit),
		PollBurst:      cfg.StatusRateBurst,
	})
	return a, nil
}
