package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/alvaroprs8/vitascience/internal/config"
	"github.com/alvaroprs8/vitascience/internal/dispatch"
	"github.com/alvaroprs8/vitascience/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logging.Must(cfg.IsProduction()).Named("relay")
	defer func() { _ = log.Sync() }()

	if err := cfg.ValidateRelay(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	p := NewProcessor(dispatch.NewHTTPDispatcher(dispatch.WorkerConfig(cfg)), log)

	if cfg.DispatchTransport == config.TransportAMQP {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := runAMQP(ctx, cfg.RabbitURL, cfg.RabbitQueue, cfg.RelayWorkers, p, log); err != nil {
			log.Fatal("amqp relay stopped", zap.Error(err))
		}
		return
	}

	lambda.Start(p.Handle)
}
