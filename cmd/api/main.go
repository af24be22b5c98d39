package main

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/alvaroprs8/vitascience/internal/config"
	"github.com/alvaroprs8/vitascience/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logging.Must(cfg.IsProduction())
	defer func() { _ = log.Sync() }()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := newApp(context.Background(), cfg, log)
	if err != nil {
		log.Fatal("failed to start", zap.Error(err))
	}
	defer a.Close()

	// if RUN_LOCAL is true, run a plain HTTP server for development.
	if cfg.RunLocal {
		log.Info("running local server",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("store", cfg.StoreBackend),
			zap.String("transport", cfg.DispatchTransport),
		)
		if err := a.router.Run(cfg.HTTPAddr); err != nil {
			log.Fatal("local server stopped", zap.Error(err))
		}
		return
	}

	adapter := ginadapter.New(a.router)
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
