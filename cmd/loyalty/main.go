package main

import (
	"log"

	"smallbiznis-loyalty/internal/httpapi"
	"smallbiznis-loyalty/internal/schema"
	"smallbiznis-loyalty/pkg/config"
	"smallbiznis-loyalty/pkg/db"
	"smallbiznis-loyalty/pkg/featureflags"
	"smallbiznis-loyalty/pkg/gen"
	"smallbiznis-loyalty/pkg/health"
	"smallbiznis-loyalty/pkg/logger"
	"smallbiznis-loyalty/pkg/objectstore"
	"smallbiznis-loyalty/pkg/otelcol"
	"smallbiznis-loyalty/pkg/profiling"
	"smallbiznis-loyalty/pkg/redis"
	"smallbiznis-loyalty/pkg/secretmanager"
	"smallbiznis-loyalty/pkg/sequence"
	"smallbiznis-loyalty/pkg/server"
	"smallbiznis-loyalty/pkg/task"
	"smallbiznis-loyalty/services/audit"
	"smallbiznis-loyalty/services/loyalty"
	"smallbiznis-loyalty/services/notification"
	"smallbiznis-loyalty/services/referral"
	"smallbiznis-loyalty/services/reward"
	"smallbiznis-loyalty/services/rule"
	"smallbiznis-loyalty/services/statement"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		schema.Module,
		redis.Module,
		sequence.Module,
		gen.Module,
		featureflags.Module,
		objectstore.Module,
		task.Client,
		audit.Module,
		notification.Module,
		loyalty.Module,
		rule.Module,
		reward.Module,
		referral.Module,
		statement.Module,
		health.Module,
		httpapi.Module,
		server.ProvideHTTPServer,
		server.ProvideGRPCServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
