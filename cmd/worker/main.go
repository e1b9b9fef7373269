package main

import (
	"log"

	"smallbiznis-loyalty/pkg/config"
	"smallbiznis-loyalty/pkg/db"
	"smallbiznis-loyalty/pkg/gen"
	"smallbiznis-loyalty/pkg/lock"
	"smallbiznis-loyalty/pkg/logger"
	"smallbiznis-loyalty/pkg/objectstore"
	"smallbiznis-loyalty/pkg/profiling"
	"smallbiznis-loyalty/pkg/redis"
	"smallbiznis-loyalty/pkg/secretmanager"
	"smallbiznis-loyalty/pkg/sequence"
	"smallbiznis-loyalty/pkg/task"
	"smallbiznis-loyalty/pkg/taskname"
	"smallbiznis-loyalty/services/audit"
	"smallbiznis-loyalty/services/loyalty"
	"smallbiznis-loyalty/services/notification"
	"smallbiznis-loyalty/services/reward"
	"smallbiznis-loyalty/services/statement"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		sequence.Module,
		gen.Module,
		lock.Module,
		objectstore.Module,
		task.Client,
		task.Server,
		audit.Module,
		notification.Module,
		notification.WorkerModule,
		loyalty.Module,
		reward.Module,
		reward.SweeperModule,
		statement.Module,
		fx.Invoke(registerHandlers),
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

func registerHandlers(
	mux *asynq.ServeMux,
	notifications *notification.Handler,
	statements *statement.Service,
	rewards *reward.Service,
) {
	mux.HandleFunc(taskname.LoyaltyTierUpgraded, notifications.HandleTierUpgraded)
	mux.HandleFunc(taskname.LoyaltyStatementExport, statements.HandleExportTask)
	mux.HandleFunc(taskname.RewardRedemptionExpire, rewards.HandleExpireTask)
}
