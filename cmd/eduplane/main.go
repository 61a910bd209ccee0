package main

import (
	"log"

	hibiken "github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"eduplane/pkg/asynq"
	"eduplane/pkg/clock"
	"eduplane/pkg/config"
	"eduplane/pkg/db"
	"eduplane/pkg/logger"
	"eduplane/pkg/redis"
	"eduplane/pkg/sequence"
	"eduplane/pkg/server"
	"eduplane/services/group"
	"eduplane/services/loyalty"
	"eduplane/services/referral"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		clock.Module,
		sequence.Module,

		asynq.Client,
		asynq.Server,

		loyalty.Module,
		referral.TaskModule,
		referral.Module,
		group.Module,

		fx.Invoke(registerTaskHandlers),

		server.ProvideHTTPServer,
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

func registerTaskHandlers(mux *hibiken.ServeMux, task *referral.Task) {
	mux.HandleFunc(referral.TaskAwardReward, task.HandleAwardRewardTask)
}
