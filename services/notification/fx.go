package notification

import "go.uber.org/fx"

// Module provides the loyalty.Notifier, queue-backed when an Enqueuer exists.
var Module = fx.Module("notification",
	fx.Provide(NewNotifier),
)

var WorkerModule = fx.Module("notification.worker",
	fx.Provide(NewHandler),
)
