package reward

import "go.uber.org/fx"

var Module = fx.Module("reward.service",
	fx.Provide(NewService),
)

// SweeperModule schedules redemption expiry. Run it in the worker only.
var SweeperModule = fx.Module("reward.sweeper",
	fx.Provide(NewSweeper),
	fx.Invoke(runSweeper),
)
