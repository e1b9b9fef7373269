package rule

import (
	"smallbiznis-loyalty/pkg/celengine"

	"go.uber.org/fx"
)

var Module = fx.Module("rule.service",
	fx.Provide(
		NewRepository,
		celengine.New,
		NewService,
	),
)
