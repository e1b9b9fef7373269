package schema

import (
	"smallbiznis-loyalty/pkg/config"
	"smallbiznis-loyalty/pkg/db"
	"smallbiznis-loyalty/services/audit"
	"smallbiznis-loyalty/services/loyalty"
	"smallbiznis-loyalty/services/referral"
	"smallbiznis-loyalty/services/reward"
	"smallbiznis-loyalty/services/rule"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("schema", fx.Invoke(Migrate))

// Models lists every table owned by the loyalty engine.
func Models() []any {
	var models []any
	models = append(models, audit.Models()...)
	models = append(models, loyalty.Models()...)
	models = append(models, rule.Models()...)
	models = append(models, reward.Models()...)
	models = append(models, referral.Models()...)
	return models
}

func Migrate(conn *gorm.DB, cfg *config.Config) error {
	return db.Migrate(conn, cfg, Models()...)
}
