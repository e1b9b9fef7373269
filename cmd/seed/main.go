package main

import (
	"context"
	"log"

	"smallbiznis-loyalty/internal/schema"
	"smallbiznis-loyalty/pkg/config"
	"smallbiznis-loyalty/pkg/db"
	"smallbiznis-loyalty/pkg/gen"
	"smallbiznis-loyalty/pkg/logger"
	"smallbiznis-loyalty/services/loyalty"
	"smallbiznis-loyalty/services/rule"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		gen.Module,
		loyalty.Module,
		rule.Module,
		fx.Invoke(seed),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)
	if err := app.Err(); err != nil {
		log.Fatalf("seed failed: %v", err)
	}
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func defaultTiers() []loyalty.LoyaltyTier {
	return []loyalty.LoyaltyTier{
		{Level: 1, Name: "Bronze", PointsRequired: 0, PointsMultiplier: 1,
			Benefits: datatypes.NewJSONType([]string{"Earn 1 point per unit spent"})},
		{Level: 2, Name: "Silver", PointsRequired: 500, PointsMultiplier: 1.25, DiscountPercent: 5,
			Benefits: datatypes.NewJSONType([]string{"5% member discount", "Birthday reward"})},
		{Level: 3, Name: "Gold", PointsRequired: 2000, PointsMultiplier: 1.5, DiscountPercent: 10,
			Benefits: datatypes.NewJSONType([]string{"10% member discount", "Free shipping"})},
		{Level: 4, Name: "Platinum", PointsRequired: 5000, PointsMultiplier: 2, DiscountPercent: 15,
			Benefits: datatypes.NewJSONType([]string{"15% member discount", "Priority support", "Early access"})},
	}
}

func defaultRules() []rule.LoyaltyRule {
	return []rule.LoyaltyRule{
		{EventType: rule.EventPurchase, Name: "Purchase", Description: "Points for purchase",
			CalculationType: rule.PerCurrencyUnit, IsActive: true,
			TierMultipliers: rule.TierMultipliers{"Silver": 1.25, "Gold": 1.5, "Platinum": 2}},
		{EventType: rule.EventSignup, Name: "Welcome bonus", CalculationType: rule.Fixed, PointsAwarded: 100, IsActive: true},
		{EventType: rule.EventReview, Name: "Product review", CalculationType: rule.Fixed, PointsAwarded: 50, IsActive: true},
		{EventType: rule.EventReferralSignup, Name: "Referred signup", CalculationType: rule.Fixed, PointsAwarded: 100, IsActive: true},
		{EventType: rule.EventReferralComplete, Name: "Referral completed", CalculationType: rule.Fixed, PointsAwarded: 500, IsActive: true},
		{EventType: rule.EventSocialShare, Name: "Social share", CalculationType: rule.Fixed, PointsAwarded: 25, IsActive: true,
			Condition: `platform != ""`},
	}
}

// seed migrates the schema and writes the default tier table and rules.
// Existing rules for the same event types are replaced.
func seed(conn *gorm.DB, tiers *loyalty.Service, rules *rule.Service) error {
	ctx := context.Background()

	if err := conn.WithContext(ctx).AutoMigrate(schema.Models()...); err != nil {
		return err
	}

	saved, err := tiers.UpsertTiers(ctx, defaultTiers())
	if err != nil {
		return err
	}
	zap.L().Info("tiers seeded", zap.Int("count", len(saved)))

	for _, r := range defaultRules() {
		if _, err := rules.UpsertRule(ctx, &r); err != nil {
			zap.L().Error("failed to seed rule", zap.String("event_type", r.EventType), zap.Error(err))
			return err
		}
	}
	zap.L().Info("rules seeded", zap.Int("count", len(defaultRules())))
	return nil
}
