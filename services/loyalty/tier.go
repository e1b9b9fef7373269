package loyalty

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"smallbiznis-loyalty/pkg/errutil"
	"smallbiznis-loyalty/pkg/logger"
	"smallbiznis-loyalty/services/audit"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func tierForLevel(tiers []*LoyaltyTier, level int) *LoyaltyTier {
	for _, t := range tiers {
		if t.Level == level {
			return t
		}
	}
	return nil
}

// qualifyingTier is the highest tier whose threshold is covered by lifetime.
// tiers must be sorted by level ascending.
func qualifyingTier(tiers []*LoyaltyTier, lifetime int64) *LoyaltyTier {
	var best *LoyaltyTier
	for _, t := range tiers {
		if t.PointsRequired <= lifetime {
			best = t
		}
	}
	return best
}

// evaluateBestEffort runs promotion in a savepoint. A failure is logged and
// rolled back without failing the surrounding award.
func (s *Service) evaluateBestEffort(ctx context.Context, acct *LoyaltyAccount) *TierUpgraded {
	from := acct.TierLevel

	var (
		upgraded bool
		tier     *LoyaltyTier
	)
	err := s.db.WithContext(ctx).Transaction(func(sp *gorm.DB) error {
		var err error
		upgraded, tier, err = s.EvaluatePromotion(ctx, sp, acct)
		return err
	})
	if err != nil {
		logger.FromContext(ctx, zap.String("user_id", acct.UserID)).Warn("tier evaluation failed, award kept", zap.Error(err))
		return nil
	}
	if !upgraded {
		return nil
	}

	tierUpgrades.WithLabelValues(tier.Name).Inc()
	return &TierUpgraded{
		UserID:         acct.UserID,
		AccountID:      acct.ID,
		FromLevel:      from,
		ToLevel:        tier.Level,
		TierName:       tier.Name,
		LifetimePoints: acct.LifetimePoints,
		OccurredAt:     s.now().UTC(),
	}
}

// EvaluatePromotion moves acct to the highest tier its lifetime points
// qualify for, within tx. It never lowers the tier.
func (s *Service) EvaluatePromotion(ctx context.Context, tx *gorm.DB, acct *LoyaltyAccount) (bool, *LoyaltyTier, error) {
	if tx == nil {
		tx = s.db
	}

	tiers, err := s.tiers.Load(ctx, tx)
	if err != nil {
		return false, nil, err
	}

	target := qualifyingTier(tiers, acct.LifetimePoints)
	if target == nil || target.Level <= acct.TierLevel {
		return false, nil, nil
	}

	res := tx.WithContext(ctx).Model(&LoyaltyAccount{}).
		Where("id = ? AND tier_level < ?", acct.ID, target.Level).
		Updates(map[string]any{
			"tier_id":    target.ID,
			"tier_name":  target.Name,
			"tier_level": target.Level,
			"updated_at": s.now().UTC(),
		})
	if res.Error != nil {
		return false, nil, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil, nil
	}

	if s.audit != nil {
		if err := s.audit.Record(ctx, tx, audit.Entry{
			ActorType:  audit.ActorSystem,
			Action:     "tier.upgraded",
			TargetType: "loyalty_account",
			TargetID:   acct.ID.String(),
			Metadata: map[string]any{
				"user_id":         acct.UserID,
				"from_level":      acct.TierLevel,
				"to_level":        target.Level,
				"tier_name":       target.Name,
				"lifetime_points": acct.LifetimePoints,
			},
		}); err != nil {
			return false, nil, err
		}
	}

	acct.TierID = target.ID
	acct.TierName = target.Name
	acct.TierLevel = target.Level
	return true, target, nil
}

func (s *Service) ListTiers(ctx context.Context) ([]*LoyaltyTier, error) {
	return s.tiers.Load(ctx, s.db)
}

func (s *Service) GetTierProgress(ctx context.Context, userID string) (*TierProgress, error) {
	acct, err := s.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	tiers, err := s.tiers.Load(ctx, s.db)
	if err != nil {
		return nil, err
	}

	progress := &TierProgress{LifetimePoints: acct.LifetimePoints}

	current := tierForLevel(tiers, acct.TierLevel)
	if current == nil {
		current = qualifyingTier(tiers, acct.LifetimePoints)
	}
	progress.CurrentTier = current

	for _, t := range tiers {
		if current == nil || t.Level > current.Level {
			progress.NextTier = t
			break
		}
	}

	if progress.NextTier == nil {
		progress.ProgressPercent = 100
		return progress, nil
	}

	next := progress.NextTier
	progress.PointsToNextTier = max(next.PointsRequired-acct.LifetimePoints, 0)

	var floor int64
	if current != nil {
		floor = current.PointsRequired
	}
	band := next.PointsRequired - floor
	if band <= 0 {
		progress.ProgressPercent = 100
		return progress, nil
	}
	pct := float64(acct.LifetimePoints-floor) / float64(band) * 100
	progress.ProgressPercent = min(max(pct, 0), 100)
	return progress, nil
}

// ValidateTiers checks the table shape: level 1 at threshold 0, unique
// levels, and thresholds strictly increasing with level.
func ValidateTiers(tiers []LoyaltyTier) error {
	if len(tiers) == 0 {
		return ErrInvalidTierTable.With(errutil.WithMessage("tier table must not be empty"))
	}

	sorted := make([]LoyaltyTier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Level < sorted[j].Level })

	var details []errutil.Detail
	if sorted[0].Level != 1 {
		details = append(details, errutil.Detail{Field: "level", Message: "lowest tier must be level 1"})
	}
	if sorted[0].PointsRequired != 0 {
		details = append(details, errutil.Detail{Field: "points_required", Message: "level 1 must require 0 points"})
	}
	for i, t := range sorted {
		if strings.TrimSpace(t.Name) == "" {
			details = append(details, errutil.Detail{Field: fmt.Sprintf("tiers[%d].name", t.Level), Message: "name is required"})
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		if t.Level == prev.Level {
			details = append(details, errutil.Detail{Field: fmt.Sprintf("tiers[%d].level", t.Level), Message: "duplicate level"})
		}
		if t.PointsRequired <= prev.PointsRequired {
			details = append(details, errutil.Detail{Field: fmt.Sprintf("tiers[%d].points_required", t.Level), Message: "must exceed the previous level"})
		}
	}

	if len(details) > 0 {
		return ErrInvalidTierTable.With(errutil.WithDetails(details...))
	}
	return nil
}

// UpsertTiers replaces the tier table, keyed by level. Accounts are not
// re-evaluated here; promotion happens on their next award.
func (s *Service) UpsertTiers(ctx context.Context, tiers []LoyaltyTier) ([]*LoyaltyTier, error) {
	if err := ValidateTiers(tiers); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	rows := make([]*LoyaltyTier, 0, len(tiers))
	for i := range tiers {
		t := tiers[i]
		if t.ID == 0 {
			t.ID = s.node.Generate()
		}
		if t.PointsMultiplier <= 0 {
			t.PointsMultiplier = 1
		}
		t.CreatedAt = now
		t.UpdatedAt = now
		rows = append(rows, &t)
	}

	levels := make([]int, 0, len(rows))
	for _, t := range rows {
		levels = append(levels, t.Level)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("level NOT IN ?", levels).Delete(&LoyaltyTier{}).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "level"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "points_required", "discount_percent", "points_multiplier", "benefits", "updated_at",
			}),
		}).Create(&rows).Error
	})
	if err != nil {
		logger.FromContext(ctx).Error("failed to upsert tiers", zap.Error(err))
		return nil, err
	}

	s.tiers.Invalidate()
	return s.ListTiers(ctx)
}
