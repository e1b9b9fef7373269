package reward

import (
	"context"
	"errors"
	"strings"
	"time"

	"smallbiznis-loyalty/pkg/config"
	"smallbiznis-loyalty/pkg/db"
	"smallbiznis-loyalty/pkg/db/option"
	"smallbiznis-loyalty/pkg/db/pagination"
	"smallbiznis-loyalty/pkg/errutil"
	"smallbiznis-loyalty/pkg/logger"
	"smallbiznis-loyalty/pkg/repository"
	"smallbiznis-loyalty/pkg/util"
	"smallbiznis-loyalty/services/audit"
	"smallbiznis-loyalty/services/loyalty"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultRedemptionExpiryDays = 30
	redemptionCodeLength        = 12
	maxInsertAttempts           = 5

	SourceRewardRedemption    = "reward_redemption"
	SourceRedemptionCancelled = "reward_cancellation"
)

type Service struct {
	db      *gorm.DB
	loyalty *loyalty.Service
	audit   *audit.Service
	node    *snowflake.Node
	now     func() time.Time
	newCode func() (string, error)

	redemptionTTL time.Duration

	reward     repository.Repository[Reward]
	redemption repository.Repository[RewardRedemption]
}

type ServiceParams struct {
	fx.In

	DB      *gorm.DB
	Loyalty *loyalty.Service
	Node    *snowflake.Node
	Config  *config.Config `optional:"true"`
	Audit   *audit.Service `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	days := defaultRedemptionExpiryDays
	if p.Config != nil && p.Config.Loyalty.RedemptionExpiryDays > 0 {
		days = p.Config.Loyalty.RedemptionExpiryDays
	}

	return &Service{
		db:            p.DB,
		loyalty:       p.Loyalty,
		audit:         p.Audit,
		node:          p.Node,
		now:           time.Now,
		newCode:       newRedemptionCode,
		redemptionTTL: time.Duration(days) * 24 * time.Hour,
		reward:        repository.ProvideStore[Reward](p.DB),
		redemption:    repository.ProvideStore[RewardRedemption](p.DB),
	}
}

func newRedemptionCode() (string, error) {
	return util.RandomString(util.Alphanumeric, redemptionCodeLength)
}

func (s *Service) record(ctx context.Context, tx *gorm.DB, e audit.Entry) error {
	if s.audit == nil {
		return nil
	}
	return s.audit.Record(ctx, tx, e)
}

// GetRewards lists the catalog, featured first and then cheapest first.
func (s *Service) GetRewards(ctx context.Context, f RewardFilter) ([]*Reward, pagination.PageInfo, error) {
	page := pagination.Pagination{Limit: f.Limit, Offset: f.Offset}.Normalize(pagination.DefaultLimit, pagination.MaxLimit)

	opts := []option.QueryOption{}
	if f.BusinessID != "" {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "business_id", Operator: option.EQ, Value: f.BusinessID}))
	}
	if f.Category != "" {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "category", Operator: option.EQ, Value: f.Category}))
	}
	if f.IsActive != nil {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "is_active", Operator: option.EQ, Value: *f.IsActive}))
	}
	if f.IsFeatured != nil {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "is_featured", Operator: option.EQ, Value: *f.IsFeatured}))
	}
	if f.TierLevel != nil {
		opts = append(opts, option.Where("(tier_restriction IS NULL OR tier_restriction <= ?)", *f.TierLevel))
	}
	opts = append(opts,
		option.WithOrder("is_featured DESC"),
		option.WithOrder("points_cost ASC"),
		option.WithOrder("id ASC"),
		option.ApplyPagination(pagination.Pagination{Limit: page.Limit + 1, Offset: page.Offset}),
	)

	rewards, err := s.reward.Find(ctx, nil, opts...)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	rewards, info := pagination.BuildPageInfo(rewards, page)
	return rewards, info, nil
}

func (s *Service) GetReward(ctx context.Context, id snowflake.ID) (*Reward, error) {
	if id <= 0 {
		return nil, ErrRewardNotFound
	}
	r, err := s.reward.FindOne(ctx, &Reward{ID: id})
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrRewardNotFound
	}
	return r, nil
}

// RedeemReward buys rewardID for userID. Checks run in a fixed order under
// the account row lock; the stock decrement, the ledger debit, the redemption
// row and the counter bump commit or roll back together.
func (s *Service) RedeemReward(ctx context.Context, userID string, rewardID snowflake.ID) (*RewardRedemption, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, loyalty.ErrUserRequired
	}
	if rewardID <= 0 {
		return nil, ErrRewardNotFound
	}

	log := logger.FromContext(ctx, zap.String("user_id", userID), zap.String("reward_id", rewardID.String()))

	var out *RewardRedemption
	err := s.loyalty.Transaction(ctx, func(ledger *loyalty.Service) error {
		tx := ledger.DB()

		acct, err := ledger.LockAccount(ctx, userID)
		if err != nil {
			return err
		}

		rw, err := s.reward.WithTrx(tx).FindOne(ctx, &Reward{ID: rewardID})
		if err != nil {
			return err
		}
		if rw == nil {
			return ErrRewardNotFound
		}
		if !rw.IsActive {
			return ErrRewardInactive
		}
		if rw.StockQuantity != nil && *rw.StockQuantity <= 0 {
			return ErrOutOfStock
		}
		if acct == nil || acct.CurrentPoints < rw.PointsCost {
			return loyalty.ErrInsufficientPoints
		}
		if rw.TierRestriction != nil && acct.TierLevel < *rw.TierRestriction {
			return ErrTierTooLow
		}
		if rw.MaxRedemptionsPerUser != nil {
			var count int64
			err := tx.WithContext(ctx).Model(&RewardRedemption{}).
				Where("user_id = ? AND reward_id = ? AND status <> ?", userID, rw.ID, Cancelled).
				Count(&count).Error
			if err != nil {
				return err
			}
			if count >= int64(*rw.MaxRedemptionsPerUser) {
				return ErrRedemptionLimitReached
			}
		}

		now := s.now().UTC()
		if rw.StockQuantity != nil {
			res := tx.WithContext(ctx).Model(&Reward{}).
				Where("id = ? AND stock_quantity > 0", rw.ID).
				Updates(map[string]any{
					"stock_quantity": gorm.Expr("stock_quantity - 1"),
					"updated_at":     now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrOutOfStock
			}
			left := *rw.StockQuantity - 1
			rw.StockQuantity = &left
		}

		entry, err := ledger.RedeemPoints(ctx, loyalty.RedeemParams{
			UserID:      userID,
			Points:      rw.PointsCost,
			Source:      SourceRewardRedemption,
			SourceID:    rw.ID.String(),
			Description: "Redeemed " + rw.Name,
			Metadata:    map[string]any{"reward_id": rw.ID.String()},
		})
		if err != nil {
			return err
		}

		red := &RewardRedemption{
			ID:            s.node.Generate(),
			UserID:        userID,
			RewardID:      rw.ID,
			TransactionID: entry.ID,
			PointsSpent:   rw.PointsCost,
			Status:        Pending,
			ExpiresAt:     now.Add(s.redemptionTTL),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.insertRedemption(ctx, tx, red); err != nil {
			return err
		}

		err = tx.WithContext(ctx).Model(&Reward{}).
			Where("id = ?", rw.ID).
			Update("redemption_count", gorm.Expr("redemption_count + 1")).Error
		if err != nil {
			return err
		}
		rw.RedemptionCount++

		if err := s.record(ctx, tx, audit.Entry{
			ActorType:  audit.ActorUser,
			ActorID:    userID,
			Action:     "reward.redeemed",
			TargetType: "reward_redemption",
			TargetID:   red.ID.String(),
			Metadata: map[string]any{
				"reward_id":       rw.ID.String(),
				"points_spent":    rw.PointsCost,
				"transaction_id":  entry.ID.String(),
				"redemption_code": red.RedemptionCode,
			},
		}); err != nil {
			return err
		}

		red.Reward = rw
		out = red
		return nil
	})
	redemptions.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		var be errutil.BaseError
		if errors.As(err, &be) {
			log.Info("reward redemption rejected", zap.String("reason", be.Reason))
		} else {
			log.Error("failed to redeem reward", zap.Error(err))
		}
		return nil, err
	}

	log.Info("reward redeemed", zap.String("redemption_id", out.ID.String()), zap.Int64("points_spent", out.PointsSpent))
	return out, nil
}

// insertRedemption draws a fresh code per attempt. Each insert runs in a
// savepoint so a code collision leaves tx usable.
func (s *Service) insertRedemption(ctx context.Context, tx *gorm.DB, red *RewardRedemption) error {
	for attempt := 1; attempt <= maxInsertAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return err
		}
		red.RedemptionCode = code

		err = tx.WithContext(ctx).Transaction(func(sp *gorm.DB) error {
			return s.redemption.WithTrx(sp).Create(ctx, red)
		})
		if err == nil {
			return nil
		}
		if !db.IsDuplicateKeyErr(err) {
			return err
		}
		logger.FromContext(ctx).Warn("redemption code collision, retrying", zap.Int("attempt", attempt))
	}
	return ErrRedemptionCodeExhausted
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// GetRedemptionByCode returns the redemption with its reward. It never
// changes state.
func (s *Service) GetRedemptionByCode(ctx context.Context, code string) (*RewardRedemption, error) {
	code = normalizeCode(code)
	if code == "" {
		return nil, ErrRedemptionNotFound
	}

	var red RewardRedemption
	err := s.db.WithContext(ctx).
		Joins("Reward").
		Where("reward_redemptions.redemption_code = ?", code).
		Take(&red).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRedemptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &red, nil
}

func (s *Service) ListUserRedemptions(ctx context.Context, userID string, f RedemptionFilter) ([]*RewardRedemption, pagination.PageInfo, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, pagination.PageInfo{}, loyalty.ErrUserRequired
	}
	page := pagination.Pagination{Limit: f.Limit, Offset: f.Offset}.Normalize(pagination.DefaultLimit, pagination.MaxLimit)

	query := &RewardRedemption{UserID: userID}
	if f.Status != "" {
		query.Status = f.Status
	}

	rows, err := s.redemption.Find(ctx, query,
		option.QueryOptionFunc(func(q *gorm.DB) *gorm.DB { return q.Preload("Reward") }),
		option.WithOrder("created_at DESC"),
		option.WithOrder("id DESC"),
		option.ApplyPagination(pagination.Pagination{Limit: page.Limit + 1, Offset: page.Offset}),
	)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	rows, info := pagination.BuildPageInfo(rows, page)
	return rows, info, nil
}

func (s *Service) lockRedemption(ctx context.Context, tx *gorm.DB, code string) (*RewardRedemption, error) {
	if code == "" {
		return nil, ErrRedemptionNotFound
	}
	red, err := s.redemption.WithTrx(tx).FindOne(ctx, &RewardRedemption{RedemptionCode: code}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if red == nil {
		return nil, ErrRedemptionNotFound
	}
	return red, nil
}

// transition moves red from pending to status. Zero rows means another
// caller got there first.
func (s *Service) transition(ctx context.Context, tx *gorm.DB, red *RewardRedemption, status RedemptionStatus, now time.Time) error {
	updates := map[string]any{
		"status":     status,
		"updated_at": now,
	}
	switch status {
	case Fulfilled:
		updates["fulfilled_at"] = now
	case Cancelled:
		updates["cancelled_at"] = now
	}

	res := tx.WithContext(ctx).Model(&RewardRedemption{}).
		Where("id = ? AND status = ?", red.ID, Pending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidRedemptionState
	}

	red.Status = status
	red.UpdatedAt = now
	switch status {
	case Fulfilled:
		red.FulfilledAt = &now
	case Cancelled:
		red.CancelledAt = &now
	}
	redemptionTransitions.WithLabelValues(string(status)).Inc()
	return nil
}

// FulfillRedemption marks a pending, unexpired redemption as handed over.
func (s *Service) FulfillRedemption(ctx context.Context, code string) (*RewardRedemption, error) {
	code = normalizeCode(code)

	var out *RewardRedemption
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		red, err := s.lockRedemption(ctx, tx, code)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		if red.Status != Pending || !now.Before(red.ExpiresAt) {
			return ErrInvalidRedemptionState.With(errutil.WithMessage("redemption is " + string(red.Status)))
		}
		if err := s.transition(ctx, tx, red, Fulfilled, now); err != nil {
			return err
		}

		if err := s.record(ctx, tx, audit.Entry{
			ActorType:  audit.ActorSystem,
			Action:     "redemption.fulfilled",
			TargetType: "reward_redemption",
			TargetID:   red.ID.String(),
			Metadata:   map[string]any{"user_id": red.UserID, "reward_id": red.RewardID.String()},
		}); err != nil {
			return err
		}
		out = red
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelRedemption voids a pending redemption, puts the item back in stock
// and credits the points back with a refunded ledger entry.
func (s *Service) CancelRedemption(ctx context.Context, code string) (*RewardRedemption, error) {
	code = normalizeCode(code)
	if code == "" {
		return nil, ErrRedemptionNotFound
	}

	peek, err := s.redemption.FindOne(ctx, &RewardRedemption{RedemptionCode: code})
	if err != nil {
		return nil, err
	}
	if peek == nil {
		return nil, ErrRedemptionNotFound
	}

	var out *RewardRedemption
	err = s.loyalty.Transaction(ctx, func(ledger *loyalty.Service) error {
		tx := ledger.DB()

		// account first, matching the lock order of RedeemReward
		if _, err := ledger.LockAccount(ctx, peek.UserID); err != nil {
			return err
		}
		red, err := s.lockRedemption(ctx, tx, code)
		if err != nil {
			return err
		}
		if red.Status != Pending {
			return ErrInvalidRedemptionState.With(errutil.WithMessage("redemption is " + string(red.Status)))
		}

		now := s.now().UTC()
		if err := s.transition(ctx, tx, red, Cancelled, now); err != nil {
			return err
		}

		err = tx.WithContext(ctx).Model(&Reward{}).
			Where("id = ? AND stock_quantity IS NOT NULL", red.RewardID).
			Updates(map[string]any{
				"stock_quantity": gorm.Expr("stock_quantity + 1"),
				"updated_at":     now,
			}).Error
		if err != nil {
			return err
		}

		if _, err := ledger.RefundPoints(ctx, loyalty.RefundParams{
			UserID:      red.UserID,
			Points:      red.PointsSpent,
			Source:      SourceRedemptionCancelled,
			SourceID:    red.ID.String(),
			Description: "Refund for cancelled redemption " + red.RedemptionCode,
			Metadata:    map[string]any{"reward_id": red.RewardID.String()},
		}); err != nil {
			return err
		}

		if err := s.record(ctx, tx, audit.Entry{
			ActorType:  audit.ActorSystem,
			Action:     "redemption.cancelled",
			TargetType: "reward_redemption",
			TargetID:   red.ID.String(),
			Metadata: map[string]any{
				"user_id":         red.UserID,
				"reward_id":       red.RewardID.String(),
				"points_refunded": red.PointsSpent,
			},
		}); err != nil {
			return err
		}
		out = red
		return nil
	})
	if err != nil {
		logger.FromContext(ctx, zap.String("redemption_code", code)).Warn("failed to cancel redemption", zap.Error(err))
		return nil, err
	}
	return out, nil
}

// ExpireRedemptions moves pending redemptions past their expiry to expired
// and returns how many changed. Points are not returned.
func (s *Service) ExpireRedemptions(ctx context.Context) (int64, error) {
	now := s.now().UTC()

	var expired int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&RewardRedemption{}).
			Where("status = ? AND expires_at <= ?", Pending, now).
			Updates(map[string]any{
				"status":     Expired,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		expired = res.RowsAffected
		if expired == 0 {
			return nil
		}

		redemptionTransitions.WithLabelValues(string(Expired)).Add(float64(expired))
		return s.record(ctx, tx, audit.Entry{
			ActorType:  audit.ActorSystem,
			Action:     "redemption.expired",
			TargetType: "reward_redemption",
			Metadata:   map[string]any{"count": expired, "cutoff": now.Format(time.RFC3339)},
		})
	})
	if err != nil {
		logger.FromContext(ctx).Error("failed to expire redemptions", zap.Error(err))
		return 0, err
	}
	if expired > 0 {
		logger.FromContext(ctx).Info("expired redemptions", zap.Int64("count", expired))
	}
	return expired, nil
}

func ValidateReward(r *Reward) error {
	var details []errutil.Detail
	if strings.TrimSpace(r.Name) == "" {
		details = append(details, errutil.Detail{Field: "name", Message: "name is required"})
	}
	if r.PointsCost <= 0 {
		details = append(details, errutil.Detail{Field: "points_cost", Message: "must be positive"})
	}
	if r.StockQuantity != nil && *r.StockQuantity < 0 {
		details = append(details, errutil.Detail{Field: "stock_quantity", Message: "must not be negative"})
	}
	if r.TierRestriction != nil && *r.TierRestriction < 1 {
		details = append(details, errutil.Detail{Field: "tier_restriction", Message: "must be a tier level of 1 or more"})
	}
	if r.MaxRedemptionsPerUser != nil && *r.MaxRedemptionsPerUser < 1 {
		details = append(details, errutil.Detail{Field: "max_redemptions_per_user", Message: "must be at least 1"})
	}
	if len(details) > 0 {
		return ErrInvalidReward.With(errutil.WithDetails(details...))
	}
	return nil
}

// CreateReward adds a catalog item. The slug comes from Slug or Name and
// gets a random suffix when already taken.
func (s *Service) CreateReward(ctx context.Context, r *Reward) (*Reward, error) {
	if err := ValidateReward(r); err != nil {
		return nil, err
	}

	base := slug.Make(r.Slug)
	if base == "" {
		base = slug.Make(r.Name)
	}

	now := s.now().UTC()
	r.ID = s.node.Generate()
	r.RedemptionCount = 0
	r.CreatedAt = now
	r.UpdatedAt = now
	r.Slug = base

	for attempt := 1; attempt <= maxInsertAttempts; attempt++ {
		err := s.reward.Create(ctx, r)
		if err == nil {
			return r, nil
		}
		if !db.IsDuplicateKeyErr(err) {
			logger.FromContext(ctx).Error("failed to create reward", zap.Error(err))
			return nil, err
		}
		suffix, err := util.RandomString(util.Alphanumeric, 4)
		if err != nil {
			return nil, err
		}
		r.Slug = base + "-" + strings.ToLower(suffix)
	}
	return nil, ErrInvalidReward.With(errutil.WithMessage("slug already taken"))
}

var rewardUpdateColumns = []string{
	"business_id", "name", "description", "category", "image_url", "points_cost",
	"stock_quantity", "tier_restriction", "max_redemptions_per_user",
	"is_active", "is_featured", "updated_at",
}

// UpdateReward replaces the editable fields of reward id. Slug and the
// redemption counter are kept.
func (s *Service) UpdateReward(ctx context.Context, id snowflake.ID, r *Reward) (*Reward, error) {
	if err := ValidateReward(r); err != nil {
		return nil, err
	}
	r.ID = id
	r.UpdatedAt = s.now().UTC()

	res := s.db.WithContext(ctx).Model(&Reward{}).
		Where("id = ?", id).
		Select(rewardUpdateColumns).
		Updates(r)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrRewardNotFound
	}
	return s.GetReward(ctx, id)
}
