package rule

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"smallbiznis-loyalty/pkg/celengine"
	"smallbiznis-loyalty/pkg/config"
	"smallbiznis-loyalty/pkg/db/pagination"
	"smallbiznis-loyalty/pkg/errutil"
	"smallbiznis-loyalty/pkg/logger"
	"smallbiznis-loyalty/services/loyalty"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultRuleCacheTTL = time.Minute
)

// Service is the rules engine: it turns events into point awards.
type Service struct {
	repo    Repository
	loyalty *loyalty.Service
	cel     *celengine.Engine
	cache   *RuleCache
	logger  *zap.Logger
	node    *snowflake.Node
	now     func() time.Time
}

// ServiceParams defines dependencies for Service construction.
type ServiceParams struct {
	fx.In

	Repository Repository
	Loyalty    *loyalty.Service
	Engine     *celengine.Engine `optional:"true"`
	Logger     *zap.Logger       `optional:"true"`
	Node       *snowflake.Node
	Config     *config.Config `optional:"true"`
}

// NewService constructs a new Service instance.
func NewService(p ServiceParams) *Service {
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if p.Repository == nil {
		panic("rule service requires repository dependency")
	}
	if p.Engine == nil {
		p.Engine = celengine.New()
	}
	ttl := defaultRuleCacheTTL
	if p.Config != nil && p.Config.Loyalty.RuleCacheTTL > 0 {
		ttl = p.Config.Loyalty.RuleCacheTTL
	}
	return &Service{
		repo:    p.Repository,
		loyalty: p.Loyalty,
		cel:     p.Engine,
		cache:   NewRuleCache(ttl),
		logger:  log.Named("rule.service"),
		node:    p.Node,
		now:     time.Now,
	}
}

// WithTrx binds rule reads and awards to tx.
func (s *Service) WithTrx(tx *gorm.DB) *Service {
	c := *s
	c.repo = s.repo.WithTrx(tx)
	c.loyalty = s.loyalty.WithTrx(tx)
	return &c
}

// WithLedger binds the engine to a ledger service already inside a unit of
// work opened by loyalty.Service.Transaction.
func (s *Service) WithLedger(ledger *loyalty.Service) *Service {
	c := *s
	c.repo = s.repo.WithTrx(ledger.DB())
	c.loyalty = ledger
	return &c
}

func (s *Service) activeRule(ctx context.Context, eventType string) (*LoyaltyRule, error) {
	rule, err := s.cache.Load(ctx, s.repo, eventType)
	if err != nil {
		return nil, err
	}
	if rule == nil || !rule.IsActive {
		return nil, nil
	}
	return rule, nil
}

func basePoints(rule *LoyaltyRule, amount float64) int64 {
	if rule == nil {
		return int64(math.Floor(amount))
	}
	switch rule.CalculationType {
	case Percentage:
		return int64(math.Floor(amount * rule.CalculationValue / 100))
	case Fixed:
		return rule.PointsAwarded
	default:
		return int64(math.Floor(amount))
	}
}

// CalculatePointsForPurchase prices an order in points without touching
// the ledger.
func (s *Service) CalculatePointsForPurchase(ctx context.Context, userID string, orderAmount float64) (int64, error) {
	if orderAmount < 0 || math.IsNaN(orderAmount) || math.IsInf(orderAmount, 0) {
		return 0, ErrInvalidOrderAmount
	}

	rule, err := s.activeRule(ctx, EventPurchase)
	if err != nil {
		return 0, err
	}

	points := basePoints(rule, orderAmount)
	if rule == nil {
		return points, nil
	}

	if len(rule.TierMultipliers) > 0 {
		acct, err := s.loyalty.GetAccount(ctx, userID)
		if err != nil && !errors.Is(err, loyalty.ErrAccountNotFound) {
			return 0, err
		}
		if acct != nil {
			points = int64(math.Floor(float64(points) * rule.TierMultipliers.For(acct.TierName)))
		}
	}

	if rule.MaxPoints != nil && points > *rule.MaxPoints {
		points = *rule.MaxPoints
	}
	return points, nil
}

// AwardPointsForPurchase prices an order and credits the result. A zero
// result awards nothing and returns nil.
func (s *Service) AwardPointsForPurchase(ctx context.Context, in PurchaseInput) (*loyalty.LoyaltyTransaction, error) {
	points, err := s.CalculatePointsForPurchase(ctx, in.UserID, in.OrderAmount)
	if err != nil {
		return nil, err
	}
	if points <= 0 {
		return nil, nil
	}

	description := "Points for purchase"
	if rule, _ := s.activeRule(ctx, EventPurchase); rule != nil && rule.Description != "" {
		description = rule.Description
	}

	return s.loyalty.AwardPoints(ctx, loyalty.AwardParams{
		UserID:      in.UserID,
		Points:      points,
		Source:      EventPurchase,
		SourceID:    in.OrderID,
		Description: description,
		Metadata:    map[string]any{"order_amount": in.OrderAmount},
	})
}

// AwardPointsForEvent credits the flat award of the event's rule. Events
// without an active rule, or whose condition does not hold, return nil, nil.
func (s *Service) AwardPointsForEvent(ctx context.Context, in EventInput) (*loyalty.LoyaltyTransaction, error) {
	log := logger.FromContext(ctx,
		zap.String("user_id", in.UserID),
		zap.String("event_type", in.EventType),
		zap.String("source_id", in.SourceID))

	rule, err := s.activeRule(ctx, in.EventType)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		log.Info("no active rule for event, skipping")
		return nil, nil
	}

	if rule.Condition != "" {
		ok, err := s.cel.Evaluate(rule.Condition, in.Attributes)
		if err != nil {
			log.Warn("rule condition could not be evaluated, skipping", zap.Error(err))
			return nil, nil
		}
		if !ok {
			log.Debug("rule condition not met")
			return nil, nil
		}
	}

	if rule.PointsAwarded <= 0 {
		log.Info("rule awards no points, skipping")
		return nil, nil
	}

	metadata := map[string]any{"rule_id": rule.ID.String()}
	for k, v := range in.Attributes {
		metadata[k] = v
	}

	return s.loyalty.AwardPoints(ctx, loyalty.AwardParams{
		UserID:      in.UserID,
		Points:      rule.PointsAwarded,
		Source:      in.EventType,
		SourceID:    in.SourceID,
		Description: rule.Description,
		Metadata:    metadata,
	})
}

// ValidateRule checks rule fields and parses its condition.
func ValidateRule(r *LoyaltyRule) error {
	var details []errutil.Detail
	if strings.TrimSpace(r.EventType) == "" {
		details = append(details, errutil.Detail{Field: "event_type", Message: "event_type is required"})
	}
	switch r.CalculationType {
	case Percentage:
		if r.CalculationValue <= 0 {
			details = append(details, errutil.Detail{Field: "calculation_value", Message: "percentage must be positive"})
		}
	case Fixed, PerCurrencyUnit:
	default:
		details = append(details, errutil.Detail{Field: "calculation_type", Message: "must be percentage, fixed or default"})
	}
	if r.PointsAwarded < 0 {
		details = append(details, errutil.Detail{Field: "points_awarded", Message: "must not be negative"})
	}
	if r.MaxPoints != nil && *r.MaxPoints < 0 {
		details = append(details, errutil.Detail{Field: "max_points", Message: "must not be negative"})
	}
	for name, m := range r.TierMultipliers {
		if m <= 0 {
			details = append(details, errutil.Detail{Field: "tier_multipliers." + name, Message: "must be positive"})
		}
	}
	if strings.TrimSpace(r.Condition) != "" {
		if err := celengine.Validate(r.Condition); err != nil {
			details = append(details, errutil.Detail{Field: "condition", Message: err.Error()})
		}
	}

	if len(details) > 0 {
		return ErrInvalidRule.With(errutil.WithDetails(details...))
	}
	return nil
}

// UpsertRule creates or replaces the rule for rule.EventType.
func (s *Service) UpsertRule(ctx context.Context, r *LoyaltyRule) (*LoyaltyRule, error) {
	if r.CalculationType == "" {
		r.CalculationType = PerCurrencyUnit
	}
	if err := ValidateRule(r); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if r.ID == 0 {
		r.ID = s.node.Generate()
	}
	r.CreatedAt = now
	r.UpdatedAt = now

	if err := s.repo.Upsert(ctx, r); err != nil {
		s.logger.Error("failed to upsert rule", zap.String("event_type", r.EventType), zap.Error(err))
		return nil, err
	}
	s.cache.Invalidate(r.EventType)
	return r, nil
}

func (s *Service) GetRule(ctx context.Context, eventType string) (*LoyaltyRule, error) {
	rule, err := s.repo.GetByEventType(ctx, eventType)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, ErrRuleNotFound
	}
	return rule, nil
}

func (s *Service) ListRules(ctx context.Context, params ListParams) ([]*LoyaltyRule, pagination.PageInfo, error) {
	page := params.Pagination.Normalize(pagination.DefaultLimit, pagination.MaxLimit)
	params.Pagination = pagination.Pagination{Limit: page.Limit + 1, Offset: page.Offset}

	rules, err := s.repo.List(ctx, params)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	rules, info := pagination.BuildPageInfo(rules, page)
	return rules, info, nil
}
