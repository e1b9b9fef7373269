package loyalty

import (
	"context"
	"errors"
	"maps"
	"strings"
	"sync"
	"time"

	"smallbiznis-loyalty/pkg/config"
	"smallbiznis-loyalty/pkg/db"
	"smallbiznis-loyalty/pkg/db/option"
	"smallbiznis-loyalty/pkg/db/pagination"
	"smallbiznis-loyalty/pkg/logger"
	"smallbiznis-loyalty/pkg/middleware"
	"smallbiznis-loyalty/pkg/repository"
	"smallbiznis-loyalty/pkg/sequence"
	"smallbiznis-loyalty/services/audit"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultPointsExpiryDays   = 365
	defaultExpiringWindowDays = 30
	defaultTierCacheTTL       = 5 * time.Minute
	maxCodeAttempts           = 3
)

// Notifier receives tier upgrades after the awarding transaction commits.
// Delivery is fire-and-forget.
type Notifier interface {
	NotifyTierUpgraded(ctx context.Context, evt TierUpgraded) error
}

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	seq      sequence.Generator
	notifier Notifier
	audit    *audit.Service
	tiers    *TierCache
	now      func() time.Time

	pointsExpiry   time.Duration
	expiringWindow time.Duration

	// outbox collects upgrades raised inside a unit of work opened by
	// Transaction. nil means deliver as soon as the award returns.
	outbox *outbox

	account repository.Repository[LoyaltyAccount]
	ledger  repository.Repository[LoyaltyTransaction]
}

type ServiceParams struct {
	fx.In

	DB        *gorm.DB
	Node      *snowflake.Node
	Config    *config.Config     `optional:"true"`
	Generator sequence.Generator `optional:"true"`
	Notifier  Notifier           `optional:"true"`
	Audit     *audit.Service     `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	if p.Generator == nil {
		p.Generator = sequence.NewLocalGenerator()
	}

	expiryDays := defaultPointsExpiryDays
	windowDays := defaultExpiringWindowDays
	cacheTTL := defaultTierCacheTTL
	if p.Config != nil {
		l := p.Config.Loyalty
		if l.PointsExpiryDays > 0 {
			expiryDays = l.PointsExpiryDays
		}
		if l.ExpiringWindowDays > 0 {
			windowDays = l.ExpiringWindowDays
		}
		if l.TierCacheTTL > 0 {
			cacheTTL = l.TierCacheTTL
		}
	}

	return &Service{
		db:             p.DB,
		node:           p.Node,
		seq:            p.Generator,
		notifier:       p.Notifier,
		audit:          p.Audit,
		tiers:          NewTierCache(cacheTTL),
		now:            time.Now,
		pointsExpiry:   time.Duration(expiryDays) * 24 * time.Hour,
		expiringWindow: time.Duration(windowDays) * 24 * time.Hour,
		account:        repository.ProvideStore[LoyaltyAccount](p.DB),
		ledger:         repository.ProvideStore[LoyaltyTransaction](p.DB),
	}
}

type outbox struct {
	mu     sync.Mutex
	events []TierUpgraded
}

func (o *outbox) add(evt TierUpgraded) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, evt)
}

func (o *outbox) drain() []TierUpgraded {
	o.mu.Lock()
	defer o.mu.Unlock()
	events := o.events
	o.events = nil
	return events
}

func (s *Service) bind(tx *gorm.DB, ob *outbox) *Service {
	c := *s
	c.db = tx
	c.outbox = ob
	c.account = s.account.WithTrx(tx)
	c.ledger = s.ledger.WithTrx(tx)
	return &c
}

// WithTrx returns a service whose reads and writes go through tx. Tier
// upgrade notifications from a bound service are sent when each award
// returns, before tx commits; use Transaction to defer them until commit.
func (s *Service) WithTrx(tx *gorm.DB) *Service {
	return s.bind(tx, nil)
}

// DB is the connection or transaction the service is bound to.
func (s *Service) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn in one unit of work. Nested calls become savepoints
// of the enclosing transaction. Tier upgrades raised inside fn are delivered
// once the outermost Transaction commits.
func (s *Service) Transaction(ctx context.Context, fn func(svc *Service) error) error {
	if s.outbox != nil {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(s.bind(tx, s.outbox))
		})
	}

	ob := &outbox{}
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.bind(tx, ob))
	}); err != nil {
		return err
	}
	s.deliver(ctx, ob.drain())
	return nil
}

func (s *Service) deliver(ctx context.Context, events []TierUpgraded) {
	if s.notifier == nil {
		return
	}
	for _, evt := range events {
		if err := s.notifier.NotifyTierUpgraded(ctx, evt); err != nil {
			logger.FromContext(ctx).Warn("failed to notify tier upgrade",
				zap.String("user_id", evt.UserID),
				zap.Int("to_level", evt.ToLevel),
				zap.Error(err))
		}
	}
}

func (s *Service) findAccount(ctx context.Context, userID string, lock bool) (*LoyaltyAccount, error) {
	if userID == "" {
		return nil, nil
	}
	opts := []option.QueryOption{}
	if lock {
		opts = append(opts, option.WithLockingUpdate())
	}
	return s.account.FindOne(ctx, &LoyaltyAccount{UserID: userID}, opts...)
}

// createAccount inserts a fresh account in a savepoint so a concurrent
// enrolment losing the unique race leaves the caller's transaction usable.
func (s *Service) createAccount(ctx context.Context, userID string) error {
	tiers, err := s.tiers.Load(ctx, s.db)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	acct := &LoyaltyAccount{
		ID:        s.node.Generate(),
		UserID:    userID,
		TierLevel: 1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if base := tierForLevel(tiers, 1); base != nil {
		acct.TierID = base.ID
		acct.TierName = base.Name
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.account.WithTrx(tx).Create(ctx, acct)
	})
	if err != nil && !db.IsDuplicateKeyErr(err) {
		return err
	}
	return nil
}

// GetOrCreateAccount returns the account for userID, enrolling it at tier
// level 1 with no points when missing.
func (s *Service) GetOrCreateAccount(ctx context.Context, userID string) (*LoyaltyAccount, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrUserRequired
	}

	acct, err := s.findAccount(ctx, userID, false)
	if err != nil || acct != nil {
		return acct, err
	}

	if err := s.createAccount(ctx, userID); err != nil {
		logger.FromContext(ctx, zap.String("user_id", userID)).Error("failed to create loyalty account", zap.Error(err))
		return nil, err
	}
	return s.findAccount(ctx, userID, false)
}

func (s *Service) GetAccount(ctx context.Context, userID string) (*LoyaltyAccount, error) {
	acct, err := s.findAccount(ctx, userID, false)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, ErrAccountNotFound
	}
	return acct, nil
}

// LockAccount reads the account FOR UPDATE on the bound transaction. It
// returns nil, nil when the user has no account.
func (s *Service) LockAccount(ctx context.Context, userID string) (*LoyaltyAccount, error) {
	return s.findAccount(ctx, strings.TrimSpace(userID), true)
}

func (s *Service) lockOrCreateAccount(ctx context.Context, userID string) (*LoyaltyAccount, error) {
	acct, err := s.findAccount(ctx, userID, true)
	if err != nil || acct != nil {
		return acct, err
	}
	if err := s.createAccount(ctx, userID); err != nil {
		return nil, err
	}
	return s.findAccount(ctx, userID, true)
}

func (s *Service) lastEntry(ctx context.Context, userID string) (*LoyaltyTransaction, error) {
	return s.ledger.FindOne(ctx, &LoyaltyTransaction{UserID: userID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "sequence",
			OrderBy: "desc",
			Allow:   map[string]bool{"sequence": true},
		}))
}

type entryParams struct {
	Type        TransactionType
	Points      int64
	Source      string
	SourceID    string
	Description string
	Metadata    map[string]any
	ExpiresAt   *time.Time
}

// appendEntry chains a new ledger row after the user's last entry. The
// account must already carry the post-application balance and be locked.
func (s *Service) appendEntry(ctx context.Context, acct *LoyaltyAccount, p entryParams) (*LoyaltyTransaction, error) {
	last, err := s.lastEntry(ctx, acct.UserID)
	if err != nil {
		return nil, err
	}

	entry := &LoyaltyTransaction{
		ID:              s.node.Generate(),
		UserID:          acct.UserID,
		AccountID:       acct.ID,
		Sequence:        1,
		Type:            p.Type,
		Points:          p.Points,
		BalanceAfter:    acct.CurrentPoints,
		Source:          p.Source,
		SourceID:        p.SourceID,
		ExpiresAt:       p.ExpiresAt,
		Description:     p.Description,
		CreatedAt:       s.now().UTC().Truncate(time.Microsecond),
	}
	if len(p.Metadata) > 0 {
		entry.Metadata = datatypes.JSONMap(maps.Clone(p.Metadata))
	}
	if ch, ok := middleware.ChannelFromContext(ctx); ok {
		if entry.Metadata == nil {
			entry.Metadata = datatypes.JSONMap{}
		}
		entry.Metadata["channel"] = ch
	}
	if last != nil {
		entry.Sequence = last.Sequence + 1
		entry.PreviousHash = last.Hash
	}

	// A transaction code collision is retried with a fresh code. Each insert
	// runs in a savepoint so the enclosing transaction stays usable.
	for attempt := 1; ; attempt++ {
		code, err := s.seq.NextTransactionCode(ctx)
		if err != nil {
			return nil, err
		}
		entry.TransactionCode = code
		entry.Hash = entry.GenerateHash()

		err = s.db.WithContext(ctx).Transaction(func(sp *gorm.DB) error {
			return s.ledger.WithTrx(sp).Create(ctx, entry)
		})
		if err == nil {
			return entry, nil
		}
		if !db.IsDuplicateKeyErr(err) || attempt == maxCodeAttempts {
			return nil, err
		}
		logger.FromContext(ctx).Warn("transaction code collision, retrying",
			zap.String("transaction_code", code),
			zap.Int("attempt", attempt))
	}
}

func (s *Service) saveBalances(ctx context.Context, acct *LoyaltyAccount) error {
	return s.db.WithContext(ctx).Model(&LoyaltyAccount{}).
		Where("id = ?", acct.ID).
		Updates(map[string]any{
			"current_points":   acct.CurrentPoints,
			"lifetime_points":  acct.LifetimePoints,
			"last_activity_at": acct.LastActivityAt,
			"updated_at":       acct.UpdatedAt,
		}).Error
}

// AwardPoints credits an earned entry, creating the account on first use,
// and then runs tier promotion for the account.
func (s *Service) AwardPoints(ctx context.Context, p AwardParams) (*LoyaltyTransaction, error) {
	if p.Points <= 0 {
		return nil, ErrInvalidPoints
	}
	if strings.TrimSpace(p.UserID) == "" {
		return nil, ErrUserRequired
	}

	log := logger.FromContext(ctx, zap.String("user_id", p.UserID), zap.String("source", p.Source))

	var entry *LoyaltyTransaction
	var upgrade *TierUpgraded
	apply := func(svc *Service) error {
		acct, err := svc.lockOrCreateAccount(ctx, p.UserID)
		if err != nil {
			return err
		}

		now := svc.now().UTC()
		expiresAt := now.Add(svc.pointsExpiry)
		acct.CurrentPoints += p.Points
		acct.LifetimePoints += p.Points
		acct.LastActivityAt = &now
		acct.UpdatedAt = now

		if err := svc.saveBalances(ctx, acct); err != nil {
			return err
		}

		entry, err = svc.appendEntry(ctx, acct, entryParams{
			Type:        Earned,
			Points:      p.Points,
			Source:      p.Source,
			SourceID:    p.SourceID,
			Description: p.Description,
			Metadata:    p.Metadata,
			ExpiresAt:   &expiresAt,
		})
		if err != nil {
			return err
		}

		upgrade = svc.evaluateBestEffort(ctx, acct)
		if upgrade != nil && svc.outbox != nil {
			svc.outbox.add(*upgrade)
			upgrade = nil
		}
		return nil
	}

	if s.outbox != nil {
		err := s.Transaction(ctx, apply)
		if err != nil {
			log.Error("failed to award points", zap.Error(err))
			return nil, err
		}
	} else {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return apply(s.bind(tx, nil))
		})
		if err != nil {
			log.Error("failed to award points", zap.Error(err))
			return nil, err
		}
		if upgrade != nil {
			s.deliver(ctx, []TierUpgraded{*upgrade})
		}
	}

	pointsAwarded.WithLabelValues(p.Source).Add(float64(p.Points))
	log.Info("points awarded", zap.Int64("points", p.Points), zap.Int64("balance_after", entry.BalanceAfter))
	return entry, nil
}

// RedeemPoints debits the spendable balance. Lifetime points are untouched.
func (s *Service) RedeemPoints(ctx context.Context, p RedeemParams) (*LoyaltyTransaction, error) {
	if p.Points <= 0 {
		return nil, ErrInvalidPoints
	}

	log := logger.FromContext(ctx, zap.String("user_id", p.UserID), zap.String("source", p.Source))

	var entry *LoyaltyTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		svc := s.bind(tx, s.outbox)

		acct, err := svc.findAccount(ctx, p.UserID, true)
		if err != nil {
			return err
		}
		if acct == nil {
			return ErrAccountNotFound
		}
		if acct.CurrentPoints < p.Points {
			return ErrInsufficientPoints
		}

		now := svc.now().UTC()
		acct.CurrentPoints -= p.Points
		acct.LastActivityAt = &now
		acct.UpdatedAt = now
		if err := svc.saveBalances(ctx, acct); err != nil {
			return err
		}

		entry, err = svc.appendEntry(ctx, acct, entryParams{
			Type:        Redeemed,
			Points:      -p.Points,
			Source:      p.Source,
			SourceID:    p.SourceID,
			Description: p.Description,
			Metadata:    p.Metadata,
		})
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrInsufficientPoints) && !errors.Is(err, ErrAccountNotFound) {
			log.Error("failed to redeem points", zap.Error(err))
		}
		return nil, err
	}

	pointsRedeemed.WithLabelValues(p.Source).Add(float64(p.Points))
	log.Info("points redeemed", zap.Int64("points", p.Points), zap.Int64("balance_after", entry.BalanceAfter))
	return entry, nil
}

// RefundPoints credits back points of a reversed debit. It raises the
// balance only and never triggers tier promotion.
func (s *Service) RefundPoints(ctx context.Context, p RefundParams) (*LoyaltyTransaction, error) {
	if p.Points <= 0 {
		return nil, ErrInvalidPoints
	}

	var entry *LoyaltyTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		svc := s.bind(tx, s.outbox)

		acct, err := svc.findAccount(ctx, p.UserID, true)
		if err != nil {
			return err
		}
		if acct == nil {
			return ErrAccountNotFound
		}

		now := svc.now().UTC()
		acct.CurrentPoints += p.Points
		acct.LastActivityAt = &now
		acct.UpdatedAt = now
		if err := svc.saveBalances(ctx, acct); err != nil {
			return err
		}

		entry, err = svc.appendEntry(ctx, acct, entryParams{
			Type:        Refunded,
			Points:      p.Points,
			Source:      p.Source,
			SourceID:    p.SourceID,
			Description: p.Description,
			Metadata:    p.Metadata,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Service) GetTransactions(ctx context.Context, userID string, f TransactionFilter) ([]*LoyaltyTransaction, pagination.PageInfo, error) {
	if userID == "" {
		return nil, pagination.PageInfo{}, ErrUserRequired
	}
	page := pagination.Pagination{Limit: f.Limit, Offset: f.Offset}.Normalize(pagination.DefaultLimit, pagination.MaxLimit)

	query := &LoyaltyTransaction{UserID: userID}
	if f.Type != "" {
		query.Type = f.Type
	}

	entries, err := s.ledger.Find(ctx, query,
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "sequence",
			OrderBy: "desc",
			Allow:   map[string]bool{"sequence": true},
		}),
		option.ApplyPagination(pagination.Pagination{Limit: page.Limit + 1, Offset: page.Offset}),
	)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}

	entries, info := pagination.BuildPageInfo(entries, page)
	return entries, info, nil
}

func (s *Service) GetTransactionSummary(ctx context.Context, userID string) (*TransactionSummary, error) {
	acct, err := s.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var expiring int64
	err = option.ApplyAll(s.db.WithContext(ctx).Model(&LoyaltyTransaction{}),
		option.ApplyOperator(option.Condition{Field: "user_id", Operator: option.EQ, Value: userID}),
		option.ApplyOperator(option.Condition{Field: "type", Operator: option.EQ, Value: Earned}),
		option.ApplyOperator(option.Condition{Field: "is_expired", Operator: option.EQ, Value: false}),
		option.ApplyOperator(option.Condition{Field: "expires_at", Operator: option.GTE, Value: now}),
		option.ApplyOperator(option.Condition{Field: "expires_at", Operator: option.LTE, Value: now.Add(s.expiringWindow)}),
	).Select("COALESCE(SUM(points), 0)").Scan(&expiring).Error
	if err != nil {
		return nil, err
	}

	return &TransactionSummary{
		TotalEarned:            acct.LifetimePoints,
		TotalSpent:             acct.LifetimePoints - acct.CurrentPoints,
		PointsExpiringIn30Days: expiring,
	}, nil
}

// VerifyLedger replays the user's ledger in sequence order, checking the
// hash chain and running balances against the cached account.
func (s *Service) VerifyLedger(ctx context.Context, userID string) (*LedgerReport, error) {
	acct, err := s.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	entries, err := s.ledger.Find(ctx, &LoyaltyTransaction{UserID: userID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "sequence",
			OrderBy: "asc",
			Allow:   map[string]bool{"sequence": true},
		}))
	if err != nil {
		return nil, err
	}

	report := &LedgerReport{
		UserID:          userID,
		Entries:         len(entries),
		ChainValid:      true,
		AccountBalance:  acct.CurrentPoints,
		AccountLifetime: acct.LifetimePoints,
	}

	prevHash := ""
	var expectedSeq int64 = 1
	for _, e := range entries {
		report.ReplayedBalance += e.Points
		if e.Type == Earned {
			report.ReplayedLifetime += e.Points
		}

		broken := e.Sequence != expectedSeq ||
			e.PreviousHash != prevHash ||
			e.Hash != e.GenerateHash() ||
			e.BalanceAfter != report.ReplayedBalance
		if broken && report.ChainValid {
			seq := e.Sequence
			report.ChainValid = false
			report.BrokenAtSequence = &seq
		}

		prevHash = e.Hash
		expectedSeq = e.Sequence + 1
	}

	report.Consistent = report.ChainValid &&
		report.ReplayedBalance == report.AccountBalance &&
		report.ReplayedLifetime == report.AccountLifetime

	if !report.Consistent {
		logger.FromContext(ctx, zap.String("user_id", userID)).Warn("ledger verification failed",
			zap.Bool("chain_valid", report.ChainValid),
			zap.Int64("replayed_balance", report.ReplayedBalance),
			zap.Int64("account_balance", report.AccountBalance))
	}
	return report, nil
}
