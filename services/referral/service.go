package referral

import (
	"context"
	"strings"
	"time"
	"unicode"

	"smallbiznis-loyalty/pkg/db"
	"smallbiznis-loyalty/pkg/db/option"
	"smallbiznis-loyalty/pkg/featureflags"
	"smallbiznis-loyalty/pkg/logger"
	"smallbiznis-loyalty/pkg/repository"
	"smallbiznis-loyalty/pkg/util"
	"smallbiznis-loyalty/services/audit"
	"smallbiznis-loyalty/services/loyalty"
	"smallbiznis-loyalty/services/rule"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	codePrefix        = "REF"
	codeUserChars     = 4
	codeRandomChars   = 6
	maxCodeAttempts   = 5
	defaultBoardLimit = 10
	maxBoardLimit     = 100
)

var transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "referral_transitions_total",
	Help: "Referral state transitions by destination status.",
}, []string{"status"})

func init() {
	prometheus.MustRegister(transitions)
}

type Service struct {
	db      *gorm.DB
	loyalty *loyalty.Service
	rules   *rule.Service
	flags   featureflags.FeatureFlag
	audit   *audit.Service
	node    *snowflake.Node
	now     func() time.Time
	suffix  func() (string, error)

	referral repository.Repository[Referral]
}

type ServiceParams struct {
	fx.In

	DB      *gorm.DB
	Loyalty *loyalty.Service
	Rules   *rule.Service
	Node    *snowflake.Node
	Flags   featureflags.FeatureFlag `optional:"true"`
	Audit   *audit.Service           `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		loyalty:  p.Loyalty,
		rules:    p.Rules,
		flags:    p.Flags,
		audit:    p.Audit,
		node:     p.Node,
		now:      time.Now,
		suffix:   func() (string, error) { return util.RandomString(util.Alphanumeric, codeRandomChars) },
		referral: repository.ProvideStore[Referral](p.DB),
	}
}

func (s *Service) record(ctx context.Context, tx *gorm.DB, e audit.Entry) error {
	if s.audit == nil {
		return nil
	}
	return s.audit.Record(ctx, tx, e)
}

// codeStem is the first four letters or digits of userID, upper-cased and
// padded with X.
func codeStem(userID string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(userID) {
		if b.Len() == codeUserChars {
			break
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	for b.Len() < codeUserChars {
		b.WriteByte('X')
	}
	return b.String()
}

func (s *Service) enabled(ctx context.Context, userID string) error {
	if s.flags == nil {
		return nil
	}
	on, err := s.flags.IsEnabled(ctx, userID, featureflags.ReferralProgram)
	if err != nil {
		return err
	}
	if !on {
		return ErrReferralProgramDisabled
	}
	return nil
}

// GenerateReferralCode returns the user's referral, creating it in pending
// state on first call.
func (s *Service) GenerateReferralCode(ctx context.Context, userID string) (*Referral, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, loyalty.ErrUserRequired
	}
	if err := s.enabled(ctx, userID); err != nil {
		return nil, err
	}

	existing, err := s.referral.FindOne(ctx, &Referral{ReferrerID: userID})
	if err != nil || existing != nil {
		return existing, err
	}

	now := s.now().UTC()
	ref := &Referral{
		ID:         s.node.Generate(),
		ReferrerID: userID,
		Status:     Pending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	stem := codeStem(userID)

	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		suffix, err := s.suffix()
		if err != nil {
			return nil, err
		}
		ref.ReferralCode = codePrefix + stem + suffix

		err = s.referral.Create(ctx, ref)
		if err == nil {
			logger.FromContext(ctx, zap.String("user_id", userID)).Info("referral code generated", zap.String("code", ref.ReferralCode))
			return ref, nil
		}
		if !db.IsDuplicateKeyErr(err) {
			return nil, err
		}

		// a concurrent call may have enrolled the same referrer
		existing, err := s.referral.FindOne(ctx, &Referral{ReferrerID: userID})
		if err != nil || existing != nil {
			return existing, err
		}
	}
	return nil, ErrReferralCodeExhausted
}

// ProcessReferralSignup attaches newUserID to the referral behind code and
// pays the referral_signup bonus to the new user. A code is single use.
func (s *Service) ProcessReferralSignup(ctx context.Context, code, newUserID string) (*Referral, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	newUserID = strings.TrimSpace(newUserID)
	if newUserID == "" {
		return nil, loyalty.ErrUserRequired
	}
	if code == "" {
		return nil, ErrInvalidReferralCode
	}

	log := logger.FromContext(ctx, zap.String("referral_code", code), zap.String("referee_id", newUserID))

	var out *Referral
	err := s.loyalty.Transaction(ctx, func(ledger *loyalty.Service) error {
		tx := ledger.DB()

		ref, err := s.referral.WithTrx(tx).FindOne(ctx, &Referral{ReferralCode: code}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if ref == nil {
			return ErrInvalidReferralCode
		}
		if ref.RefereeID != nil {
			return ErrReferralAlreadyUsed
		}
		if ref.ReferrerID == newUserID {
			return ErrSelfReferral
		}

		now := s.now().UTC()
		res := tx.WithContext(ctx).Model(&Referral{}).
			Where("id = ? AND referee_id IS NULL AND status = ?", ref.ID, Pending).
			Updates(map[string]any{
				"referee_id":   newUserID,
				"status":       SignedUp,
				"signed_up_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			// the new user was already referred through another code
			if db.IsDuplicateKeyErr(res.Error) {
				return ErrReferralAlreadyUsed
			}
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrReferralAlreadyUsed
		}
		ref.RefereeID = &newUserID
		ref.Status = SignedUp
		ref.SignedUpAt = &now
		ref.UpdatedAt = now

		bonus, err := s.rules.WithLedger(ledger).AwardPointsForEvent(ctx, rule.EventInput{
			UserID:     newUserID,
			EventType:  rule.EventReferralSignup,
			SourceID:   ref.ID.String(),
			Attributes: map[string]any{"referrer_id": ref.ReferrerID},
		})
		if err != nil {
			return err
		}

		metadata := map[string]any{"referrer_id": ref.ReferrerID, "referee_id": newUserID}
		if bonus != nil {
			metadata["referee_bonus"] = bonus.Points
		}
		if err := s.record(ctx, tx, audit.Entry{
			ActorType:  audit.ActorUser,
			ActorID:    newUserID,
			Action:     "referral.signed_up",
			TargetType: "referral",
			TargetID:   ref.ID.String(),
			Metadata:   metadata,
		}); err != nil {
			return err
		}

		out = ref
		return nil
	})
	if err != nil {
		log.Info("referral signup rejected", zap.Error(err))
		return nil, err
	}

	transitions.WithLabelValues(string(SignedUp)).Inc()
	log.Info("referral signed up", zap.String("referrer_id", out.ReferrerID))
	return out, nil
}

// ProcessReferralCompletion closes the signed-up referral of refereeID and
// pays referral_complete to both sides. It returns nil, nil when there is
// nothing to complete, so repeated calls pay at most once.
func (s *Service) ProcessReferralCompletion(ctx context.Context, refereeID string) (*Referral, error) {
	refereeID = strings.TrimSpace(refereeID)
	if refereeID == "" {
		return nil, loyalty.ErrUserRequired
	}

	log := logger.FromContext(ctx, zap.String("referee_id", refereeID))

	var out *Referral
	err := s.loyalty.Transaction(ctx, func(ledger *loyalty.Service) error {
		tx := ledger.DB()

		ref, err := s.referral.WithTrx(tx).FindOne(ctx,
			&Referral{RefereeID: &refereeID, Status: SignedUp},
			option.WithLockingUpdate())
		if err != nil || ref == nil {
			return err
		}

		now := s.now().UTC()
		res := tx.WithContext(ctx).Model(&Referral{}).
			Where("id = ? AND status = ?", ref.ID, SignedUp).
			Updates(map[string]any{
				"status":                    Completed,
				"completed_at":              now,
				"referee_first_purchase_at": now,
				"updated_at":                now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		ref.Status = Completed
		ref.CompletedAt = &now
		ref.RefereeFirstPurchaseAt = &now
		ref.UpdatedAt = now

		rules := s.rules.WithLedger(ledger)
		referrerBonus, err := rules.AwardPointsForEvent(ctx, rule.EventInput{
			UserID:     ref.ReferrerID,
			EventType:  rule.EventReferralComplete,
			SourceID:   ref.ID.String(),
			Attributes: map[string]any{"role": "referrer", "referee_id": refereeID},
		})
		if err != nil {
			return err
		}
		refereeBonus, err := rules.AwardPointsForEvent(ctx, rule.EventInput{
			UserID:     refereeID,
			EventType:  rule.EventReferralComplete,
			SourceID:   ref.ID.String(),
			Attributes: map[string]any{"role": "referee", "referrer_id": ref.ReferrerID},
		})
		if err != nil {
			return err
		}

		metadata := map[string]any{"referrer_id": ref.ReferrerID, "referee_id": refereeID}
		if referrerBonus != nil {
			err := tx.WithContext(ctx).Model(&Referral{}).
				Where("id = ?", ref.ID).
				Update("referrer_reward_points", gorm.Expr("referrer_reward_points + ?", referrerBonus.Points)).Error
			if err != nil {
				return err
			}
			ref.ReferrerRewardPoints += referrerBonus.Points
			metadata["referrer_bonus"] = referrerBonus.Points
		}
		if refereeBonus != nil {
			metadata["referee_bonus"] = refereeBonus.Points
		}

		if err := s.record(ctx, tx, audit.Entry{
			ActorType:  audit.ActorSystem,
			Action:     "referral.completed",
			TargetType: "referral",
			TargetID:   ref.ID.String(),
			Metadata:   metadata,
		}); err != nil {
			return err
		}

		out = ref
		return nil
	})
	if err != nil {
		log.Error("failed to complete referral", zap.Error(err))
		return nil, err
	}
	if out == nil {
		log.Debug("no signed up referral to complete")
		return nil, nil
	}

	transitions.WithLabelValues(string(Completed)).Inc()
	log.Info("referral completed", zap.String("referrer_id", out.ReferrerID), zap.Int64("referrer_points", out.ReferrerRewardPoints))
	return out, nil
}

func (s *Service) GetReferralStats(ctx context.Context, userID string) (*Stats, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, loyalty.ErrUserRequired
	}

	stats := &Stats{UserID: userID}
	err := s.db.WithContext(ctx).Model(&Referral{}).
		Select(`COUNT(referee_id) AS total_referrals,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS signed_up_referrals,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS completed_referrals,
			COALESCE(SUM(referrer_reward_points), 0) AS total_points_earned`, SignedUp, Completed).
		Where("referrer_id = ?", userID).
		Scan(stats).Error
	if err != nil {
		return nil, err
	}

	ref, err := s.referral.FindOne(ctx, &Referral{ReferrerID: userID})
	if err != nil {
		return nil, err
	}
	if ref != nil {
		stats.ReferralCode = ref.ReferralCode
	}
	stats.UserID = userID
	return stats, nil
}

// GetReferralLeaderboard ranks referrers by completed referrals.
func (s *Service) GetReferralLeaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = defaultBoardLimit
	}
	limit = min(limit, maxBoardLimit)

	var entries []LeaderboardEntry
	err := option.ApplyAll(s.db.WithContext(ctx).Model(&Referral{}),
		option.ApplyOperator(option.Condition{Field: "status", Operator: option.EQ, Value: Completed}),
		option.WithOrder("completed_referrals DESC"),
		option.WithOrder("points_earned DESC"),
		option.WithOrder("referrer_id ASC"),
	).
		Select("referrer_id, COUNT(*) AS completed_referrals, COALESCE(SUM(referrer_reward_points), 0) AS points_earned").
		Group("referrer_id").
		Limit(limit).
		Scan(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
