package referral

import (
	"context"
	"sync"
	"testing"

	"smallbiznis-loyalty/pkg/featureflags"
	"smallbiznis-loyalty/services/audit"
	"smallbiznis-loyalty/services/loyalty"
	"smallbiznis-loyalty/services/rule"
	"smallbiznis-loyalty/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	db        *gorm.DB
	loyalty   *loyalty.Service
	rules     *rule.Service
	referrals *Service
}

func newFixture(t *testing.T, flags featureflags.FeatureFlag) *fixture {
	t.Helper()

	models := append(loyalty.Models(), audit.Models()...)
	models = append(models, rule.Models()...)
	models = append(models, Models()...)
	db := testutil.NewTestDB(t, models...)
	node := testutil.NewNode(t)

	auditSvc := audit.NewService(audit.Params{DB: db, GenID: node})
	ls := loyalty.NewService(loyalty.ServiceParams{DB: db, Node: node, Audit: auditSvc})
	_, err := ls.UpsertTiers(context.Background(), []loyalty.LoyaltyTier{
		{Level: 1, Name: "Bronze", PointsRequired: 0},
		{Level: 2, Name: "Silver", PointsRequired: 500},
	})
	require.NoError(t, err)

	rs := rule.NewService(rule.ServiceParams{Repository: rule.NewRepository(db), Loyalty: ls, Node: node})
	svc := NewService(ServiceParams{DB: db, Loyalty: ls, Rules: rs, Node: node, Flags: flags, Audit: auditSvc})
	return &fixture{db: db, loyalty: ls, rules: rs, referrals: svc}
}

func (f *fixture) bonus(t *testing.T, eventType string, points int64) {
	t.Helper()
	_, err := f.rules.UpsertRule(context.Background(), &rule.LoyaltyRule{
		EventType:       eventType,
		CalculationType: rule.Fixed,
		PointsAwarded:   points,
		IsActive:        true,
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	acct, err := f.loyalty.GetAccount(context.Background(), userID)
	require.NoError(t, err)
	return acct.CurrentPoints
}

func TestCodeStem(t *testing.T) {
	require.Equal(t, "AB12", codeStem("ab12cd"))
	require.Equal(t, "USER", codeStem("user-42"))
	require.Equal(t, "A1XX", codeStem("a-1"))
	require.Equal(t, "XXXX", codeStem("---"))
}

func TestGenerateReferralCodeIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ref, err := f.referrals.GenerateReferralCode(ctx, "ab12cd")
	require.NoError(t, err)
	require.Regexp(t, `^REFAB12[A-Z0-9]{6}$`, ref.ReferralCode)
	require.Equal(t, Pending, ref.Status)

	again, err := f.referrals.GenerateReferralCode(ctx, "ab12cd")
	require.NoError(t, err)
	require.Equal(t, ref.ID, again.ID)
	require.Equal(t, ref.ReferralCode, again.ReferralCode)
}

func TestGenerateReferralCodeRetriesCollision(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	suffixes := []string{"AAAAAA", "AAAAAA", "BBBBBB"}
	f.referrals.suffix = func() (string, error) {
		s := suffixes[0]
		suffixes = suffixes[1:]
		return s, nil
	}

	first, err := f.referrals.GenerateReferralCode(ctx, "user-1")
	require.NoError(t, err)
	second, err := f.referrals.GenerateReferralCode(ctx, "user-2")
	require.NoError(t, err)
	require.Equal(t, "REFUSERAAAAAA", first.ReferralCode)
	require.Equal(t, "REFUSERBBBBBB", second.ReferralCode)
}

func TestGenerateReferralCodeFeatureGate(t *testing.T) {
	t.Run("off", func(t *testing.T) {
		f := newFixture(t, featureflags.Static{featureflags.ReferralProgram: false})
		_, err := f.referrals.GenerateReferralCode(context.Background(), "user-1")
		require.ErrorIs(t, err, ErrReferralProgramDisabled)
	})

	t.Run("on", func(t *testing.T) {
		f := newFixture(t, featureflags.Static{featureflags.ReferralProgram: true})
		_, err := f.referrals.GenerateReferralCode(context.Background(), "user-1")
		require.NoError(t, err)
	})
}

func TestProcessReferralSignup(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.bonus(t, rule.EventReferralSignup, 100)

	ref, err := f.referrals.GenerateReferralCode(ctx, "alice")
	require.NoError(t, err)

	signed, err := f.referrals.ProcessReferralSignup(ctx, ref.ReferralCode, "bob")
	require.NoError(t, err)
	require.Equal(t, SignedUp, signed.Status)
	require.Equal(t, "bob", *signed.RefereeID)
	require.NotNil(t, signed.SignedUpAt)
	require.Equal(t, int64(100), f.balance(t, "bob"))

	entries, _, err := f.loyalty.GetTransactions(ctx, "bob", loyalty.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, rule.EventReferralSignup, entries[0].Source)
	require.Equal(t, ref.ID.String(), entries[0].SourceID)

	// replay with the same code
	_, err = f.referrals.ProcessReferralSignup(ctx, ref.ReferralCode, "bob")
	require.ErrorIs(t, err, ErrReferralAlreadyUsed)
	_, err = f.referrals.ProcessReferralSignup(ctx, ref.ReferralCode, "carol")
	require.ErrorIs(t, err, ErrReferralAlreadyUsed)
	require.Equal(t, int64(100), f.balance(t, "bob"))
}

func TestProcessReferralSignupRejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.referrals.ProcessReferralSignup(ctx, "REFNOPE000000", "bob")
	require.ErrorIs(t, err, ErrInvalidReferralCode)

	ref, err := f.referrals.GenerateReferralCode(ctx, "alice")
	require.NoError(t, err)
	_, err = f.referrals.ProcessReferralSignup(ctx, ref.ReferralCode, "alice")
	require.ErrorIs(t, err, ErrSelfReferral)

	// a user can only be referred once
	other, err := f.referrals.GenerateReferralCode(ctx, "dave")
	require.NoError(t, err)
	_, err = f.referrals.ProcessReferralSignup(ctx, ref.ReferralCode, "bob")
	require.NoError(t, err)
	_, err = f.referrals.ProcessReferralSignup(ctx, other.ReferralCode, "bob")
	require.ErrorIs(t, err, ErrReferralAlreadyUsed)

	var stored Referral
	require.NoError(t, f.db.Where("id = ?", other.ID).Take(&stored).Error)
	require.Equal(t, Pending, stored.Status)
	require.Nil(t, stored.RefereeID)
}

func TestProcessReferralSignupWithoutRuleSkipsBonus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ref, err := f.referrals.GenerateReferralCode(ctx, "alice")
	require.NoError(t, err)
	signed, err := f.referrals.ProcessReferralSignup(ctx, ref.ReferralCode, "bob")
	require.NoError(t, err)
	require.Equal(t, SignedUp, signed.Status)

	_, err = f.loyalty.GetAccount(ctx, "bob")
	require.ErrorIs(t, err, loyalty.ErrAccountNotFound)
}

func TestProcessReferralCompletionPaysOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.bonus(t, rule.EventReferralComplete, 200)

	f.referrals.suffix = func() (string, error) { return "CD34EF", nil }
	ref, err := f.referrals.GenerateReferralCode(ctx, "ab12")
	require.NoError(t, err)
	require.Equal(t, "REFAB12CD34EF", ref.ReferralCode)

	_, err = f.referrals.ProcessReferralSignup(ctx, ref.ReferralCode, "newbie")
	require.NoError(t, err)

	done, err := f.referrals.ProcessReferralCompletion(ctx, "newbie")
	require.NoError(t, err)
	require.NotNil(t, done)
	require.Equal(t, Completed, done.Status)
	require.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.RefereeFirstPurchaseAt)
	require.Equal(t, int64(200), done.ReferrerRewardPoints)

	require.Equal(t, int64(200), f.balance(t, "ab12"))
	require.Equal(t, int64(200), f.balance(t, "newbie"))

	again, err := f.referrals.ProcessReferralCompletion(ctx, "newbie")
	require.NoError(t, err)
	require.Nil(t, again)
	require.Equal(t, int64(200), f.balance(t, "ab12"))
	require.Equal(t, int64(200), f.balance(t, "newbie"))

	var stored Referral
	require.NoError(t, f.db.Where("id = ?", ref.ID).Take(&stored).Error)
	require.Equal(t, int64(200), stored.ReferrerRewardPoints)
}

func TestProcessReferralCompletionConcurrent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.bonus(t, rule.EventReferralComplete, 50)

	ref, err := f.referrals.GenerateReferralCode(ctx, "alice")
	require.NoError(t, err)
	_, err = f.referrals.ProcessReferralSignup(ctx, ref.ReferralCode, "bob")
	require.NoError(t, err)

	results := make([]*Referral, 4)
	errs := make([]error, len(results))
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.referrals.ProcessReferralCompletion(ctx, "bob")
		}(i)
	}
	wg.Wait()

	var completed int
	for i, r := range results {
		require.NoError(t, errs[i])
		if r != nil {
			completed++
		}
	}
	require.Equal(t, 1, completed)
	require.Equal(t, int64(50), f.balance(t, "alice"))
	require.Equal(t, int64(50), f.balance(t, "bob"))
}

func TestProcessReferralCompletionForUnreferredUser(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	out, err := f.referrals.ProcessReferralCompletion(ctx, "stranger")
	require.NoError(t, err)
	require.Nil(t, out)

	// a pending referral cannot jump to completed
	_, err = f.referrals.GenerateReferralCode(ctx, "alice")
	require.NoError(t, err)
	out, err = f.referrals.ProcessReferralCompletion(ctx, "alice")
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestReferralStatsAndLeaderboard(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.bonus(t, rule.EventReferralComplete, 75)

	refer := func(referrer, referee string, complete bool) {
		ref, err := f.referrals.GenerateReferralCode(ctx, referrer)
		require.NoError(t, err)
		_, err = f.referrals.ProcessReferralSignup(ctx, ref.ReferralCode, referee)
		require.NoError(t, err)
		if complete {
			_, err = f.referrals.ProcessReferralCompletion(ctx, referee)
			require.NoError(t, err)
		}
	}
	refer("carol", "c-friend", true)
	refer("alice", "a-friend", true)
	refer("bob", "b-friend", false)

	stats, err := f.referrals.GetReferralStats(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.TotalReferrals)
	require.Equal(t, int64(1), stats.CompletedReferrals)
	require.Zero(t, stats.SignedUpReferrals)
	require.Equal(t, int64(75), stats.TotalPointsEarned)
	require.NotEmpty(t, stats.ReferralCode)

	stats, err = f.referrals.GetReferralStats(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.SignedUpReferrals)
	require.Zero(t, stats.CompletedReferrals)

	stats, err = f.referrals.GetReferralStats(ctx, "nobody")
	require.NoError(t, err)
	require.Zero(t, stats.TotalReferrals)
	require.Empty(t, stats.ReferralCode)

	board, err := f.referrals.GetReferralLeaderboard(ctx, 0)
	require.NoError(t, err)
	require.Len(t, board, 2)
	require.Equal(t, "alice", board[0].ReferrerID)
	require.Equal(t, "carol", board[1].ReferrerID)
	require.Equal(t, int64(1), board[0].CompletedReferrals)
	require.Equal(t, int64(75), board[0].PointsEarned)

	board, err = f.referrals.GetReferralLeaderboard(ctx, 1)
	require.NoError(t, err)
	require.Len(t, board, 1)
}
