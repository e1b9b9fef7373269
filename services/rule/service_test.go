package rule

import (
	"context"
	"testing"

	"smallbiznis-loyalty/services/loyalty"
	"smallbiznis-loyalty/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	db      *gorm.DB
	loyalty *loyalty.Service
	rules   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t, append(loyalty.Models(), Models()...)...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	ls := loyalty.NewService(loyalty.ServiceParams{DB: db, Node: node})
	_, err = ls.UpsertTiers(context.Background(), []loyalty.LoyaltyTier{
		{Level: 1, Name: "Bronze", PointsRequired: 0},
		{Level: 2, Name: "Silver", PointsRequired: 500},
		{Level: 3, Name: "Gold", PointsRequired: 2000},
	})
	require.NoError(t, err)

	rs := NewService(ServiceParams{
		Repository: NewRepository(db),
		Loyalty:    ls,
		Node:       node,
	})
	return &fixture{db: db, loyalty: ls, rules: rs}
}

func (f *fixture) upsert(t *testing.T, r LoyaltyRule) *LoyaltyRule {
	t.Helper()
	if !r.IsActive {
		r.IsActive = true
	}
	out, err := f.rules.UpsertRule(context.Background(), &r)
	require.NoError(t, err)
	return out
}

func int64Ptr(v int64) *int64 { return &v }

func TestCalculatePointsWithoutRuleFloorsAmount(t *testing.T) {
	f := newFixture(t)
	points, err := f.rules.CalculatePointsForPurchase(context.Background(), "user-1", 99.99)
	require.NoError(t, err)
	require.Equal(t, int64(99), points)
}

func TestCalculatePointsRejectsNegativeAmount(t *testing.T) {
	f := newFixture(t)
	_, err := f.rules.CalculatePointsForPurchase(context.Background(), "user-1", -1)
	require.ErrorIs(t, err, ErrInvalidOrderAmount)
}

func TestCalculatePointsFormulas(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name   string
		rule   LoyaltyRule
		amount float64
		want   int64
	}{
		{"percentage", LoyaltyRule{CalculationType: Percentage, CalculationValue: 5}, 199.0, 9},
		{"fixed", LoyaltyRule{CalculationType: Fixed, PointsAwarded: 40}, 10.0, 40},
		{"default", LoyaltyRule{CalculationType: PerCurrencyUnit}, 42.7, 42},
		{"capped", LoyaltyRule{CalculationType: PerCurrencyUnit, MaxPoints: int64Ptr(25)}, 80.0, 25},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			tc.rule.EventType = EventPurchase
			f.upsert(t, tc.rule)

			points, err := f.rules.CalculatePointsForPurchase(ctx, "user-1", tc.amount)
			require.NoError(t, err)
			require.Equal(t, tc.want, points)
		})
	}
}

func TestCalculatePointsAppliesTierMultiplierThenCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.upsert(t, LoyaltyRule{
		EventType:       EventPurchase,
		CalculationType: PerCurrencyUnit,
		TierMultipliers: TierMultipliers{"Silver": 1.5, "Gold": 2},
		MaxPoints:       int64Ptr(500),
	})

	// no account yet: multiplier 1
	points, err := f.rules.CalculatePointsForPurchase(ctx, "user-1", 101)
	require.NoError(t, err)
	require.Equal(t, int64(101), points)

	_, err = f.loyalty.AwardPoints(ctx, loyalty.AwardParams{UserID: "user-1", Points: 600, Source: "signup"})
	require.NoError(t, err)

	points, err = f.rules.CalculatePointsForPurchase(ctx, "user-1", 101)
	require.NoError(t, err)
	require.Equal(t, int64(151), points)

	points, err = f.rules.CalculatePointsForPurchase(ctx, "user-1", 1000)
	require.NoError(t, err)
	require.Equal(t, int64(500), points)
}

func TestCalculatePointsIgnoresInactiveRule(t *testing.T) {
	f := newFixture(t)
	r := f.upsert(t, LoyaltyRule{EventType: EventPurchase, CalculationType: Fixed, PointsAwarded: 999})
	r.IsActive = false
	_, err := f.rules.UpsertRule(context.Background(), r)
	require.NoError(t, err)

	points, err := f.rules.CalculatePointsForPurchase(context.Background(), "user-1", 12.5)
	require.NoError(t, err)
	require.Equal(t, int64(12), points)
}

func TestAwardPointsForEventWithoutRuleIsNoop(t *testing.T) {
	f := newFixture(t)
	tx, err := f.rules.AwardPointsForEvent(context.Background(), EventInput{UserID: "user-1", EventType: EventSocialShare})
	require.NoError(t, err)
	require.Nil(t, tx)

	_, err = f.loyalty.GetAccount(context.Background(), "user-1")
	require.ErrorIs(t, err, loyalty.ErrAccountNotFound)
}

func TestAwardPointsForEventUsesFlatAward(t *testing.T) {
	f := newFixture(t)
	f.upsert(t, LoyaltyRule{
		EventType:       EventReview,
		Description:     "Thanks for your review",
		CalculationType: Fixed,
		PointsAwarded:   25,
	})

	tx, err := f.rules.AwardPointsForEvent(context.Background(), EventInput{
		UserID:    "user-1",
		EventType: EventReview,
		SourceID:  "review-9",
	})
	require.NoError(t, err)
	require.NotNil(t, tx)
	require.Equal(t, int64(25), tx.Points)
	require.Equal(t, EventReview, tx.Source)
	require.Equal(t, "review-9", tx.SourceID)
	require.Equal(t, "Thanks for your review", tx.Description)
}

func TestAwardPointsForEventCondition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upsert(t, LoyaltyRule{
		EventType:       EventReview,
		CalculationType: Fixed,
		PointsAwarded:   10,
		Condition:       "rating >= 4",
	})

	tx, err := f.rules.AwardPointsForEvent(ctx, EventInput{UserID: "user-1", EventType: EventReview, Attributes: map[string]any{"rating": 2.0}})
	require.NoError(t, err)
	require.Nil(t, tx)

	tx, err = f.rules.AwardPointsForEvent(ctx, EventInput{UserID: "user-1", EventType: EventReview})
	require.NoError(t, err)
	require.Nil(t, tx)

	tx, err = f.rules.AwardPointsForEvent(ctx, EventInput{UserID: "user-1", EventType: EventReview, Attributes: map[string]any{"rating": 5.0}})
	require.NoError(t, err)
	require.NotNil(t, tx)
	require.Equal(t, int64(10), tx.Points)
}

func TestAwardPointsForPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, err := f.rules.AwardPointsForPurchase(ctx, PurchaseInput{UserID: "user-1", OrderID: "order-1", OrderAmount: 250.4})
	require.NoError(t, err)
	require.Equal(t, int64(250), tx.Points)
	require.Equal(t, "order-1", tx.SourceID)

	tx, err = f.rules.AwardPointsForPurchase(ctx, PurchaseInput{UserID: "user-1", OrderAmount: 0.5})
	require.NoError(t, err)
	require.Nil(t, tx)
}

func TestWithTrxRollsBackAward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upsert(t, LoyaltyRule{EventType: EventSignup, CalculationType: Fixed, PointsAwarded: 50})

	_ = f.db.Transaction(func(tx *gorm.DB) error {
		award, err := f.rules.WithTrx(tx).AwardPointsForEvent(ctx, EventInput{UserID: "user-1", EventType: EventSignup})
		require.NoError(t, err)
		require.NotNil(t, award)
		return gorm.ErrInvalidData
	})

	_, err := f.loyalty.GetAccount(ctx, "user-1")
	require.ErrorIs(t, err, loyalty.ErrAccountNotFound)
}

func TestUpsertRuleValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := []LoyaltyRule{
		{CalculationType: Fixed},
		{EventType: EventPurchase, CalculationType: "bogus"},
		{EventType: EventPurchase, CalculationType: Percentage},
		{EventType: EventPurchase, CalculationType: Fixed, PointsAwarded: -1},
		{EventType: EventPurchase, TierMultipliers: TierMultipliers{"Gold": 0}},
		{EventType: EventReview, Condition: "rating >="},
	}
	for i := range bad {
		_, err := f.rules.UpsertRule(ctx, &bad[i])
		require.ErrorIs(t, err, ErrInvalidRule)
	}
}

func TestUpsertRuleReplacesAndInvalidatesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.upsert(t, LoyaltyRule{EventType: EventSignup, CalculationType: Fixed, PointsAwarded: 50, TierMultipliers: TierMultipliers{"Gold": 2}})
	tx, err := f.rules.AwardPointsForEvent(ctx, EventInput{UserID: "user-1", EventType: EventSignup})
	require.NoError(t, err)
	require.Equal(t, int64(50), tx.Points)

	f.upsert(t, LoyaltyRule{EventType: EventSignup, CalculationType: Fixed, PointsAwarded: 75})
	tx, err = f.rules.AwardPointsForEvent(ctx, EventInput{UserID: "user-2", EventType: EventSignup})
	require.NoError(t, err)
	require.Equal(t, int64(75), tx.Points)

	stored, err := f.rules.GetRule(ctx, EventSignup)
	require.NoError(t, err)
	require.Equal(t, int64(75), stored.PointsAwarded)
	require.Empty(t, stored.TierMultipliers)

	rules, info, err := f.rules.ListRules(ctx, ListParams{})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.False(t, info.HasMore)

	_, err = f.rules.GetRule(ctx, EventSocialShare)
	require.ErrorIs(t, err, ErrRuleNotFound)
}

func TestTierMultipliersRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.upsert(t, LoyaltyRule{
		EventType:        EventPurchase,
		CalculationType:  Percentage,
		CalculationValue: 10,
		TierMultipliers:  TierMultipliers{"Silver": 1.25, "Gold": 1.5},
	})

	stored, err := f.rules.GetRule(context.Background(), EventPurchase)
	require.NoError(t, err)
	require.Equal(t, 1.25, stored.TierMultipliers.For("Silver"))
	require.Equal(t, 1.0, stored.TierMultipliers.For("Bronze"))
}
