package audit

import (
	"context"
	"testing"

	"smallbiznis-loyalty/pkg/db/pagination"
	"smallbiznis-loyalty/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, Models()...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(Params{DB: db, GenID: node}), db
}

func TestRecordWritesInsideTransaction(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	err := db.Transaction(func(tx *gorm.DB) error {
		return svc.Record(ctx, tx, Entry{
			Action:     "reward.redeemed",
			TargetType: "reward_redemption",
			TargetID:   "42",
			Metadata:   map[string]any{"points": 150, "": "dropped"},
		})
	})
	require.NoError(t, err)

	logs, info, err := svc.List(ctx, ListFilter{Action: "reward.redeemed"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.False(t, info.HasMore)
	require.Equal(t, ActorSystem, logs[0].ActorType)
	require.Equal(t, "42", logs[0].TargetID)
	require.NotContains(t, logs[0].Metadata, "")
}

func TestRecordRolledBackWithTransaction(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_ = db.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, svc.Record(ctx, tx, Entry{Action: "tier.upgraded", TargetType: "loyalty_account"}))
		return gorm.ErrInvalidTransaction
	})

	logs, _, err := svc.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Empty(t, logs)
}

func TestRecordRequiresAction(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.Record(context.Background(), nil, Entry{Action: "  "})
	require.ErrorIs(t, err, ErrInvalidAction)
}

func TestListPaginates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Record(ctx, nil, Entry{Action: "referral.signed_up", TargetType: "referral"}))
	}

	logs, info, err := svc.List(ctx, ListFilter{Pagination: pagination.Pagination{Limit: 2}})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.True(t, info.HasMore)
}
