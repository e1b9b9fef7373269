package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"smallbiznis-loyalty/pkg/taskname"
	"smallbiznis-loyalty/services/audit"
	"smallbiznis-loyalty/services/loyalty"
	"smallbiznis-loyalty/services/testutil"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type enqueuerMock struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (m *enqueuerMock) Enqueue(_ context.Context, t *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.tasks = append(m.tasks, t)
	return &asynq.TaskInfo{ID: "task-1", Type: t.Type()}, nil
}

func TestAsynqNotifierEnqueuesUpgrade(t *testing.T) {
	q := &enqueuerMock{}
	n := NewAsynqNotifier(NotifierParams{Enqueuer: q})

	err := n.NotifyTierUpgraded(context.Background(), loyalty.TierUpgraded{UserID: "user-1", FromLevel: 1, ToLevel: 2, TierName: "Silver"})
	require.NoError(t, err)
	require.Len(t, q.tasks, 1)
	require.Equal(t, taskname.LoyaltyTierUpgraded, q.tasks[0].Type())

	var evt loyalty.TierUpgraded
	require.NoError(t, json.Unmarshal(q.tasks[0].Payload(), &evt))
	require.Equal(t, "user-1", evt.UserID)
	require.Equal(t, 2, evt.ToLevel)
}

func TestAsynqNotifierPropagatesQueueFailure(t *testing.T) {
	q := &enqueuerMock{err: errors.New("redis down")}
	n := NewAsynqNotifier(NotifierParams{Enqueuer: q})

	err := n.NotifyTierUpgraded(context.Background(), loyalty.TierUpgraded{UserID: "user-1"})
	require.Error(t, err)
}

func TestPromotionQueuesNotificationAfterCommit(t *testing.T) {
	db := testutil.NewTestDB(t, loyalty.Models()...)
	q := &enqueuerMock{}
	ls := loyalty.NewService(loyalty.ServiceParams{
		DB:       db,
		Node:     testutil.NewNode(t),
		Notifier: NewAsynqNotifier(NotifierParams{Enqueuer: q}),
	})
	ctx := context.Background()
	_, err := ls.UpsertTiers(ctx, []loyalty.LoyaltyTier{
		{Level: 1, Name: "Bronze", PointsRequired: 0},
		{Level: 2, Name: "Silver", PointsRequired: 500},
	})
	require.NoError(t, err)

	_, err = ls.AwardPoints(ctx, loyalty.AwardParams{UserID: "user-1", Points: 100, Source: "purchase"})
	require.NoError(t, err)
	require.Empty(t, q.tasks)

	_, err = ls.AwardPoints(ctx, loyalty.AwardParams{UserID: "user-1", Points: 450, Source: "purchase"})
	require.NoError(t, err)
	require.Len(t, q.tasks, 1)
}

func TestHandleTierUpgradedRecordsDelivery(t *testing.T) {
	db := testutil.NewTestDB(t, audit.Models()...)
	auditSvc := audit.NewService(audit.Params{DB: db, GenID: testutil.NewNode(t)})
	h := NewHandler(HandlerParams{Audit: auditSvc})

	payload, err := json.Marshal(loyalty.TierUpgraded{UserID: "user-1", AccountID: 7, FromLevel: 1, ToLevel: 3, TierName: "Gold"})
	require.NoError(t, err)

	err = h.HandleTierUpgraded(context.Background(), asynq.NewTask(taskname.LoyaltyTierUpgraded, payload))
	require.NoError(t, err)

	var logs []audit.AuditLog
	require.NoError(t, db.Where("action = ?", "notification.tier_upgraded").Find(&logs).Error)
	require.Len(t, logs, 1)
	require.Equal(t, "7", logs[0].TargetID)
	require.Equal(t, "Gold", logs[0].Metadata["tier_name"])
}

func TestHandleTierUpgradedSkipsRetryOnBadPayload(t *testing.T) {
	h := NewHandler(HandlerParams{})
	err := h.HandleTierUpgraded(context.Background(), asynq.NewTask(taskname.LoyaltyTierUpgraded, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestNewNotifierFallsBackToNop(t *testing.T) {
	n := NewNotifier(NotifierParams{})
	require.IsType(t, Nop{}, n)
	require.NoError(t, n.NotifyTierUpgraded(context.Background(), loyalty.TierUpgraded{UserID: "user-1"}))

	q := &enqueuerMock{}
	n = NewNotifier(NotifierParams{Enqueuer: q})
	require.IsType(t, &AsynqNotifier{}, n)
	require.NoError(t, n.NotifyTierUpgraded(context.Background(), loyalty.TierUpgraded{UserID: "user-1", ToLevel: 2}))
	require.Len(t, q.tasks, 1)
}
