package reward

import (
	"context"
	"errors"
	"testing"
	"time"

	"smallbiznis-loyalty/pkg/taskname"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

type leaserMock struct {
	held map[string]bool
	err  error
}

func (m *leaserMock) TryLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	if m.err != nil {
		return "", false, m.err
	}
	if m.held[key] {
		return "", false, nil
	}
	m.held[key] = true
	return "token", true, nil
}

type enqueuerMock struct {
	tasks []*asynq.Task
}

func (m *enqueuerMock) Enqueue(_ context.Context, t *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	m.tasks = append(m.tasks, t)
	return &asynq.TaskInfo{ID: "sweep-1", Type: t.Type()}, nil
}

func TestSweeperQueuesOncePerWindow(t *testing.T) {
	locks := &leaserMock{held: map[string]bool{}}
	q := &enqueuerMock{}
	replicaA := &Sweeper{locker: locks, enqueuer: q, interval: time.Hour}
	replicaB := &Sweeper{locker: locks, enqueuer: q, interval: time.Hour}
	ctx := context.Background()

	queued, err := replicaA.Tick(ctx)
	require.NoError(t, err)
	require.True(t, queued)

	queued, err = replicaB.Tick(ctx)
	require.NoError(t, err)
	require.False(t, queued)

	require.Len(t, q.tasks, 1)
	require.Equal(t, taskname.RewardRedemptionExpire, q.tasks[0].Type())
}

func TestSweeperLockFailure(t *testing.T) {
	q := &enqueuerMock{}
	s := &Sweeper{locker: &leaserMock{err: errors.New("redis down")}, enqueuer: q, interval: time.Hour}

	queued, err := s.Tick(context.Background())
	require.Error(t, err)
	require.False(t, queued)
	require.Empty(t, q.tasks)
}

func TestHandleExpireTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.award(t, "user-1", 100)
	rw := f.create(t, Reward{Name: "Sticker", PointsCost: 10, IsActive: true})

	red, err := f.rewards.RedeemReward(ctx, "user-1", rw.ID)
	require.NoError(t, err)

	f.rewards.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }
	require.NoError(t, f.rewards.HandleExpireTask(ctx, asynq.NewTask(taskname.RewardRedemptionExpire, nil)))

	found, err := f.rewards.GetRedemptionByCode(ctx, red.RedemptionCode)
	require.NoError(t, err)
	require.Equal(t, Expired, found.Status)
}
