package reward

import (
	"context"
	"time"

	"smallbiznis-loyalty/pkg/config"
	"smallbiznis-loyalty/pkg/lock"
	"smallbiznis-loyalty/pkg/rediskey"
	"smallbiznis-loyalty/pkg/task"
	"smallbiznis-loyalty/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultSweepInterval = time.Hour

// HandleExpireTask lapses pending redemptions past their expiry.
func (s *Service) HandleExpireTask(ctx context.Context, t *asynq.Task) error {
	n, err := s.ExpireRedemptions(ctx)
	if err != nil {
		zap.L().Error("redemption expiry failed", zap.String("task_type", t.Type()), zap.Error(err))
		return err
	}
	zap.L().Info("redemption expiry done", zap.Int64("expired", n))
	return nil
}

type leaser interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
}

// Sweeper enqueues the expiry task once per interval across all replicas.
// The lease is left to lapse so no other replica runs within the window.
type Sweeper struct {
	locker   leaser
	enqueuer task.Enqueuer
	interval time.Duration
}

type SweeperParams struct {
	fx.In

	Locker   *lock.Locker
	Enqueuer task.Enqueuer
	Config   *config.Config `optional:"true"`
}

func NewSweeper(p SweeperParams) *Sweeper {
	interval := defaultSweepInterval
	if p.Config != nil && p.Config.Loyalty.ExpirySweepInterval > 0 {
		interval = p.Config.Loyalty.ExpirySweepInterval
	}
	return &Sweeper{locker: p.Locker, enqueuer: p.Enqueuer, interval: interval}
}

// Tick reports whether this replica won the window and queued the task.
func (s *Sweeper) Tick(ctx context.Context) (bool, error) {
	key := rediskey.BuildLockKey(taskname.RewardRedemptionExpire)
	_, ok, err := s.locker.TryLock(ctx, key, s.interval)
	if err != nil || !ok {
		return false, err
	}

	t := asynq.NewTask(taskname.RewardRedemptionExpire, nil)
	if _, err := s.enqueuer.Enqueue(ctx, t, asynq.Queue(task.QueueLow), asynq.MaxRetry(3)); err != nil {
		return false, err
	}
	return true, nil
}

func runSweeper(lc fx.Lifecycle, s *Sweeper) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				ticker := time.NewTicker(s.interval)
				defer ticker.Stop()

				for {
					if queued, err := s.Tick(ctx); err != nil {
						zap.L().Error("redemption sweep failed", zap.Error(err))
					} else if queued {
						zap.L().Info("redemption sweep queued")
					}

					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
