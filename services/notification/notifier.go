package notification

import (
	"context"
	"fmt"

	"smallbiznis-loyalty/pkg/logger"
	"smallbiznis-loyalty/pkg/task"
	"smallbiznis-loyalty/pkg/taskname"
	"smallbiznis-loyalty/services/loyalty"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const maxDeliveryRetry = 5

// AsynqNotifier hands tier upgrades to the worker through the task queue.
type AsynqNotifier struct {
	enqueuer task.Enqueuer
}

type NotifierParams struct {
	fx.In

	Enqueuer task.Enqueuer `optional:"true"`
}

// NewNotifier picks the queue-backed notifier, or Nop when no queue is wired.
func NewNotifier(p NotifierParams) loyalty.Notifier {
	if p.Enqueuer == nil {
		zap.L().Warn("no task queue configured, tier upgrades are only logged")
		return Nop{}
	}
	return NewAsynqNotifier(p)
}

func NewAsynqNotifier(p NotifierParams) *AsynqNotifier {
	return &AsynqNotifier{enqueuer: p.Enqueuer}
}

func (n *AsynqNotifier) NotifyTierUpgraded(ctx context.Context, evt loyalty.TierUpgraded) error {
	t, err := task.NewJSONTask(taskname.LoyaltyTierUpgraded, evt,
		asynq.Queue(task.QueueDefault),
		asynq.MaxRetry(maxDeliveryRetry),
	)
	if err != nil {
		return err
	}

	info, err := n.enqueuer.Enqueue(ctx, t)
	if err != nil {
		return fmt.Errorf("enqueue tier upgrade for %s: %w", evt.UserID, err)
	}

	logger.FromContext(ctx,
		zap.String("user_id", evt.UserID),
		zap.String("task_id", info.ID),
	).Info("tier upgrade notification queued", zap.Int("to_level", evt.ToLevel))
	return nil
}

// Nop only logs. It backs deployments without a queue.
type Nop struct{}

func (Nop) NotifyTierUpgraded(ctx context.Context, evt loyalty.TierUpgraded) error {
	logger.FromContext(ctx, zap.String("user_id", evt.UserID)).
		Info("tier upgraded", zap.Int("from_level", evt.FromLevel), zap.Int("to_level", evt.ToLevel), zap.String("tier", evt.TierName))
	return nil
}
