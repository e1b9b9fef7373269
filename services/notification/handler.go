package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"smallbiznis-loyalty/services/audit"
	"smallbiznis-loyalty/services/loyalty"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Handler delivers queued tier upgrade notifications. Delivery is a
// structured log line plus an audit record; a push or email channel plugs
// in here.
type Handler struct {
	audit *audit.Service
}

type HandlerParams struct {
	fx.In

	Audit *audit.Service `optional:"true"`
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{audit: p.Audit}
}

func (h *Handler) HandleTierUpgraded(ctx context.Context, t *asynq.Task) error {
	var evt loyalty.TierUpgraded
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	zapLog := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.String("user_id", evt.UserID),
		zap.Int("to_level", evt.ToLevel),
	)

	if h.audit != nil {
		err := h.audit.Record(ctx, nil, audit.Entry{
			ActorType:  audit.ActorSystem,
			Action:     "notification.tier_upgraded",
			TargetType: "loyalty_account",
			TargetID:   evt.AccountID.String(),
			Metadata: map[string]any{
				"user_id":     evt.UserID,
				"from_level":  evt.FromLevel,
				"to_level":    evt.ToLevel,
				"tier_name":   evt.TierName,
				"occurred_at": evt.OccurredAt,
			},
		})
		if err != nil {
			zapLog.Error("failed to record notification", zap.Error(err))
			return err
		}
	}

	zapLog.Info("tier upgrade delivered", zap.String("tier", evt.TierName))
	return nil
}
