package statement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"smallbiznis-loyalty/pkg/config"
	"smallbiznis-loyalty/pkg/objectstore"
	"smallbiznis-loyalty/pkg/task"
	"smallbiznis-loyalty/pkg/taskname"
	"smallbiznis-loyalty/services/loyalty"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultPrefix = "statements"
	pageSize      = 100
	maxExportTry  = 3
)

type Service struct {
	loyalty  *loyalty.Service
	store    objectstore.ObjectStore
	enqueuer task.Enqueuer
	prefix   string
	now      func() time.Time
}

type ServiceParams struct {
	fx.In

	Loyalty  *loyalty.Service
	Store    objectstore.ObjectStore
	Enqueuer task.Enqueuer  `optional:"true"`
	Config   *config.Config `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	prefix := defaultPrefix
	if p.Config != nil && p.Config.Loyalty.StatementPrefix != "" {
		prefix = strings.Trim(p.Config.Loyalty.StatementPrefix, "/")
	}
	return &Service{
		loyalty:  p.Loyalty,
		store:    p.Store,
		enqueuer: p.Enqueuer,
		prefix:   prefix,
		now:      time.Now,
	}
}

// Build collects the account, its full ledger in sequence order and a
// verification report. All reads run in one transaction holding the
// account row lock, so no entry can be appended while they run.
func (s *Service) Build(ctx context.Context, userID string) (*Statement, error) {
	stmt := &Statement{UserID: userID}
	err := s.loyalty.Transaction(ctx, func(ledger *loyalty.Service) error {
		acct, err := ledger.LockAccount(ctx, userID)
		if err != nil {
			return err
		}
		if acct == nil {
			return loyalty.ErrAccountNotFound
		}

		var entries []*loyalty.LoyaltyTransaction
		for offset := 0; ; offset += pageSize {
			page, info, err := ledger.GetTransactions(ctx, userID, loyalty.TransactionFilter{Limit: pageSize, Offset: offset})
			if err != nil {
				return err
			}
			entries = append(entries, page...)
			if !info.HasMore {
				break
			}
		}
		slices.Reverse(entries)

		report, err := ledger.VerifyLedger(ctx, userID)
		if err != nil {
			return err
		}

		stmt.Account = acct
		stmt.Entries = entries
		stmt.Verification = report
		return nil
	})
	if err != nil {
		return nil, err
	}
	stmt.GeneratedAt = s.now().UTC()
	return stmt, nil
}

func (s *Service) key(userID string, at time.Time) string {
	return fmt.Sprintf("%s/%s/%s.json", s.prefix, userID, at.UTC().Format("20060102T150405Z"))
}

// Export writes the statement of userID to the object store and returns
// its key.
func (s *Service) Export(ctx context.Context, userID string) (string, error) {
	stmt, err := s.Build(ctx, userID)
	if err != nil {
		return "", err
	}

	body, err := json.MarshalIndent(stmt, "", "  ")
	if err != nil {
		return "", err
	}

	key := s.key(userID, stmt.GeneratedAt)
	if err := s.store.PutObject(ctx, key, "application/json", body); err != nil {
		zap.L().Error("failed to store statement", zap.String("user_id", userID), zap.String("key", key), zap.Error(err))
		return "", err
	}

	zap.L().Info("statement exported",
		zap.String("user_id", userID),
		zap.String("key", key),
		zap.Int("entries", len(stmt.Entries)),
		zap.Bool("consistent", stmt.Verification.Consistent))
	return key, nil
}

// RequestExport queues an export for userID, or runs it inline when no
// queue is wired.
func (s *Service) RequestExport(ctx context.Context, userID string) (*ExportRequest, error) {
	if _, err := s.loyalty.GetAccount(ctx, userID); err != nil {
		return nil, err
	}

	if s.enqueuer == nil {
		key, err := s.Export(ctx, userID)
		if err != nil {
			return nil, err
		}
		return &ExportRequest{UserID: userID, Key: key}, nil
	}

	t, err := task.NewJSONTask(taskname.LoyaltyStatementExport,
		ExportPayload{UserID: userID, RequestedAt: s.now().UTC()},
		asynq.Queue(task.QueueLow),
		asynq.MaxRetry(maxExportTry),
	)
	if err != nil {
		return nil, err
	}
	info, err := s.enqueuer.Enqueue(ctx, t)
	if err != nil {
		return nil, err
	}
	return &ExportRequest{UserID: userID, TaskID: info.ID}, nil
}

func (s *Service) HandleExportTask(ctx context.Context, t *asynq.Task) error {
	var payload ExportPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	zapLog := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.String("user_id", payload.UserID),
	)

	if _, err := s.Export(ctx, payload.UserID); err != nil {
		zapLog.Error("statement export failed", zap.Error(err))
		if errors.Is(err, loyalty.ErrAccountNotFound) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	return nil
}
