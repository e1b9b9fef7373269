package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"smallbiznis-loyalty/pkg/db/option"
	"smallbiznis-loyalty/pkg/db/pagination"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrInvalidAction = errors.New("invalid_action")

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	now   func() time.Time
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger `optional:"true"`
	GenID *snowflake.Node
}

func NewService(p Params) *Service {
	log := p.Log
	if log == nil {
		log = zap.L()
	}
	return &Service{
		db:    p.DB,
		log:   log.Named("audit.service"),
		genID: p.GenID,
		now:   time.Now,
	}
}

// Record writes e through db, which is normally the caller's open
// transaction. A nil db falls back to the service connection.
func (s *Service) Record(ctx context.Context, db *gorm.DB, e Entry) error {
	action := strings.TrimSpace(e.Action)
	if action == "" {
		return ErrInvalidAction
	}
	if db == nil {
		db = s.db
	}

	actorType := strings.TrimSpace(e.ActorType)
	if actorType == "" {
		actorType = ActorSystem
	}
	targetType := strings.TrimSpace(e.TargetType)
	if targetType == "" {
		targetType = "unknown"
	}

	payload := map[string]any{}
	for k, v := range e.Metadata {
		if k == "" {
			continue
		}
		payload[k] = v
	}

	entry := AuditLog{
		ID:         s.genID.Generate(),
		ActorType:  actorType,
		ActorID:    e.ActorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   e.TargetID,
		Metadata:   datatypes.JSONMap(payload),
		CreatedAt:  s.now().UTC(),
	}
	if err := db.WithContext(ctx).Create(&entry).Error; err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
		return err
	}
	return nil
}

type ListFilter struct {
	pagination.Pagination
	Action     string `form:"action"`
	TargetType string `form:"target_type"`
	TargetID   string `form:"target_id"`
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]*AuditLog, pagination.PageInfo, error) {
	page := f.Pagination.Normalize(pagination.DefaultLimit, pagination.MaxLimit)

	opts := []option.QueryOption{}
	if v := strings.TrimSpace(f.Action); v != "" {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "action", Operator: option.EQ, Value: v}))
	}
	if v := strings.TrimSpace(f.TargetType); v != "" {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "target_type", Operator: option.EQ, Value: v}))
	}
	if v := strings.TrimSpace(f.TargetID); v != "" {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "target_id", Operator: option.EQ, Value: v}))
	}
	opts = append(opts,
		option.WithOrder("created_at DESC"),
		option.WithOrder("id DESC"),
		option.ApplyPagination(pagination.Pagination{Limit: page.Limit + 1, Offset: page.Offset}),
	)

	var logs []*AuditLog
	if err := option.ApplyAll(s.db.WithContext(ctx).Model(&AuditLog{}), opts...).Find(&logs).Error; err != nil {
		return nil, pagination.PageInfo{}, err
	}
	logs, info := pagination.BuildPageInfo(logs, page)
	return logs, info, nil
}
