package rule

import (
	"context"
	"errors"
	"time"

	"smallbiznis-loyalty/pkg/db/option"
	"smallbiznis-loyalty/pkg/db/pagination"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ruleRow is the storage shape of LoyaltyRule. The multiplier map is only
// JSON here.
type ruleRow struct {
	ID               snowflake.ID                           `gorm:"column:id;primaryKey;autoIncrement:false"`
	EventType        string                                 `gorm:"column:event_type;type:varchar(64);uniqueIndex;not null"`
	Name             string                                 `gorm:"column:name;type:varchar(128)"`
	Description      string                                 `gorm:"column:description;type:text"`
	CalculationType  string                                 `gorm:"column:calculation_type;type:varchar(20);not null"`
	CalculationValue float64                                `gorm:"column:calculation_value"`
	PointsAwarded    int64                                  `gorm:"column:points_awarded"`
	MaxPoints        *int64                                 `gorm:"column:max_points"`
	TierMultipliers  datatypes.JSONType[map[string]float64] `gorm:"column:tier_multipliers"`
	Condition        string                                 `gorm:"column:condition_expr;type:text"`
	IsActive         bool                                   `gorm:"column:is_active;index;not null"`
	CreatedAt        time.Time                              `gorm:"column:created_at"`
	UpdatedAt        time.Time                              `gorm:"column:updated_at"`
}

func (ruleRow) TableName() string { return "loyalty_rules" }

func (r *ruleRow) toDomain() *LoyaltyRule {
	multipliers := TierMultipliers{}
	for k, v := range r.TierMultipliers.Data() {
		multipliers[k] = v
	}
	return &LoyaltyRule{
		ID:               r.ID,
		EventType:        r.EventType,
		Name:             r.Name,
		Description:      r.Description,
		CalculationType:  CalculationType(r.CalculationType),
		CalculationValue: r.CalculationValue,
		PointsAwarded:    r.PointsAwarded,
		MaxPoints:        r.MaxPoints,
		TierMultipliers:  multipliers,
		Condition:        r.Condition,
		IsActive:         r.IsActive,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func fromDomain(r *LoyaltyRule) *ruleRow {
	multipliers := map[string]float64{}
	for k, v := range r.TierMultipliers {
		multipliers[k] = v
	}
	return &ruleRow{
		ID:               r.ID,
		EventType:        r.EventType,
		Name:             r.Name,
		Description:      r.Description,
		CalculationType:  string(r.CalculationType),
		CalculationValue: r.CalculationValue,
		PointsAwarded:    r.PointsAwarded,
		MaxPoints:        r.MaxPoints,
		TierMultipliers:  datatypes.NewJSONType(multipliers),
		Condition:        r.Condition,
		IsActive:         r.IsActive,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

type ListParams struct {
	pagination.Pagination
	IncludeInactive bool `form:"include_inactive"`
}

// Repository describes database operations available for rules.
type Repository interface {
	WithTrx(tx *gorm.DB) Repository
	// GetByEventType returns nil, nil when no rule exists for eventType.
	GetByEventType(ctx context.Context, eventType string) (*LoyaltyRule, error)
	List(ctx context.Context, params ListParams) ([]*LoyaltyRule, error)
	Upsert(ctx context.Context, rule *LoyaltyRule) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository returns a gorm backed Repository implementation.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) WithTrx(tx *gorm.DB) Repository {
	return &gormRepository{db: tx}
}

func (r *gormRepository) GetByEventType(ctx context.Context, eventType string) (*LoyaltyRule, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var row ruleRow
	err := r.db.WithContext(ctx).Where("event_type = ?", eventType).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return row.toDomain(), nil
}

func (r *gormRepository) List(ctx context.Context, params ListParams) ([]*LoyaltyRule, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	opts := []option.QueryOption{}
	if !params.IncludeInactive {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "is_active", Operator: option.EQ, Value: true}))
	}
	opts = append(opts,
		option.WithOrder("event_type ASC"),
		option.ApplyPagination(params.Pagination),
	)

	var rows []ruleRow
	if err := option.ApplyAll(r.db.WithContext(ctx).Model(&ruleRow{}), opts...).Find(&rows).Error; err != nil {
		return nil, err
	}

	rules := make([]*LoyaltyRule, 0, len(rows))
	for i := range rows {
		rules = append(rules, rows[i].toDomain())
	}
	return rules, nil
}

// Upsert writes rule keyed by event type and refreshes rule from storage.
func (r *gormRepository) Upsert(ctx context.Context, rule *LoyaltyRule) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}

	row := fromDomain(rule)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "event_type"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "description", "calculation_type", "calculation_value", "points_awarded",
			"max_points", "tier_multipliers", "condition_expr", "is_active", "updated_at",
		}),
	}).Create(row).Error
	if err != nil {
		return err
	}

	stored, err := r.GetByEventType(ctx, rule.EventType)
	if err != nil {
		return err
	}
	*rule = *stored
	return nil
}
