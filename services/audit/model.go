package audit

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	ActorSystem = "system"
	ActorUser   = "user"
)

// AuditLog is append-only. Rows are written inside the transaction of the
// change they describe.
type AuditLog struct {
	ID         snowflake.ID      `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	ActorType  string            `gorm:"column:actor_type;type:varchar(20);not null" json:"actor_type"`
	ActorID    string            `gorm:"column:actor_id;type:varchar(64);index" json:"actor_id,omitempty"`
	Action     string            `gorm:"column:action;type:varchar(64);index;not null" json:"action"`
	TargetType string            `gorm:"column:target_type;type:varchar(40);not null" json:"target_type"`
	TargetID   string            `gorm:"column:target_id;type:varchar(64);index" json:"target_id,omitempty"`
	Metadata   datatypes.JSONMap `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt  time.Time         `gorm:"column:created_at;index" json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }

// Entry is the caller-facing shape of one audit record.
type Entry struct {
	ActorType  string
	ActorID    string
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
}

func Models() []any {
	return []any{&AuditLog{}}
}
