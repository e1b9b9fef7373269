package statement

import (
	"time"

	"smallbiznis-loyalty/services/loyalty"
)

// Statement is the exported snapshot of one account.
type Statement struct {
	UserID       string                        `json:"user_id"`
	GeneratedAt  time.Time                     `json:"generated_at"`
	Account      *loyalty.LoyaltyAccount       `json:"account"`
	Entries      []*loyalty.LoyaltyTransaction `json:"entries"`
	Verification *loyalty.LedgerReport         `json:"verification"`
}

type ExportPayload struct {
	UserID      string    `json:"user_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// ExportRequest describes an accepted export. Key is set when the export
// ran inline; TaskID when it was queued.
type ExportRequest struct {
	UserID string `json:"user_id"`
	TaskID string `json:"task_id,omitempty"`
	Key    string `json:"key,omitempty"`
}
