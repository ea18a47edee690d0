package changelog

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

// Action identifies what a change record did to its object.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ChangeRecord is one row of the append-only change log. The same table
// shape exists in the main schema and in every branch schema; queries pick
// the schema explicitly, so the model carries no schema in its table name.
type ChangeRecord struct {
	bun.BaseModel `bun:"table:change_records,alias:cr"`

	ID         int64           `bun:"id,pk,autoincrement" json:"id"`
	Time       time.Time       `bun:"time,notnull" json:"time"`
	Action     Action          `bun:"action,notnull" json:"action"`
	TableName  string          `bun:"table_name,notnull" json:"table_name"`
	RecordID   int64           `bun:"record_id,notnull" json:"record_id"`
	UserName   *string         `bun:"user_name" json:"user_name,omitempty"`
	RequestID  *string         `bun:"request_id,type:uuid" json:"request_id,omitempty"`
	PreChange  json.RawMessage `bun:"prechange,type:jsonb" json:"prechange,omitempty"`
	PostChange json.RawMessage `bun:"postchange,type:jsonb" json:"postchange,omitempty"`
}

// AppliedChange links a merged change record to the branch it came from.
// Rows are written during merge, one per replayed record, and give the
// main change log its provenance trail.
type AppliedChange struct {
	bun.BaseModel `bun:"table:branching.applied_changes,alias:ac"`

	ID             int64     `bun:"id,pk,autoincrement" json:"id"`
	BranchID       string    `bun:"branch_id,notnull,type:uuid" json:"branch_id"`
	ChangeRecordID int64     `bun:"change_record_id,notnull" json:"change_record_id"`
	AppliedAt      time.Time `bun:"applied_at,notnull,default:now()" json:"applied_at"`
}
