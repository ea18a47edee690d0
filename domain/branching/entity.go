package branching

import (
	"crypto/rand"
	"time"

	"github.com/uptrace/bun"
)

// Status is the branch lifecycle state.
type Status string

const (
	// StatusNew is the state at creation, before provisioning starts.
	StatusNew Status = "new"
	// StatusProvisioning means the schema is being built.
	StatusProvisioning Status = "provisioning"
	// StatusReady means the branch can be used, synced, or merged.
	StatusReady Status = "ready"
	// StatusSyncing means main changes are being replayed into the branch.
	StatusSyncing Status = "syncing"
	// StatusMerging means branch changes are being replayed into main.
	StatusMerging Status = "merging"
	// StatusMerged is terminal: the branch was merged into main. Its
	// schema stays around until deprovisioning or retention cleanup.
	StatusMerged Status = "merged"
	// StatusFailed is terminal: provisioning did not complete.
	StatusFailed Status = "failed"
)

// Transient reports whether the branch is mid-operation. Transient
// branches reject mutation and a second concurrent operation.
func (s Status) Transient() bool {
	return s == StatusProvisioning || s == StatusSyncing || s == StatusMerging
}

// EventType identifies a lifecycle event on a branch.
type EventType string

const (
	EventProvisioned   EventType = "provisioned"
	EventSynced        EventType = "synced"
	EventMerged        EventType = "merged"
	EventDeprovisioned EventType = "deprovisioned"
)

// Branch is a named fork of the main schema. Its data lives in a
// dedicated Postgres schema derived from SchemaID; the row here is pure
// metadata and always lives in the main database.
type Branch struct {
	bun.BaseModel `bun:"table:branching.branches,alias:b"`

	ID         string     `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	Name       string     `bun:"name,notnull" json:"name"`
	Owner      *string    `bun:"owner" json:"owner,omitempty"`
	SchemaID   string     `bun:"schema_id,notnull" json:"schema_id"`
	Status     Status     `bun:"status,notnull,default:'new'" json:"status"`
	LastSync   *time.Time `bun:"last_sync" json:"last_sync,omitempty"`
	MergedTime *time.Time `bun:"merged_time" json:"merged_time,omitempty"`
	MergedBy   *string    `bun:"merged_by" json:"merged_by,omitempty"`
	CreatedAt  time.Time  `bun:"created_at,notnull,default:now()" json:"created_at"`
	UpdatedAt  time.Time  `bun:"updated_at,notnull,default:now()" json:"updated_at"`
}

// SchemaName returns the Postgres schema holding this branch's data.
func (b *Branch) SchemaName(prefix string) string {
	return prefix + b.SchemaID
}

// SyncedTime is the point in time the branch last caught up with main:
// the last sync if one happened, otherwise the creation time (a fresh
// branch is a snapshot of main at creation).
func (b *Branch) SyncedTime() time.Time {
	if b.LastSync != nil {
		return *b.LastSync
	}
	return b.CreatedAt
}

// BranchEvent is one row of a branch's lifecycle history.
type BranchEvent struct {
	bun.BaseModel `bun:"table:branching.branch_events,alias:be"`

	ID       int64     `bun:"id,pk,autoincrement" json:"id"`
	Time     time.Time `bun:"time,notnull,default:now()" json:"time"`
	BranchID string    `bun:"branch_id,notnull,type:uuid" json:"branch_id"`
	UserName *string   `bun:"user_name" json:"user_name,omitempty"`
	Type     EventType `bun:"type,notnull" json:"type"`
}

const schemaIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewSchemaID generates a random schema identifier of the given length,
// lowercase letters and digits only so it stays a valid unquoted schema
// name component.
func NewSchemaID(length int) string {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	for i, b := range buf {
		buf[i] = schemaIDAlphabet[int(b)%len(schemaIDAlphabet)]
	}
	return string(buf)
}
