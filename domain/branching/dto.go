package branching

import (
	"time"

	"github.com/gridplane/gridplane/domain/changelog"
)

// CreateBranchRequest is the payload for creating a branch.
type CreateBranchRequest struct {
	Name  string  `json:"name"`
	Owner *string `json:"owner,omitempty"`
}

// UpdateBranchRequest is the payload for renaming a branch.
type UpdateBranchRequest struct {
	Name string `json:"name"`
}

// MergeRequest controls a merge. A dry run replays every change and then
// rolls the transaction back, leaving both schemas untouched.
type MergeRequest struct {
	DryRun bool `json:"dry_run,omitempty"`
}

// BranchResponse is the API shape of a branch, with the derived fields
// clients need (schema name, effective synced time).
type BranchResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Owner      *string    `json:"owner,omitempty"`
	SchemaID   string     `json:"schema_id"`
	SchemaName string     `json:"schema_name"`
	Status     Status     `json:"status"`
	SyncedTime time.Time  `json:"synced_time"`
	LastSync   *time.Time `json:"last_sync,omitempty"`
	MergedTime *time.Time `json:"merged_time,omitempty"`
	MergedBy   *string    `json:"merged_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func toBranchResponse(b *Branch, schemaPrefix string) *BranchResponse {
	return &BranchResponse{
		ID:         b.ID,
		Name:       b.Name,
		Owner:      b.Owner,
		SchemaID:   b.SchemaID,
		SchemaName: b.SchemaName(schemaPrefix),
		Status:     b.Status,
		SyncedTime: b.SyncedTime(),
		LastSync:   b.LastSync,
		MergedTime: b.MergedTime,
		MergedBy:   b.MergedBy,
		CreatedAt:  b.CreatedAt,
		UpdatedAt:  b.UpdatedAt,
	}
}

// ChangesResponse lists the change records attributed to a branch.
type ChangesResponse struct {
	BranchID string                    `json:"branch_id"`
	Count    int                       `json:"count"`
	Changes  []*changelog.ChangeRecord `json:"changes"`
}

// HistoryEntry is one step of a branch's event timeline. ChangeCount is
// the number of branch changes recorded between this event and the next
// newer one, so the timeline interleaves lifecycle events with activity
// summaries.
type HistoryEntry struct {
	Event       *BranchEvent `json:"event"`
	ChangeCount int          `json:"change_count"`
}
