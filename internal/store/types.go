// Package store owns the persistence the core keeps for itself. It persists
// DeletionRequest records via a Postgres-backed compare-and-swap primitive
// (spec §5, §9 Go note); it also defines the BulkOperation type, which
// pkg/bulk keeps in memory and this package does not persist. It never
// touches the host's credential/user tables; that boundary belongs to
// pkg/credential's CredentialStore port instead.
package store

import "time"

// DeletionState is a state in the §4.5 deletion-request state machine.
type DeletionState string

const (
	DeletionPending    DeletionState = "PENDING"
	DeletionApproved   DeletionState = "APPROVED"
	DeletionDeclined   DeletionState = "DECLINED"
	DeletionCancelled  DeletionState = "CANCELLED"
	DeletionInProgress DeletionState = "IN_PROGRESS"
	DeletionCompleted  DeletionState = "COMPLETED"
	DeletionFailed     DeletionState = "FAILED"
)

// DeletionPriority orders admin attention, highest first.
type DeletionPriority string

const (
	PriorityLow    DeletionPriority = "low"
	PriorityNormal DeletionPriority = "normal"
	PriorityHigh   DeletionPriority = "high"
	PriorityUrgent DeletionPriority = "urgent"
)

// DeletionRequest tracks a GDPR-oriented template erasure through approval
// and processing (spec §3.1, §4.5).
type DeletionRequest struct {
	ID          string
	Realm       string
	UserID      string
	TemplateID  int64
	Reason      string
	Priority    DeletionPriority
	State       DeletionState
	RequestedAt time.Time
	ReviewedBy  string
	ProcessedAt *time.Time
	Note        string
	RetryCount  int
}

// BulkKind names the operation a BulkOperation fans out.
type BulkKind string

const (
	BulkEnroll BulkKind = "enroll"
	BulkDelete BulkKind = "delete"
	BulkUpgrade BulkKind = "upgrade"
	BulkTag    BulkKind = "tag"
	BulkStatus BulkKind = "status"
)

// BulkState is the overall state of a BulkOperation (spec §4.6).
type BulkState string

const (
	BulkRunning            BulkState = "RUNNING"
	BulkCompleted          BulkState = "COMPLETED"
	BulkPartiallyCompleted BulkState = "PARTIALLY_COMPLETED"
	BulkFailed             BulkState = "FAILED"
	BulkCancelled          BulkState = "CANCELLED"
)

// ItemError records a single item's failure, partitioned by retryable so a
// caller can resubmit only the retryable subset (spec §4.6).
type ItemError struct {
	Item      string
	Message   string
	Retryable bool
}

// BulkOperation is the persisted record of an admin bulk job (spec §3.1).
type BulkOperation struct {
	ID          string
	Realm       string
	Kind        BulkKind
	Total       int
	Processed   int
	Succeeded   int
	Failed      int
	State       BulkState
	StartedAt   time.Time
	CompletedAt *time.Time
	Errors      []ItemError
}
