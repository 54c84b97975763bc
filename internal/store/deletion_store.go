package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a DeletionRequest or BulkOperation id does
// not exist.
var ErrNotFound = errors.New("store: record not found")

// ErrCASConflict is returned when a compare-and-swap transition's expected
// "old" state no longer matches the persisted row — another actor
// transitioned it first.
var ErrCASConflict = errors.New("store: compare-and-swap conflict")

// DeletionStore persists DeletionRequest rows with CAS-guarded transitions,
// the Go note in SPEC_FULL.md §4.5 ("UPDATE ... WHERE state = $old
// RETURNING"), mirrored here.
type DeletionStore struct {
	pool *pgxpool.Pool
}

// NewDeletionStore wraps an already-connected pool.
func NewDeletionStore(pool *pgxpool.Pool) *DeletionStore {
	return &DeletionStore{pool: pool}
}

// Create inserts a new PENDING deletion request.
func (s *DeletionStore) Create(ctx context.Context, dr *DeletionRequest) error {
	if dr.State == "" {
		dr.State = DeletionPending
	}
	if dr.RequestedAt.IsZero() {
		dr.RequestedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deletion_requests
			(id, realm, user_id, template_id, reason, priority, state, requested_at, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, dr.ID, dr.Realm, dr.UserID, dr.TemplateID, dr.Reason, dr.Priority, dr.State, dr.RequestedAt, dr.RetryCount)
	if err != nil {
		return fmt.Errorf("inserting deletion request: %w", err)
	}
	return nil
}

// Get loads a deletion request by id.
func (s *DeletionStore) Get(ctx context.Context, id string) (*DeletionRequest, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, realm, user_id, template_id, reason, priority, state,
		       requested_at, reviewed_by, processed_at, note, retry_count
		FROM deletion_requests WHERE id = $1
	`, id)
	return scanDeletionRequest(row)
}

// ListByRealm returns every deletion request in a realm, newest first.
func (s *DeletionStore) ListByRealm(ctx context.Context, realm string) ([]*DeletionRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, realm, user_id, template_id, reason, priority, state,
		       requested_at, reviewed_by, processed_at, note, retry_count
		FROM deletion_requests WHERE realm = $1 ORDER BY requested_at DESC
	`, realm)
	if err != nil {
		return nil, fmt.Errorf("listing deletion requests: %w", err)
	}
	defer rows.Close()

	var out []*DeletionRequest
	for rows.Next() {
		dr, err := scanDeletionRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dr)
	}
	return out, rows.Err()
}

// ListPendingOlderThan returns PENDING requests requested before cutoff, for
// the §4.5 5-day admin-escalation sweep.
func (s *DeletionStore) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]*DeletionRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, realm, user_id, template_id, reason, priority, state,
		       requested_at, reviewed_by, processed_at, note, retry_count
		FROM deletion_requests WHERE state = $1 AND requested_at < $2
	`, DeletionPending, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing stale pending deletion requests: %w", err)
	}
	defer rows.Close()

	var out []*DeletionRequest
	for rows.Next() {
		dr, err := scanDeletionRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dr)
	}
	return out, rows.Err()
}

// CompareAndSwapState performs the transition old -> next iff the persisted
// row is still in state old, applying mutate to the fetched row first (so
// callers can set reviewed_by/note/processed_at/retry_count atomically with
// the state change). Returns ErrCASConflict if another actor already moved
// the row, ErrNotFound if the id does not exist at all.
func (s *DeletionStore) CompareAndSwapState(ctx context.Context, id string, old, next DeletionState, mutate func(*DeletionRequest)) (*DeletionRequest, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.State != old {
		return nil, ErrCASConflict
	}
	current.State = next
	if mutate != nil {
		mutate(current)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE deletion_requests
		SET state = $1, reviewed_by = $2, processed_at = $3, note = $4, retry_count = $5
		WHERE id = $6 AND state = $7
	`, current.State, textOrNil(current.ReviewedBy), timestampOrNil(current.ProcessedAt), textOrNil(current.Note), current.RetryCount, id, old)
	if err != nil {
		return nil, fmt.Errorf("updating deletion request state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrCASConflict
	}
	return current, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeletionRequest(row rowScanner) (*DeletionRequest, error) {
	dr := &DeletionRequest{}
	var reviewedBy, note pgtype.Text
	var processedAt pgtype.Timestamptz

	err := row.Scan(
		&dr.ID, &dr.Realm, &dr.UserID, &dr.TemplateID, &dr.Reason, &dr.Priority, &dr.State,
		&dr.RequestedAt, &reviewedBy, &processedAt, &note, &dr.RetryCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning deletion request: %w", err)
	}

	if reviewedBy.Valid {
		dr.ReviewedBy = reviewedBy.String
	}
	if note.Valid {
		dr.Note = note.String
	}
	if processedAt.Valid {
		t := processedAt.Time
		dr.ProcessedAt = &t
	}
	return dr, nil
}

func textOrNil(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

func timestampOrNil(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}
