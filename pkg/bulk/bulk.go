// Package bulk implements the administrative bulk-operation engine (spec
// §4.6): a bounded worker pool processes every item in a submitted batch
// independently, tracks per-item success/failure, and supports cooperative
// cancellation. Progress is retained in an in-process registry rather than
// a second Postgres-backed store (see DESIGN.md) since O(1) progress query
// and "resubmit the failed subset" don't require surviving a restart the
// way a deletion request's multi-day review window does.
package bulk

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/coreerrors"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/telemetry"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/store"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/pkg/bws"
)

const (
	defaultWorkers  = 10
	defaultBatch    = 100
	maxQueuedOps    = 64
)

// Processor runs one bulk-operation item. It must be safe for concurrent
// use by multiple workers.
type Processor func(ctx context.Context, item string) error

// Classifier reports whether a failed item's error is worth retrying in a
// resubmitted operation.
type Classifier func(err error) bool

// DefaultClassifier treats BWS transient transport failures as retryable
// and everything else as not.
func DefaultClassifier(err error) bool {
	return errors.Is(err, coreerrors.ErrRPCTransient) || bws.Retryable(err)
}

// operation is the engine's in-memory view of one BulkOperation, including
// the cancellation switch the registry doesn't expose externally.
type operation struct {
	mu     sync.Mutex
	record store.BulkOperation
	cancel context.CancelFunc
}

// Engine runs bulk operations over a bounded worker pool (spec §4.6:
// default 10 workers, batch size 100).
type Engine struct {
	Workers int
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	Now     func() time.Time

	mu         sync.Mutex
	operations map[string]*operation
	inFlight   int
}

// NewEngine builds a bulk engine ready to accept Submit calls.
func NewEngine() *Engine {
	return &Engine{operations: make(map[string]*operation)}
}

// Submit starts a new bulk operation over items, using process to handle
// each one, and returns its id immediately (spec §4.6). Work continues in
// background goroutines after Submit returns.
func (e *Engine) Submit(ctx context.Context, kind store.BulkKind, items []string, process Processor, classify Classifier) (string, error) {
	e.mu.Lock()
	if e.inFlight >= maxQueuedOps {
		e.mu.Unlock()
		return "", coreerrors.ErrBusy
	}
	e.inFlight++
	e.mu.Unlock()

	if classify == nil {
		classify = DefaultClassifier
	}

	id := uuid.NewString()
	opCtx, cancel := context.WithCancel(context.Background())
	op := &operation{
		record: store.BulkOperation{
			ID:        id,
			Kind:      kind,
			Total:     len(items),
			State:     store.BulkRunning,
			StartedAt: e.now(),
		},
		cancel: cancel,
	}

	e.mu.Lock()
	if e.operations == nil {
		e.operations = make(map[string]*operation)
	}
	e.operations[id] = op
	e.mu.Unlock()

	if e.Metrics != nil {
		e.Metrics.BulkOperationStartedTotal.Inc()
	}

	go e.run(opCtx, op, items, process, classify)

	return id, nil
}

func (e *Engine) run(ctx context.Context, op *operation, items []string, process Processor, classify Classifier) {
	defer func() {
		e.mu.Lock()
		e.inFlight--
		e.mu.Unlock()
	}()

	workers := e.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	jobs := make(chan string, defaultBatch)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				select {
				case <-ctx.Done():
					return
				default:
				}
				err := process(ctx, item)
				e.recordItemResult(op, item, err, classify)
			}
		}()
	}

dispatch:
	for _, item := range items {
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- item:
		}
	}
	close(jobs)
	wg.Wait()

	e.finalize(op)
}

func (e *Engine) recordItemResult(op *operation, item string, err error, classify Classifier) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.record.Processed++
	if err != nil {
		op.record.Failed++
		op.record.Errors = append(op.record.Errors, store.ItemError{
			Item:      item,
			Message:   err.Error(),
			Retryable: classify(err),
		})
		return
	}
	op.record.Succeeded++
}

func (e *Engine) finalize(op *operation) {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.record.State == store.BulkCancelled {
		// Cancellation already set the terminal state; don't overwrite it.
	} else {
		switch {
		case op.record.Processed < op.record.Total:
			op.record.State = store.BulkCancelled
		case op.record.Failed == 0:
			op.record.State = store.BulkCompleted
		case op.record.Succeeded == 0:
			op.record.State = store.BulkFailed
		default:
			op.record.State = store.BulkPartiallyCompleted
		}
	}

	now := e.now()
	op.record.CompletedAt = &now

	if e.Metrics != nil {
		switch op.record.State {
		case store.BulkCompleted, store.BulkPartiallyCompleted:
			e.Metrics.BulkOperationCompletedTotal.Inc()
		case store.BulkFailed:
			e.Metrics.BulkOperationFailedTotal.Inc()
		case store.BulkCancelled:
			e.Metrics.BulkOperationCancelledTotal.Inc()
		}
	}
}

// Progress returns the current O(1) progress snapshot for id.
func (e *Engine) Progress(id string) (store.BulkOperation, bool) {
	e.mu.Lock()
	op, ok := e.operations[id]
	e.mu.Unlock()
	if !ok {
		return store.BulkOperation{}, false
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.record, true
}

// Cancel cooperatively cancels a running operation: in-flight items finish,
// unstarted items are skipped, and the final state is CANCELLED.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	op, ok := e.operations[id]
	e.mu.Unlock()
	if !ok {
		return false
	}

	op.mu.Lock()
	if op.record.State != store.BulkRunning {
		op.mu.Unlock()
		return false
	}
	op.record.State = store.BulkCancelled
	op.mu.Unlock()

	op.cancel()
	return true
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
