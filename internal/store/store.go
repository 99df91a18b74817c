package store

import (
	"context"
	"sync"
	"time"

	"github.com/civicsense/reportgen/internal/model"
)

// StateFilter specifies criteria for listing pipeline states.
type StateFilter struct {
	Status model.PipelineStatus `json:"status,omitempty"`
	Since  time.Time            `json:"since,omitempty"`
	Limit  int                  `json:"limit,omitempty"`
}

// StateStore persists versioned PipelineState documents keyed by report ID.
type StateStore interface {
	// GetState returns the state for a report, or (nil, nil) when absent.
	// Absence is treated by the runner as a fresh start.
	GetState(ctx context.Context, reportID string) (*model.PipelineState, error)
	// PutState fully replaces the state document.
	PutState(ctx context.Context, state *model.PipelineState) error
	// Checkpoint merges a partial update into the stored state, recomputes
	// aggregate totals, and advances updatedAt monotonically. Checkpoints for
	// one report are serialized.
	Checkpoint(ctx context.Context, reportID string, update model.StateUpdate) error
	// ListStates returns states matching the filter, newest first.
	ListStates(ctx context.Context, filter StateFilter) ([]model.PipelineState, error)
}

// AuditStore persists per-report audit logs with an independent lifecycle.
type AuditStore interface {
	// GetAudit returns the audit log for a report, or (nil, nil) when absent
	// or past its TTL.
	GetAudit(ctx context.Context, reportID string) (*model.AuditLog, error)
	// PutAudit fully replaces the audit document.
	PutAudit(ctx context.Context, log *model.AuditLog) error
	// DeleteAudit removes the audit log after finalization.
	DeleteAudit(ctx context.Context, reportID string) error
	// DeleteExpiredAudits sweeps logs past their TTL backstop.
	DeleteExpiredAudits(ctx context.Context) (int, error)
}

// LockStore persists per-report TTL lock keys. The boolean results report
// whether the caller won or still holds the key.
type LockStore interface {
	AcquireLock(ctx context.Context, reportID, holderID string, ttl time.Duration) (bool, error)
	ExtendLock(ctx context.Context, reportID, holderID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, reportID, holderID string) error
}

// Store is the combined persistence interface for the pipeline.
type Store interface {
	StateStore
	AuditStore
	LockStore

	Migrate(ctx context.Context) error
	Close() error
}

// checkpointTime advances updatedAt monotonically: every checkpoint must
// observably change it, since staleness detection depends on it alone.
func checkpointTime(previous time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(previous) {
		now = previous.Add(time.Millisecond)
	}
	return now
}

// keyedMutex serializes checkpoints per report. The lock manager already
// guarantees a single active runner per report; this guards against
// accidental double invocation within one process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
