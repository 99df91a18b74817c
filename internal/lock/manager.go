package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrAlreadyHeld is returned by Acquire when another holder owns a live lock
// for the report. This is the expected outcome of duplicate job delivery,
// not an error condition.
var ErrAlreadyHeld = eris.New("lock: already held")

// ErrExpired is returned by Extend when the holder no longer owns the key.
var ErrExpired = eris.New("lock: expired")

// Store is the persistence contract for per-report TTL locks. Acquire-style
// operations report whether the caller won the key.
type Store interface {
	AcquireLock(ctx context.Context, reportID, holderID string, ttl time.Duration) (bool, error)
	ExtendLock(ctx context.Context, reportID, holderID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, reportID, holderID string) error
}

// Lock identifies one held per-report lock.
type Lock struct {
	ReportID   string
	HolderID   string
	AcquiredAt time.Time
}

// Manager acquires, extends, and releases per-report mutual-exclusion locks.
// Acquisition is non-blocking: report generation is not re-entrant, so a
// second attempt fails fast rather than queuing.
type Manager struct {
	store     Store
	durations Durations
}

// NewManager creates a Manager over the given lock store.
func NewManager(st Store, d Durations) *Manager {
	return &Manager{store: st, durations: d}
}

// Durations returns the TTLs this manager was configured with.
func (m *Manager) Durations() Durations {
	return m.durations
}

// Acquire attempts to take the lock for a report at the full TTL.
func (m *Manager) Acquire(ctx context.Context, reportID string) (*Lock, error) {
	holder := uuid.New().String()
	ok, err := m.store.AcquireLock(ctx, reportID, holder, m.durations.TTL)
	if err != nil {
		return nil, eris.Wrapf(err, "lock: acquire %s", reportID)
	}
	if !ok {
		return nil, ErrAlreadyHeld
	}
	zap.L().Debug("lock acquired",
		zap.String("report_id", reportID),
		zap.String("holder", holder),
		zap.Duration("ttl", m.durations.TTL),
	)
	return &Lock{ReportID: reportID, HolderID: holder, AcquiredAt: time.Now().UTC()}, nil
}

// Extend re-extends a held lock by ttl from now. Returns ErrExpired when the
// holder has lost the key.
func (m *Manager) Extend(ctx context.Context, lk *Lock, ttl time.Duration) error {
	ok, err := m.store.ExtendLock(ctx, lk.ReportID, lk.HolderID, ttl)
	if err != nil {
		return eris.Wrapf(err, "lock: extend %s", lk.ReportID)
	}
	if !ok {
		return ErrExpired
	}
	return nil
}

// Refresh re-extends a held lock at the full TTL. Used by the runner's
// refresh loop during long-running steps.
func (m *Manager) Refresh(ctx context.Context, lk *Lock) error {
	return m.Extend(ctx, lk, m.durations.TTL)
}

// Release gives up a held lock. Releasing a lock that already expired is not
// an error.
func (m *Manager) Release(ctx context.Context, lk *Lock) error {
	if err := m.store.ReleaseLock(ctx, lk.ReportID, lk.HolderID); err != nil {
		return eris.Wrapf(err, "lock: release %s", lk.ReportID)
	}
	zap.L().Debug("lock released",
		zap.String("report_id", lk.ReportID),
		zap.String("holder", lk.HolderID),
	)
	return nil
}
