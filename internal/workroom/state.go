package workroom

import (
	"fmt"
	"sync"
	"time"
)

// Tracker holds the finalisation flags of one room. finalisedAt is set if and
// only if both flags are set; flags never turn off.
type Tracker struct {
	mu              sync.RWMutex
	clientFinalised bool
	workerFinalised bool
	finalisedAt     time.Time
}

// NewTracker seeds a tracker from a server view of the room.
func NewTracker(f Flags) *Tracker {
	t := &Tracker{}
	_ = t.ApplySnapshot(f, time.Now())
	return t
}

// IsLocked reports whether both parties have finalised.
func (t *Tracker) IsLocked() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.clientFinalised && t.workerFinalised
}

// FinalisedAt returns the lock time, or the zero time when unlocked.
func (t *Tracker) FinalisedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.finalisedAt
}

// Finalised reports whether role has finalised.
func (t *Tracker) Finalised(role Role) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	switch role {
	case RoleClient:
		return t.clientFinalised
	case RoleWorker:
		return t.workerFinalised
	}
	return false
}

// Phase reports the handshake position.
func (t *Tracker) Phase() Phase {
	t.mu.RLock()
	defer t.mu.RUnlock()
	switch {
	case t.clientFinalised && t.workerFinalised:
		return PhaseLocked
	case t.clientFinalised || t.workerFinalised:
		return PhaseOnePartyFinalised
	}
	return PhaseOpen
}

// Flags returns a copy of the current state.
func (t *Tracker) Flags() Flags {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f := Flags{ClientFinalised: t.clientFinalised, WorkerFinalised: t.workerFinalised}
	if !t.finalisedAt.IsZero() {
		f.FinalisedAt = t.finalisedAt.UTC().Format(time.RFC3339)
	}
	return f
}

// ApplyFinalisationUpdate records that role finalised at the given time.
// Repeating an update for an already finalised role changes nothing.
func (t *Tracker) ApplyFinalisationUpdate(role Role, at time.Time) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch role {
	case RoleClient:
		if t.clientFinalised {
			return nil
		}
		t.clientFinalised = true
	case RoleWorker:
		if t.workerFinalised {
			return nil
		}
		t.workerFinalised = true
	}
	if t.clientFinalised && t.workerFinalised {
		t.finalisedAt = at.UTC()
	}
	return nil
}

// ApplySnapshot merges a server view. Flags only turn on; a snapshot that
// would reopen a locked room is rejected with ErrRoomLocked and ignored.
// fallback stamps finalisedAt when the snapshot locks the room without a
// parseable finalised_at.
func (t *Tracker) ApplySnapshot(f Flags, fallback time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.clientFinalised && t.workerFinalised && !(f.ClientFinalised && f.WorkerFinalised) {
		return ErrRoomLocked
	}
	t.clientFinalised = t.clientFinalised || f.ClientFinalised
	t.workerFinalised = t.workerFinalised || f.WorkerFinalised
	if t.clientFinalised && t.workerFinalised && t.finalisedAt.IsZero() {
		at := fallback
		if f.FinalisedAt != "" {
			if ts, err := time.Parse(time.RFC3339, f.FinalisedAt); err == nil {
				at = ts
			}
		}
		t.finalisedAt = at.UTC()
	}
	return nil
}

// Guard returns ErrRoomLocked once the room is locked.
func (t *Tracker) Guard() error {
	if t.IsLocked() {
		return ErrRoomLocked
	}
	return nil
}
