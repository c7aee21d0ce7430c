package scope

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jlneal/choragen/internal/types"
)

// Scope and lock error codes
const (
	ErrScopeConflict    types.ErrorCode = "SCOPE_CONFLICT"
	ErrScopeEmpty       types.ErrorCode = "SCOPE_EMPTY"
	ErrLockPersistQuiet types.ErrorCode = "SCOPE_LOCK_PERSIST_FAILED"
)

// Lock binds a file scope to an owning chain for the lifetime of that
// chain's active execution.
type Lock struct {
	ChainID    types.ID  `json:"chain_id"`
	Scope      FileScope `json:"scope"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Conflict is returned when a scope acquisition collides with an active
// lock. It names the competing chain and the overlapping pattern pairs.
type Conflict struct {
	ChainID     types.ID      `json:"chain_id"`
	HeldBy      types.ID      `json:"held_by"`
	Overlapping []PatternPair `json:"overlapping"`
}

// Error implements the error interface.
func (c *Conflict) Error() string {
	patterns := make([]string, 0, len(c.Overlapping))
	for _, p := range c.Overlapping {
		patterns = append(patterns, fmt.Sprintf("%s <-> %s", p.A, p.B))
	}
	return fmt.Sprintf("[%s] scope conflict: chain %s overlaps active lock held by chain %s (%s)",
		ErrScopeConflict, c.ChainID, c.HeldBy, strings.Join(patterns, ", "))
}

// LockTable is the serializable snapshot of all active locks, persisted
// as a single JSON document through the store.
type LockTable struct {
	Locks     []Lock    `json:"locks"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TablePersister saves and loads the lock table. The store package provides
// the file-backed implementation; the resolver only needs this narrow view.
type TablePersister interface {
	SaveLockTable(table *LockTable) error
	LoadLockTable() (*LockTable, error)
}

// Resolver tracks which file scopes are claimed by which chains and
// arbitrates acquisition. The lock table is the single shared mutable
// resource across concurrently executing chains; all access is serialized
// behind one mutex.
type Resolver struct {
	mu        sync.Mutex
	locks     map[types.ID]Lock
	persister TablePersister
}

// NewResolver creates a Resolver. If persister is non-nil, any previously
// persisted lock table is restored so locks survive process restarts.
func NewResolver(persister TablePersister) (*Resolver, error) {
	r := &Resolver{
		locks:     make(map[types.ID]Lock),
		persister: persister,
	}

	if persister != nil {
		table, err := persister.LoadLockTable()
		if err != nil {
			return nil, types.WrapError(types.STORE_READ_FAILED, "failed to restore lock table", err)
		}
		if table != nil {
			for _, l := range table.Locks {
				r.locks[l.ChainID] = l
			}
		}
	}

	return r, nil
}

// Acquire claims the given scope for a chain. It fails with a *Conflict
// when an active lock already covers an intersecting pattern. Re-acquiring
// for a chain that already holds a lock replaces that chain's scope,
// subject to the same conflict check against other chains.
func (r *Resolver) Acquire(chainID types.ID, s FileScope) (*Lock, error) {
	s = s.Normalize()
	if len(s) == 0 {
		return nil, types.NewError(ErrScopeEmpty, "cannot acquire an empty scope")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for owner, held := range r.locks {
		if owner == chainID {
			continue
		}
		if pairs := OverlappingPatterns(s, held.Scope); len(pairs) > 0 {
			return nil, &Conflict{
				ChainID:     chainID,
				HeldBy:      owner,
				Overlapping: pairs,
			}
		}
	}

	lock := Lock{
		ChainID:    chainID,
		Scope:      s,
		AcquiredAt: time.Now(),
	}
	r.locks[chainID] = lock
	r.persistLocked()

	return &lock, nil
}

// Release removes a chain's lock. It is idempotent: releasing a chain
// that holds no lock is a no-op.
func (r *Resolver) Release(chainID types.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.locks[chainID]; !held {
		return
	}
	delete(r.locks, chainID)
	r.persistLocked()
}

// FindConflicts returns the IDs of all currently active chains whose
// scope intersects the given one, sorted for deterministic output. Used
// for pre-flight planning before spawning parallel chains.
func (r *Resolver) FindConflicts(s FileScope) []types.ID {
	s = s.Normalize()

	r.mu.Lock()
	defer r.mu.Unlock()

	var conflicting []types.ID
	for owner, held := range r.locks {
		if HasOverlap(s, held.Scope) {
			conflicting = append(conflicting, owner)
		}
	}

	sort.Slice(conflicting, func(i, j int) bool {
		return conflicting[i] < conflicting[j]
	})
	return conflicting
}

// ScopeOf returns the scope currently held by a chain, or nil if the
// chain holds no lock.
func (r *Resolver) ScopeOf(chainID types.ID) FileScope {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, held := r.locks[chainID]
	if !held {
		return nil
	}
	out := make(FileScope, len(lock.Scope))
	copy(out, lock.Scope)
	return out
}

// ActiveLocks returns a snapshot of all currently held locks.
func (r *Resolver) ActiveLocks() []Lock {
	r.mu.Lock()
	defer r.mu.Unlock()

	locks := make([]Lock, 0, len(r.locks))
	for _, l := range r.locks {
		locks = append(locks, l)
	}
	sort.Slice(locks, func(i, j int) bool {
		return locks[i].ChainID < locks[j].ChainID
	})
	return locks
}

// persistLocked writes the lock table snapshot. Must be called with the
// mutex held. Persistence failures do not roll back the in-memory table:
// the in-memory state is authoritative for the running process.
func (r *Resolver) persistLocked() {
	if r.persister == nil {
		return
	}
	table := &LockTable{
		Locks:     make([]Lock, 0, len(r.locks)),
		UpdatedAt: time.Now(),
	}
	for _, l := range r.locks {
		table.Locks = append(table.Locks, l)
	}
	sort.Slice(table.Locks, func(i, j int) bool {
		return table.Locks[i].ChainID < table.Locks[j].ChainID
	})
	_ = r.persister.SaveLockTable(table)
}
