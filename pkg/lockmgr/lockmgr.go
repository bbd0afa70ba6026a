// Package lockmgr grants exclusive range locks. A request set is
// granted atomically: either every range is free and the whole set is
// granted synchronously, or the set waits in FIFO order behind the
// conflicting holders. The queue discipline is per level; waiters at
// one level never delay requests at another.
package lockmgr

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/google/btree"

	"scopedb/pkg/dberrors"
	"scopedb/pkg/types"
)

type Type uint8

// Only exclusive locks are modeled; this layer has no readers that
// would need shared mode.
const TypeExclusive Type = 1

// Range is the half-open key interval [Begin, End).
type Range struct {
	Begin []byte
	End   []byte
}

func (r Range) overlaps(o Range) bool {
	return bytes.Compare(r.Begin, o.End) < 0 && bytes.Compare(o.Begin, r.End) < 0
}

// Request asks for one exclusive range at one level. Distinct levels
// never conflict.
type Request struct {
	Level types.LockLevel
	Range Range
	Type  Type
}

// Lock is a granted handle. Release is idempotent and may promote
// queued waiters; their grant callbacks run on the releasing
// goroutine.
type Lock struct {
	mgr   *Manager
	level types.LockLevel
	rng   Range
	once  sync.Once
}

func (l *Lock) Level() types.LockLevel { return l.level }
func (l *Lock) Range() Range           { return l.rng }

func (l *Lock) Release() {
	l.once.Do(func() {
		l.mgr.release(l)
	})
}

// Request rebuilds the request that produced this lock, for
// persisting and re-acquiring after a crash.
func (l *Lock) Request() Request {
	return Request{Level: l.level, Range: l.rng, Type: TypeExclusive}
}

// GrantFunc receives ownership of the granted lock handles.
type GrantFunc func(locks []*Lock)

type held struct {
	begin []byte
	end   []byte
}

type waiter struct {
	reqs  []Request
	grant GrantFunc
}

type Manager struct {
	mu      sync.Mutex
	levels  map[types.LockLevel]*btree.BTreeG[*held]
	waiters []*waiter
}

func New() *Manager {
	return &Manager{
		levels: make(map[types.LockLevel]*btree.BTreeG[*held]),
	}
}

// AcquireLocks grants the whole request set synchronously and returns
// true when no request conflicts with a held lock and no earlier
// waiter is queued at any of the requested levels; the callback then
// runs before AcquireLocks returns. Otherwise the set joins the FIFO
// queue, false is returned, and the callback runs once the set is
// granted. Waiters at one level never delay requests at another.
func (m *Manager) AcquireLocks(reqs []Request, grant GrantFunc) (bool, error) {
	if len(reqs) == 0 {
		return false, fmt.Errorf("%w: empty lock request set", dberrors.ErrInvalidArgument)
	}
	for i, r := range reqs {
		if r.Type != TypeExclusive {
			return false, fmt.Errorf("%w: unsupported lock type %d", dberrors.ErrInvalidArgument, r.Type)
		}
		if bytes.Compare(r.Range.Begin, r.Range.End) >= 0 {
			return false, fmt.Errorf("%w: empty lock range %q..%q", dberrors.ErrInvalidArgument, r.Range.Begin, r.Range.End)
		}
		for _, prev := range reqs[:i] {
			if prev.Level == r.Level && prev.Range.overlaps(r.Range) {
				return false, fmt.Errorf("%w: request set overlaps itself", dberrors.ErrInvalidArgument)
			}
		}
	}

	m.mu.Lock()
	if !m.levelQueuedLocked(reqs) && m.canGrantLocked(reqs) {
		locks := m.grantLocked(reqs)
		m.mu.Unlock()
		grant(locks)
		return true, nil
	}
	m.waiters = append(m.waiters, &waiter{reqs: reqs, grant: grant})
	m.mu.Unlock()
	return false, nil
}

// levelQueuedLocked reports whether any queued waiter wants a lock at
// one of the requested levels. Caller holds m.mu.
func (m *Manager) levelQueuedLocked(reqs []Request) bool {
	for _, w := range m.waiters {
		for _, wr := range w.reqs {
			for _, r := range reqs {
				if wr.Level == r.Level {
					return true
				}
			}
		}
	}
	return false
}

func (m *Manager) release(l *Lock) {
	m.mu.Lock()
	if tree, ok := m.levels[l.level]; ok {
		tree.Delete(&held{begin: l.rng.Begin, end: l.rng.End})
	}

	// Promote in arrival order. A blocked waiter blocks everything
	// behind it at its levels, but waiters at other levels pass by.
	type granted struct {
		grant GrantFunc
		locks []*Lock
	}
	var promoted []granted
	blocked := make(map[types.LockLevel]struct{})
	remaining := m.waiters[:0]
	for _, w := range m.waiters {
		if !levelsIntersect(w.reqs, blocked) && m.canGrantLocked(w.reqs) {
			promoted = append(promoted, granted{grant: w.grant, locks: m.grantLocked(w.reqs)})
			continue
		}
		for _, r := range w.reqs {
			blocked[r.Level] = struct{}{}
		}
		remaining = append(remaining, w)
	}
	m.waiters = remaining
	m.mu.Unlock()

	for _, g := range promoted {
		g.grant(g.locks)
	}
}

func levelsIntersect(reqs []Request, levels map[types.LockLevel]struct{}) bool {
	for _, r := range reqs {
		if _, ok := levels[r.Level]; ok {
			return true
		}
	}
	return false
}

// canGrantLocked reports whether no request overlaps a held range.
// Caller holds m.mu.
func (m *Manager) canGrantLocked(reqs []Request) bool {
	for _, r := range reqs {
		tree, ok := m.levels[r.Level]
		if !ok {
			continue
		}
		conflict := false
		pivot := &held{begin: r.Range.Begin}
		tree.DescendLessOrEqual(pivot, func(h *held) bool {
			conflict = bytes.Compare(h.end, r.Range.Begin) > 0
			return false
		})
		if !conflict {
			tree.AscendGreaterOrEqual(pivot, func(h *held) bool {
				conflict = bytes.Compare(h.begin, r.Range.End) < 0
				return false
			})
		}
		if conflict {
			return false
		}
	}
	return true
}

// grantLocked records the ranges as held and builds the handles.
// Caller holds m.mu and has checked canGrantLocked.
func (m *Manager) grantLocked(reqs []Request) []*Lock {
	locks := make([]*Lock, 0, len(reqs))
	for _, r := range reqs {
		tree, ok := m.levels[r.Level]
		if !ok {
			tree = btree.NewG(8, func(a, b *held) bool {
				return bytes.Compare(a.begin, b.begin) < 0
			})
			m.levels[r.Level] = tree
		}
		tree.ReplaceOrInsert(&held{begin: r.Range.Begin, end: r.Range.End})
		locks = append(locks, &Lock{mgr: m, level: r.Level, rng: r.Range})
	}
	return locks
}
