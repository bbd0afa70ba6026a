package lockmgr

import (
	"errors"
	"testing"

	"scopedb/pkg/dberrors"
)

func exclusive(level uint8, begin, end string) Request {
	return Request{
		Level: level,
		Range: Range{Begin: []byte(begin), End: []byte(end)},
		Type:  TypeExclusive,
	}
}

func mustAcquireSync(t *testing.T, m *Manager, reqs ...Request) []*Lock {
	t.Helper()
	var locks []*Lock
	sync, err := m.AcquireLocks(reqs, func(ls []*Lock) { locks = ls })
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !sync {
		t.Fatalf("expected synchronous grant for %v", reqs)
	}
	return locks
}

func releaseAll(locks []*Lock) {
	for _, l := range locks {
		l.Release()
	}
}

func TestAcquireDisjointRangesIsSynchronous(t *testing.T) {
	m := New()
	a := mustAcquireSync(t, m, exclusive(0, "a", "b"))
	b := mustAcquireSync(t, m, exclusive(0, "b", "c"))
	releaseAll(a)
	releaseAll(b)
}

func TestOverlappingRangeWaitsUntilRelease(t *testing.T) {
	m := New()
	first := mustAcquireSync(t, m, exclusive(0, "a", "m"))

	var second []*Lock
	sync, err := m.AcquireLocks([]Request{exclusive(0, "c", "d")}, func(ls []*Lock) { second = ls })
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if sync {
		t.Fatal("overlapping request must not be granted synchronously")
	}
	if second != nil {
		t.Fatal("callback ran before the conflicting lock was released")
	}

	releaseAll(first)
	if second == nil {
		t.Fatal("waiter was not granted on release")
	}
	releaseAll(second)
}

func TestWaitersAreGrantedInArrivalOrder(t *testing.T) {
	m := New()
	first := mustAcquireSync(t, m, exclusive(0, "a", "z"))

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		sync, err := m.AcquireLocks([]Request{exclusive(0, "a", "z")}, func(ls []*Lock) {
			order = append(order, i)
			releaseAll(ls)
		})
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if sync {
			t.Fatalf("waiter %d granted synchronously", i)
		}
	}

	// Releasing the holder cascades: each waiter releases inside its
	// callback, which promotes the next.
	releaseAll(first)

	if len(order) != 3 {
		t.Fatalf("granted %d waiters, want 3", len(order))
	}
	for i, v := range order {
		if v != i+1 {
			t.Fatalf("grants out of order: %v", order)
		}
	}
}

func TestPendingWaiterBlocksLaterRequests(t *testing.T) {
	m := New()
	holder := mustAcquireSync(t, m, exclusive(0, "a", "b"))

	// Waits behind the holder.
	waited := false
	if sync, err := m.AcquireLocks([]Request{exclusive(0, "a", "b")}, func(ls []*Lock) {
		waited = true
		releaseAll(ls)
	}); err != nil || sync {
		t.Fatalf("expected queued waiter, sync=%v err=%v", sync, err)
	}

	// A free range must still queue behind the pending waiter rather
	// than overtaking it.
	overtook := false
	if sync, err := m.AcquireLocks([]Request{exclusive(0, "x", "y")}, func(ls []*Lock) {
		overtook = waited
		releaseAll(ls)
	}); err != nil || sync {
		t.Fatalf("expected queued request, sync=%v err=%v", sync, err)
	}

	releaseAll(holder)
	if !overtook {
		t.Fatal("later request ran before the earlier waiter")
	}
}

func TestDifferentLevelsDoNotConflict(t *testing.T) {
	m := New()
	a := mustAcquireSync(t, m, exclusive(0, "a", "z"))
	b := mustAcquireSync(t, m, exclusive(1, "a", "z"))
	releaseAll(a)
	releaseAll(b)
}

func TestWaiterDoesNotBlockOtherLevels(t *testing.T) {
	m := New()
	holder := mustAcquireSync(t, m, exclusive(0, "a", "b"))

	// Queue a waiter at level 0.
	waited := false
	if sync, err := m.AcquireLocks([]Request{exclusive(0, "a", "b")}, func(ls []*Lock) {
		waited = true
		releaseAll(ls)
	}); err != nil || sync {
		t.Fatalf("expected queued waiter, sync=%v err=%v", sync, err)
	}

	// Level 1 is an independent queue: the same range must still be
	// granted synchronously there.
	other := mustAcquireSync(t, m, exclusive(1, "a", "b"))
	releaseAll(other)

	// And a level-1 release must not promote the level-0 waiter.
	if waited {
		t.Fatal("level-0 waiter promoted by a level-1 release")
	}
	releaseAll(holder)
	if !waited {
		t.Fatal("waiter was not granted when its level cleared")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := New()
	locks := mustAcquireSync(t, m, exclusive(0, "a", "b"))
	locks[0].Release()
	locks[0].Release()

	again := mustAcquireSync(t, m, exclusive(0, "a", "b"))
	releaseAll(again)
}

func TestInvalidRequestsAreRejected(t *testing.T) {
	m := New()

	if _, err := m.AcquireLocks(nil, func([]*Lock) {}); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("empty set: got %v", err)
	}
	if _, err := m.AcquireLocks([]Request{exclusive(0, "b", "a")}, func([]*Lock) {}); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("inverted range: got %v", err)
	}
	if _, err := m.AcquireLocks([]Request{
		exclusive(0, "a", "c"),
		exclusive(0, "b", "d"),
	}, func([]*Lock) {}); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("self-overlapping set: got %v", err)
	}
}

func TestMultiRangeRequestIsAtomic(t *testing.T) {
	m := New()
	holder := mustAcquireSync(t, m, exclusive(0, "c", "d"))

	// One free range plus one conflicting range: nothing may be
	// granted until the conflict clears.
	var got []*Lock
	sync, err := m.AcquireLocks([]Request{
		exclusive(0, "a", "b"),
		exclusive(0, "c", "d"),
	}, func(ls []*Lock) { got = ls })
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if sync {
		t.Fatal("partially conflicting set granted synchronously")
	}

	// The free half must not be held yet.
	free := mustAcquireSync(t, m, exclusive(1, "a", "b"))
	releaseAll(free)

	releaseAll(holder)
	if len(got) != 2 {
		t.Fatalf("granted %d locks, want 2", len(got))
	}
	releaseAll(got)
}
