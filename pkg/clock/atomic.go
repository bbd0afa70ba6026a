package clock

import "sync/atomic"

// AtomicClock hands out strictly increasing int64 values. The zero
// value starts counting from 1.
type AtomicClock struct {
	v atomic.Int64
}

func NewAtomic(init int64) *AtomicClock {
	var ac AtomicClock
	ac.v.Store(init)
	return &ac
}

func (ac *AtomicClock) Val() int64 {
	return ac.v.Load()
}

func (ac *AtomicClock) Next() int64 {
	return ac.v.Add(1)
}

// Advance raises the clock to at least floor so that the next value is
// greater than floor. It never moves the clock backwards.
func (ac *AtomicClock) Advance(floor int64) {
	for {
		cur := ac.v.Load()
		if cur >= floor || ac.v.CompareAndSwap(cur, floor) {
			return
		}
	}
}
