// Package lifetime bounds how many jobs a worker process handles before it
// asks to be restarted.
package lifetime

import (
	"sync"
	"sync/atomic"
)

// Budget counts processed jobs. When Max is reached it calls the shutdown
// function once. Max <= 0 disables the budget.
type Budget struct {
	max      int64
	shutdown func()

	count atomic.Int64
	once  sync.Once
}

func NewBudget(limit int64, shutdown func()) *Budget {
	return &Budget{max: limit, shutdown: shutdown}
}

// Record counts one job, successful or not. It reports whether the budget is
// now exhausted.
func (b *Budget) Record() bool {
	if b == nil || b.max <= 0 {
		return false
	}
	if b.count.Add(1) < b.max {
		return false
	}
	b.once.Do(func() {
		if b.shutdown != nil {
			b.shutdown()
		}
	})
	return true
}

func (b *Budget) Count() int64 {
	if b == nil {
		return 0
	}
	return b.count.Load()
}

func (b *Budget) Exhausted() bool {
	return b != nil && b.max > 0 && b.count.Load() >= b.max
}
