package codec

import (
	"sync"
	"syscall"
)

// FDBudget tracks the file descriptor reservations made through it, and
// refuses a new reservation that would push its total past
// RLIMIT_NOFILE/4 (spec.md §4.8). The total covers only reservations made
// on this FDBudget value; separately constructed budgets do not share it.
type FDBudget struct {
	mu        sync.Mutex
	reserved  int
	rlimitMax int
}

// NewFDBudget constructs a budget tracker bound to the process's current
// RLIMIT_NOFILE soft limit.
func NewFDBudget() (*FDBudget, error) {
	var rl syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rl); err != nil {
		return nil, err
	}
	return &FDBudget{rlimitMax: int(rl.Cur)}, nil
}

// NewFDBudgetWithLimit constructs a tracker against an explicit limit,
// bypassing syscall.Getrlimit; used by tests that need a deterministic
// ceiling.
func NewFDBudgetWithLimit(rlimitMax int) *FDBudget {
	return &FDBudget{rlimitMax: rlimitMax}
}

// Reserve attempts to reserve n additional file descriptors for one
// engine instance. It fails if doing so would push this budget's
// reservation past rlimitMax/4.
func (b *FDBudget) Reserve(n int) (ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ceiling := b.rlimitMax / 4
	if b.reserved+n > ceiling {
		return false
	}
	b.reserved += n
	return true
}

// Release gives back a previous reservation, used on instance exit.
func (b *FDBudget) Release(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reserved -= n
	if b.reserved < 0 {
		b.reserved = 0
	}
}

// Reserved returns this budget's current reservation total.
func (b *FDBudget) Reserved() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reserved
}
