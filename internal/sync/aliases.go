package sync

import (
	"sync"
)

// Mutex is an alias to [sync.Mutex]
type Mutex = sync.Mutex

// Cond is an alias to [sync.Cond]
type Cond = sync.Cond

// NewCond returns a new [Cond] with Locker l.
func NewCond(l sync.Locker) *Cond {
	return sync.NewCond(l)
}
