package ledger

import (
	"sync"

	"github.com/google/uuid"
)

// LockMap serializes mutations per aggregate id. There is deliberately no
// global lock: unrelated loans and cycles proceed concurrently, only two
// writers of the same aggregate queue behind each other.
type LockMap struct {
	locks sync.Map // uuid.UUID -> *sync.Mutex
}

// Lock acquires the mutex for the given aggregate and returns the
// release function.
func (m *LockMap) Lock(id uuid.UUID) func() {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
