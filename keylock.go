package him

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/hupe1980/him/model"
)

// keyLocks serializes writers of the same tile key. Unrelated keys only
// contend when they hash to the same stripe.
type keyLocks struct {
	stripes []sync.Mutex
}

func newKeyLocks(n int) *keyLocks {
	return &keyLocks{stripes: make([]sync.Mutex, n)}
}

// lock acquires the stripe of k and returns its unlock function.
func (l *keyLocks) lock(k model.TileKey) func() {
	m := &l.stripes[xxhash.Sum64String(k.String())%uint64(len(l.stripes))]
	m.Lock()
	return m.Unlock
}
