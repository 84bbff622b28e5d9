package app

import (
	"hash/fnv"
	"sync"
)

// accountLocks serializes mutations per account. Accounts hash onto a fixed
// set of stripes: two accounts may share a stripe, one account always maps to
// the same stripe.
type accountLocks struct {
	stripes []sync.Mutex
}

func newAccountLocks(n int) *accountLocks {
	if n <= 0 {
		n = 256
	}
	return &accountLocks{stripes: make([]sync.Mutex, n)}
}

// lock acquires the account's stripe and returns its unlock function.
// Stripes are not reentrant: code running under a lock must not call an
// exported service method for the same account.
func (l *accountLocks) lock(accountID string) func() {
	h := fnv.New32a()
	h.Write([]byte(accountID))
	m := &l.stripes[h.Sum32()%uint32(len(l.stripes))]
	m.Lock()
	return m.Unlock
}
