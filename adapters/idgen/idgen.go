// Package idgen provides ID generation implementations.
package idgen

import (
	"strconv"
	"sync/atomic"

	"github.com/artpar/billcycle/ports"
	"github.com/google/uuid"
)

// Prefixes for the entity kinds the engine creates.
const (
	PrefixAccount = "acct_"
	PrefixInvoice = "inv_"
	PrefixMethod  = "pm_"
)

// UUID generates prefixed UUIDs, e.g. "inv_3f2c...".
type UUID struct {
	Prefix string
}

// New generates a new UUID v4 with the configured prefix.
func (g UUID) New() string {
	return g.Prefix + uuid.New().String()
}

// Ensure interface compliance.
var _ ports.IDGenerator = UUID{}

// Sequential generates sequential IDs (for testing).
type Sequential struct {
	prefix  string
	counter uint64
}

// NewSequential creates a sequential ID generator.
func NewSequential(prefix string) *Sequential {
	return &Sequential{prefix: prefix}
}

// New generates the next sequential ID.
func (s *Sequential) New() string {
	n := atomic.AddUint64(&s.counter, 1)
	return s.prefix + strconv.FormatUint(n, 10)
}

// Ensure interface compliance.
var _ ports.IDGenerator = (*Sequential)(nil)
