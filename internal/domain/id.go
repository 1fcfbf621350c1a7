package domain

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a lexically sortable ULID with an optional prefix ("exec_", "prop_").
func NewID(prefix string, at time.Time) string {
	idMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(at), idEntropy)
	idMu.Unlock()
	return prefix + id.String()
}
