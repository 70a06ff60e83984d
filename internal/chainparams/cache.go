// Package chainparams caches the auxiliary chain parameters obtained from
// the remote node: the chain identifier and the current auxiliary
// difficulty. A single writer (the refresh job) updates the cache; any
// number of callers read it concurrently.
package chainparams

import (
	"log/slog"
	"sync"

	"github.com/coinstash/auxrelay/internal/logging"
)

// HashSize is the exact byte length of a valid chain identifier.
const HashSize = 32

// Params holds the auxiliary chain parameters. Both fields must be
// non-empty for the parameters to be usable.
type Params struct {
	AuxID   []byte
	AuxDiff []byte
}

// Valid reports whether both parameters have been populated.
func (p Params) Valid() bool {
	return len(p.AuxID) == HashSize && len(p.AuxDiff) > 0
}

// Cache is a reader-writer protected holder of the latest known Params.
// The zero value is not usable; construct with NewCache.
type Cache struct {
	mu     sync.RWMutex
	params Params
	log    *slog.Logger
}

// NewCache creates an empty cache. A nil logger discards output.
func NewCache(log *slog.Logger) *Cache {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Cache{log: log}
}

// Get returns a copy of the cached parameters. ok is false until both
// the identifier and the difficulty have been populated.
func (c *Cache) Get() (params Params, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.params.Valid() {
		return Params{}, false
	}

	params.AuxID = append([]byte(nil), c.params.AuxID...)
	params.AuxDiff = append([]byte(nil), c.params.AuxDiff...)
	return params, true
}

// SetID replaces the cached chain identifier. An identifier whose length
// is not exactly HashSize is rejected: the event is logged and the cache
// keeps its previous state.
func (c *Cache) SetID(id []byte) bool {
	if len(id) != HashSize {
		c.log.Error("chain identifier has invalid size",
			logging.KeySize, len(id))
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.params.AuxID = append([]byte(nil), id...)
	return true
}

// SetDifficulty replaces the cached auxiliary difficulty. Empty input is
// rejected and leaves the cache unchanged.
func (c *Cache) SetDifficulty(diff []byte) bool {
	if len(diff) == 0 {
		c.log.Error("empty auxiliary difficulty rejected")
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.params.AuxDiff = append([]byte(nil), diff...)
	return true
}
