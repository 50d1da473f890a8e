// Package keylock serialises work per key using a fixed table of mutexes
// indexed by key hash. Distinct keys may share a shard.
package keylock

import (
	"hash/maphash"
	"sync"
)

// DefaultShards is the shard count used by New when shards <= 0.
const DefaultShards = 64

// Table is a sharded lock table. The zero value is not usable.
type Table struct {
	seed   maphash.Seed
	shards []sync.Mutex
}

// New returns a table with the given number of shards.
func New(shards int) *Table {
	if shards <= 0 {
		shards = DefaultShards
	}
	return &Table{seed: maphash.MakeSeed(), shards: make([]sync.Mutex, shards)}
}

func (t *Table) shard(key string) *sync.Mutex {
	return &t.shards[maphash.String(t.seed, key)%uint64(len(t.shards))]
}

// Lock locks key and returns the matching unlock function.
func (t *Table) Lock(key string) (unlock func()) {
	m := t.shard(key)
	m.Lock()
	return m.Unlock
}

// Do runs fn while holding key's lock.
func (t *Table) Do(key string, fn func() error) error {
	defer t.Lock(key)()
	return fn()
}

// Len returns the shard count.
func (t *Table) Len() int {
	return len(t.shards)
}
