package device

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"sync"

	"github.com/drio/wgnoise/noise"
)

// IndexTable maps static keys and wire indices to remotes. It is the
// noise.Upcall of a Device.
type IndexTable struct {
	mu      sync.RWMutex
	byKey   map[noise.PublicKey]*noise.Remote
	byIndex map[uint32]*noise.Remote
	random  io.Reader
}

var _ noise.Upcall = (*IndexTable)(nil)

// NewIndexTable returns an empty table drawing indices from crypto/rand.
func NewIndexTable() *IndexTable {
	return &IndexTable{
		byKey:   make(map[noise.PublicKey]*noise.Remote),
		byIndex: make(map[uint32]*noise.Remote),
		random:  rand.Reader,
	}
}

// AddRemote makes r reachable by its static key.
func (t *IndexTable) AddRemote(r *noise.Remote) {
	t.mu.Lock()
	t.byKey[r.PublicKey()] = r
	t.mu.Unlock()
}

// RemoveRemote forgets r and every index still pointing at it.
func (t *IndexTable) RemoveRemote(r *noise.Remote) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byKey, r.PublicKey())
	for index, owner := range t.byIndex {
		if owner == r {
			delete(t.byIndex, index)
		}
	}
}

// LookupRemote implements noise.RemoteDirectory.
func (t *IndexTable) LookupRemote(pk noise.PublicKey) *noise.Remote {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byKey[pk]
}

// AllocateIndex implements noise.IndexAllocator. Indices are random,
// non-zero and unique within the table.
func (t *IndexTable) AllocateIndex(r *noise.Remote) uint32 {
	var buf [4]byte
	for {
		if _, err := io.ReadFull(t.random, buf[:]); err != nil {
			panic("device: index randomness: " + err.Error())
		}
		index := binary.LittleEndian.Uint32(buf[:])
		if index == 0 {
			continue
		}

		t.mu.Lock()
		if _, taken := t.byIndex[index]; !taken {
			t.byIndex[index] = r
			t.mu.Unlock()
			return index
		}
		t.mu.Unlock()
	}
}

// ReleaseIndex implements noise.IndexAllocator.
func (t *IndexTable) ReleaseIndex(index uint32) {
	t.mu.Lock()
	delete(t.byIndex, index)
	t.mu.Unlock()
}

// LookupIndex returns the remote owning index, or nil.
func (t *IndexTable) LookupIndex(index uint32) *noise.Remote {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byIndex[index]
}

// Len returns the number of live indices.
func (t *IndexTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byIndex)
}
