package noise

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeTable hands out sequential indices and remembers which are live.
type fakeTable struct {
	mu      sync.Mutex
	next    uint32
	byKey   map[PublicKey]*Remote
	indices map[uint32]*Remote
}

func newFakeTable() *fakeTable {
	return &fakeTable{
		next:    100,
		byKey:   make(map[PublicKey]*Remote),
		indices: make(map[uint32]*Remote),
	}
}

func (t *fakeTable) register(r *Remote) {
	t.mu.Lock()
	t.byKey[r.PublicKey()] = r
	t.mu.Unlock()
}

func (t *fakeTable) LookupRemote(pk PublicKey) *Remote {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byKey[pk]
}

func (t *fakeTable) AllocateIndex(r *Remote) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.indices[t.next] = r
	return t.next
}

func (t *fakeTable) ReleaseIndex(index uint32) {
	t.mu.Lock()
	delete(t.indices, index)
	t.mu.Unlock()
}

func (t *fakeTable) live() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []uint32
	for i := range t.indices {
		out = append(out, i)
	}
	return out
}

func testKey(b byte) PrivateKey {
	var sk PrivateKey
	for i := range sk {
		sk[i] = b
	}
	sk.clamp()
	return sk
}

// testPeer is one side of a connection: its Local and its view of the other side.
type testPeer struct {
	local  *Local
	table  *fakeTable
	remote *Remote
}

func newTestPair(t *testing.T, clock Clock) (a, b *testPeer) {
	t.Helper()
	skA, skB := testKey(0x01), testKey(0x02)

	a = &testPeer{table: newFakeTable()}
	a.local = NewLocalWithClock(a.table, clock)
	require.NoError(t, a.local.SetPrivate(skA))

	b = &testPeer{table: newFakeTable()}
	b.local = NewLocalWithClock(b.table, clock)
	require.NoError(t, b.local.SetPrivate(skB))

	a.remote = a.local.NewRemote(skB.PublicKey())
	a.table.register(a.remote)
	b.remote = b.local.NewRemote(skA.PublicKey())
	b.table.register(b.remote)
	return a, b
}

// runHandshake runs all four messages with from as initiator and begins the
// session on both sides.
func runHandshake(t *testing.T, from, to *testPeer) (*Initiation, *Response) {
	t.Helper()
	init, err := from.remote.CreateInitiation()
	require.NoError(t, err)
	r, err := to.local.ConsumeInitiation(init)
	require.NoError(t, err)
	require.Same(t, to.remote, r)
	resp, err := to.remote.CreateResponse()
	require.NoError(t, err)
	require.NoError(t, from.remote.ConsumeResponse(resp))
	require.NoError(t, from.remote.BeginSession())
	require.NoError(t, to.remote.BeginSession())
	return init, resp
}

func dataPacket(index uint32, counter uint64, ciphertext []byte) []byte {
	b := make([]byte, DataHeaderSize, DataHeaderSize+len(ciphertext))
	binary.LittleEndian.PutUint32(b[0:4], index)
	binary.LittleEndian.PutUint64(b[4:12], counter)
	return append(b, ciphertext...)
}

func currentKeypair(r *Remote) *Keypair {
	r.keypairMu.RLock()
	defer r.keypairMu.RUnlock()
	return r.ring.get(roleCurrent)
}

func roleIndices(r *Remote) map[string]uint32 {
	out := make(map[string]uint32)
	for _, info := range r.Keypairs() {
		out[info.Role] = info.LocalIndex
	}
	return out
}
