package noise

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionEncryptDecrypt(t *testing.T) {
	a, b := newTestPair(t, newFakeClock())

	_, err := a.remote.Encrypt([]byte("early"))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, a.remote.Ready(), ErrInvalidState)

	runHandshake(t, a, b)
	require.NoError(t, a.remote.Ready())
	// the responder waits for confirmation before sending
	assert.ErrorIs(t, b.remote.Ready(), ErrInvalidState)

	packet, err := a.remote.Encrypt([]byte("hello"))
	require.NoError(t, err)
	assert.Len(t, packet, DataOverhead+5)

	pt, err := b.remote.Decrypt(packet)
	assert.ErrorIs(t, err, ErrConfirmed)
	assert.True(t, IsAdvisory(err))
	assert.Equal(t, []byte("hello"), pt)
	require.NoError(t, b.remote.Ready())

	packet, err = b.remote.Encrypt(nil)
	require.NoError(t, err)
	pt, err = a.remote.Decrypt(packet)
	require.NoError(t, err)
	assert.Empty(t, pt)

	t.Run("replayed packet", func(t *testing.T) {
		packet, err := a.remote.Encrypt([]byte("once"))
		require.NoError(t, err)
		_, err = b.remote.Decrypt(packet)
		require.NoError(t, err)
		_, err = b.remote.Decrypt(packet)
		assert.ErrorIs(t, err, ErrReplayed)
	})

	t.Run("out of order", func(t *testing.T) {
		var packets [][]byte
		for i := 0; i < 10; i++ {
			p, err := a.remote.Encrypt([]byte{byte(i)})
			require.NoError(t, err)
			packets = append(packets, p)
		}
		for i := len(packets) - 1; i >= 0; i-- {
			pt, err := b.remote.Decrypt(packets[i])
			require.NoError(t, err)
			assert.Equal(t, []byte{byte(i)}, pt)
		}
	})

	t.Run("unknown index", func(t *testing.T) {
		_, err := b.remote.Decrypt(dataPacket(0xdeadbeef, 0, make([]byte, TagSize)))
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("short packet", func(t *testing.T) {
		_, err := b.remote.Decrypt(make([]byte, DataOverhead-1))
		assert.ErrorIs(t, err, ErrDecryptFailed)
	})
}

func TestSessionTamper(t *testing.T) {
	a, b := newTestPair(t, newFakeClock())
	runHandshake(t, a, b)

	packet, err := a.remote.Encrypt([]byte("payload"))
	require.NoError(t, err)

	for i := 4; i < len(packet); i++ {
		bad := append([]byte(nil), packet...)
		bad[i] ^= 1 << (i % 8)
		_, err := b.remote.Decrypt(bad)
		require.ErrorIs(t, err, ErrDecryptFailed, "byte %d", i)
	}
	// nothing above reached the replay window or promoted next
	assert.NotNil(t, b.remote.ring.get(roleNext))

	_, err = b.remote.Decrypt(packet)
	assert.ErrorIs(t, err, ErrConfirmed)
}

func TestSessionPromotionOnce(t *testing.T) {
	a, b := newTestPair(t, newFakeClock())
	_, resp := runHandshake(t, a, b)

	var confirmed int
	for i := 0; i < 5; i++ {
		packet, err := a.remote.Encrypt([]byte("x"))
		require.NoError(t, err)
		_, err = b.remote.Decrypt(packet)
		if errors.Is(err, ErrConfirmed) {
			confirmed++
			continue
		}
		require.NoError(t, err)
	}
	assert.Equal(t, 1, confirmed)
	assert.Equal(t, map[string]uint32{"current": resp.Sender}, roleIndices(b.remote))
}

func TestSessionPromotionConcurrent(t *testing.T) {
	a, b := newTestPair(t, newFakeClock())
	runHandshake(t, a, b)

	const n = 64
	packets := make([][]byte, n)
	for i := range packets {
		p, err := a.remote.Encrypt([]byte(fmt.Sprint(i)))
		require.NoError(t, err)
		packets[i] = p
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		confirmed int
		failures  []error
	)
	for _, p := range packets {
		wg.Add(1)
		go func(p []byte) {
			defer wg.Done()
			_, err := b.remote.Decrypt(p)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrConfirmed):
				confirmed++
			case err != nil:
				failures = append(failures, err)
			}
		}(p)
	}
	wg.Wait()

	assert.Empty(t, failures)
	assert.Equal(t, 1, confirmed)
}

func TestSessionRotation(t *testing.T) {
	clock := newFakeClock()
	a, b := newTestPair(t, clock)

	// 1: a initiates
	init1, resp1 := runHandshake(t, a, b)
	assert.Equal(t, map[string]uint32{"current": init1.Sender}, roleIndices(a.remote))
	assert.Equal(t, map[string]uint32{"next": resp1.Sender}, roleIndices(b.remote))

	p, err := a.remote.Encrypt([]byte("confirm"))
	require.NoError(t, err)
	_, err = b.remote.Decrypt(p)
	require.ErrorIs(t, err, ErrConfirmed)
	assert.Equal(t, map[string]uint32{"current": resp1.Sender}, roleIndices(b.remote))

	// 2: a initiates again, old current becomes previous
	clock.Advance(time.Second)
	init2, resp2 := runHandshake(t, a, b)
	assert.Equal(t, map[string]uint32{"current": init2.Sender, "previous": init1.Sender}, roleIndices(a.remote))
	assert.Equal(t, map[string]uint32{"current": resp1.Sender, "next": resp2.Sender}, roleIndices(b.remote))

	// b still sends on its current, a accepts it on previous
	p, err = b.remote.Encrypt([]byte("old"))
	require.NoError(t, err)
	pt, err := a.remote.Decrypt(p)
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), pt)

	p, err = a.remote.Encrypt([]byte("confirm"))
	require.NoError(t, err)
	_, err = b.remote.Decrypt(p)
	require.ErrorIs(t, err, ErrConfirmed)
	assert.Equal(t, map[string]uint32{"current": resp2.Sender, "previous": resp1.Sender}, roleIndices(b.remote))

	// 3: b initiates, a keeps current and parks the new keypair in next
	clock.Advance(time.Second)
	init3, resp3 := runHandshake(t, b, a)
	assert.Equal(t, map[string]uint32{"current": init3.Sender, "previous": resp2.Sender}, roleIndices(b.remote))
	assert.Equal(t, map[string]uint32{"current": init2.Sender, "next": resp3.Sender}, roleIndices(a.remote))
	assert.ElementsMatch(t, []uint32{init3.Sender, resp2.Sender}, b.table.live())

	// 4: a initiates while holding a next: next becomes previous and the
	// old current is dropped
	clock.Advance(time.Second)
	init4, resp4 := runHandshake(t, a, b)
	assert.Equal(t, map[string]uint32{"current": init4.Sender, "previous": resp3.Sender}, roleIndices(a.remote))
	assert.ElementsMatch(t, []uint32{init4.Sender, resp3.Sender}, a.table.live())
	assert.Equal(t, map[string]uint32{"current": init3.Sender, "next": resp4.Sender}, roleIndices(b.remote))

	p, err = a.remote.Encrypt([]byte("four"))
	require.NoError(t, err)
	pt, err = b.remote.Decrypt(p)
	require.ErrorIs(t, err, ErrConfirmed)
	assert.Equal(t, []byte("four"), pt)
}

func TestSessionStale(t *testing.T) {
	t.Run("initiator send age", func(t *testing.T) {
		clock := newFakeClock()
		a, b := newTestPair(t, clock)
		runHandshake(t, a, b)
		p, err := a.remote.Encrypt(nil)
		require.NoError(t, err)
		_, err = b.remote.Decrypt(p)
		require.ErrorIs(t, err, ErrConfirmed)

		clock.Advance(RekeyAfterTime + time.Second)
		p, err = a.remote.Encrypt([]byte("late"))
		assert.ErrorIs(t, err, ErrStale)
		require.NotNil(t, p)

		// responders never ask for a rekey on age when sending
		pt, err := b.remote.Decrypt(p)
		require.NoError(t, err)
		assert.Equal(t, []byte("late"), pt)
		_, err = b.remote.Encrypt(nil)
		assert.NoError(t, err)
	})

	t.Run("initiator receive age", func(t *testing.T) {
		clock := newFakeClock()
		a, b := newTestPair(t, clock)
		runHandshake(t, a, b)
		p, err := a.remote.Encrypt(nil)
		require.NoError(t, err)
		_, err = b.remote.Decrypt(p)
		require.ErrorIs(t, err, ErrConfirmed)

		clock.Advance(RekeyAfterTimeRecv - time.Second)
		p, err = b.remote.Encrypt([]byte("a"))
		require.NoError(t, err)
		_, err = a.remote.Decrypt(p)
		assert.NoError(t, err)

		clock.Advance(2 * time.Second)
		p, err = b.remote.Encrypt([]byte("b"))
		require.NoError(t, err)
		pt, err := a.remote.Decrypt(p)
		assert.ErrorIs(t, err, ErrStale)
		assert.Equal(t, []byte("b"), pt)
	})

	t.Run("message count", func(t *testing.T) {
		a, b := newTestPair(t, newFakeClock())
		runHandshake(t, a, b)
		currentKeypair(a.remote).sendCounter.Store(RekeyAfterMessages)
		_, err := a.remote.Encrypt(nil)
		assert.ErrorIs(t, err, ErrStale)
	})
}

func TestSessionLimits(t *testing.T) {
	t.Run("expired keypair", func(t *testing.T) {
		clock := newFakeClock()
		a, b := newTestPair(t, clock)
		runHandshake(t, a, b)
		p, err := a.remote.Encrypt(nil)
		require.NoError(t, err)

		clock.Advance(RejectAfterTime + time.Second)
		_, err = a.remote.Encrypt(nil)
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.ErrorIs(t, a.remote.Ready(), ErrInvalidState)
		_, err = b.remote.Decrypt(p)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("send counter exhausted", func(t *testing.T) {
		a, b := newTestPair(t, newFakeClock())
		runHandshake(t, a, b)
		kp := currentKeypair(a.remote)

		kp.sendCounter.Store(RejectAfterMessages)
		p, err := a.remote.Encrypt(nil)
		assert.ErrorIs(t, err, ErrStale)
		require.NotNil(t, p)

		// the last nonce is sendable but the receiver's window refuses it
		_, err = b.remote.Decrypt(p)
		assert.ErrorIs(t, err, ErrReplayed)

		_, err = a.remote.Encrypt(nil)
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.ErrorIs(t, a.remote.Ready(), ErrInvalidState)
	})

	t.Run("receive counter exhausted", func(t *testing.T) {
		a, b := newTestPair(t, newFakeClock())
		runHandshake(t, a, b)
		kp := currentKeypair(a.remote)

		kp.recvMu.Lock()
		kp.replay.ValidateCounter(RejectAfterMessages-1, RejectAfterMessages)
		kp.recvMu.Unlock()
		_, err := a.remote.Encrypt(nil)
		assert.NoError(t, err)

		kp.recvMu.Lock()
		kp.replay.ValidateCounter(RejectAfterMessages, ^uint64(0))
		kp.recvMu.Unlock()
		_, err = a.remote.Encrypt(nil)
		assert.ErrorIs(t, err, ErrInvalidState)
	})
}

func TestSessionExpireCurrent(t *testing.T) {
	a, b := newTestPair(t, newFakeClock())
	runHandshake(t, a, b)
	p, err := a.remote.Encrypt(nil)
	require.NoError(t, err)

	a.remote.ExpireCurrent()
	b.remote.ExpireCurrent()

	_, err = a.remote.Encrypt(nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	// a packet already in flight still opens
	pt, err := b.remote.Decrypt(p)
	assert.ErrorIs(t, err, ErrConfirmed)
	assert.Empty(t, pt)
	_, err = b.remote.Encrypt(nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	// indices stay allocated until the keypairs are rotated out
	assert.Len(t, a.table.live(), 1)
	assert.Len(t, b.table.live(), 1)
}

func TestRemoteClear(t *testing.T) {
	clock := newFakeClock()
	a, b := newTestPair(t, clock)
	runHandshake(t, a, b)
	p, err := a.remote.Encrypt(nil)
	require.NoError(t, err)
	_, err = b.remote.Decrypt(p)
	require.ErrorIs(t, err, ErrConfirmed)

	clock.Advance(time.Second)
	runHandshake(t, a, b)
	clock.Advance(time.Second)
	_, err = a.remote.CreateInitiation()
	require.NoError(t, err)
	require.Len(t, a.table.live(), 3)

	a.remote.Clear()
	assert.Empty(t, a.table.live())
	assert.Empty(t, a.remote.Keypairs())
	assert.Equal(t, handshake{}, a.remote.handshake)
	for i := range a.remote.ring.slots {
		assert.True(t, a.remote.ring.slots[i].send.IsZero())
		assert.True(t, a.remote.ring.slots[i].recv.IsZero())
	}
	_, err = a.remote.Encrypt(nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	b.local.DeleteRemote(b.remote)
	assert.Empty(t, b.table.live())
	assert.NotContains(t, b.local.remotes, b.remote)
}

func TestSessionConcurrentTraffic(t *testing.T) {
	clock := newFakeClock()
	a, b := newTestPair(t, clock)
	runHandshake(t, a, b)

	const workers, perWorker = 8, 200
	out := make(chan []byte, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				p, err := a.remote.Encrypt([]byte("data"))
				if err == nil {
					out <- p
				}
			}
		}()
	}
	// handshakes with the same peer must not block the data path
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			init, err := b.remote.CreateInitiation()
			if err != nil {
				continue
			}
			a.local.ConsumeInitiation(init)
		}
	}()
	wg.Wait()
	close(out)

	seen := make(map[string]bool)
	var packets [][]byte
	for p := range out {
		key := string(p[:DataHeaderSize])
		require.False(t, seen[key], "nonce reused")
		seen[key] = true
		packets = append(packets, p)
	}
	require.Len(t, packets, workers*perWorker)

	var confirmed int
	var mu sync.Mutex
	for _, p := range packets {
		wg.Add(1)
		go func(p []byte) {
			defer wg.Done()
			_, err := b.remote.Decrypt(p)
			if errors.Is(err, ErrConfirmed) {
				mu.Lock()
				confirmed++
				mu.Unlock()
				return
			}
			assert.NoError(t, err)
		}(p)
	}
	wg.Wait()
	assert.Equal(t, 1, confirmed)
}
