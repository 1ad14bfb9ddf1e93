// Package replay implements the sliding-window anti-replay filter used on
// the receive side of every transport keypair.
//
// The window is a ring of 64-bit blocks (RFC 6479). A counter is accepted at
// most once; counters further than WindowSize behind the highest accepted
// counter are rejected outright.
package replay

const (
	blockBitsLog = 6
	blockBits    = 1 << blockBitsLog
	// TotalBits is the size of the bitmap backing the window.
	TotalBits = 2048
	numBlocks = TotalBits / blockBits
	// WindowSize is how far behind the highest accepted counter a counter
	// may be and still be considered. One block is kept spare so that
	// advancing the window never clears bits that are still inside it.
	WindowSize = TotalBits - blockBits
)

// Filter rejects replayed counters. The zero value is ready to use.
// A Filter is not safe for concurrent use; callers serialize access.
type Filter struct {
	last   uint64
	blocks [numBlocks]uint64
}

// Reset returns the filter to its initial state.
func (f *Filter) Reset() {
	f.last = 0
	f.blocks = [numBlocks]uint64{}
}

// Last returns the highest counter accepted so far.
func (f *Filter) Last() uint64 {
	return f.last
}

// ValidateCounter records counter and reports whether it is fresh. Counters
// at or above limit are never accepted, and once the highest accepted counter
// reaches limit the filter rejects everything.
func (f *Filter) ValidateCounter(counter, limit uint64) bool {
	if f.last >= limit || counter >= limit {
		return false
	}

	// too old to be represented
	if counter+WindowSize < f.last {
		return false
	}

	indexBlock := counter >> blockBitsLog
	if counter > f.last {
		current := f.last >> blockBitsLog
		diff := indexBlock - current
		if diff > numBlocks {
			diff = numBlocks
		}
		// clear the blocks the window slides over
		for i := uint64(1); i <= diff; i++ {
			f.blocks[(current+i)%numBlocks] = 0
		}
		f.last = counter
	}

	indexBlock %= numBlocks
	bit := uint64(1) << (counter & (blockBits - 1))
	old := f.blocks[indexBlock]
	f.blocks[indexBlock] = old | bit
	return old&bit == 0
}
