package rttlink

import (
	"sync"
	"sync/atomic"
)

// BufferSizes sets the capacity of each packet buffer.
type BufferSizes struct {
	RxStaging int // encoded bytes of one incoming frame
	RxScratch int // raw read chunk
	TxFrame   int // encoded outgoing frame plus terminator
}

// DefaultBufferSizes matches the firmware's static buffers.
var DefaultBufferSizes = BufferSizes{RxStaging: 1024, RxScratch: 1024, TxFrame: 1024}

// PacketBuffers are the fixed buffers a Device runs on. They are carved
// from one allocation and never grow.
type PacketBuffers struct {
	RxStaging []byte
	RxScratch []byte
	TxFrame   []byte
}

// Arena owns one block of packet buffers for the life of the process and
// hands it out exactly once.
type Arena struct {
	sizes BufferSizes
	once  sync.Once
	bufs  *PacketBuffers
	taken atomic.Bool
}

// NewArena returns an arena with the given sizes. Nothing is allocated
// until the first Take.
func NewArena(sizes BufferSizes) *Arena {
	return &Arena{sizes: sizes}
}

// DefaultArena is the process-wide arena sized by DefaultBufferSizes.
var DefaultArena = NewArena(DefaultBufferSizes)

// Take returns the arena's buffers. Every call after the first returns
// ErrArenaTaken.
func (a *Arena) Take() (*PacketBuffers, error) {
	if !a.taken.CompareAndSwap(false, true) {
		return nil, ErrArenaTaken
	}
	a.once.Do(a.init)
	return a.bufs, nil
}

func (a *Arena) init() {
	s := a.sizes
	block := make([]byte, s.RxStaging+s.RxScratch+s.TxFrame)
	// Full slice expressions keep one buffer from appending into the next.
	a.bufs = &PacketBuffers{
		RxStaging: block[:s.RxStaging:s.RxStaging],
		RxScratch: block[s.RxStaging : s.RxStaging+s.RxScratch : s.RxStaging+s.RxScratch],
		TxFrame:   block[s.RxStaging+s.RxScratch:],
	}
}
