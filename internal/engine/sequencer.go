package engine

import "sync/atomic"

// Sequencer is the publication counter of one feed.
// The owning reader writes a slot, then calls Increment; any goroutine
// that observes the new value through Get also observes the slot contents.
type Sequencer struct {
	_     [64]byte // keep the hot counter off neighbouring cache lines
	value atomic.Uint64
	_     [56]byte
}

// Get returns the latest published sequence. Safe for concurrent readers.
func (s *Sequencer) Get() uint64 {
	return s.value.Load()
}

// Increment publishes exactly one more message.
// Only the single writer of the feed may call it.
func (s *Sequencer) Increment() {
	s.value.Add(1)
}

// Set forcibly assigns the counter. Used by reset only.
func (s *Sequencer) Set(v uint64) {
	s.value.Store(v)
}
