package engine

import (
	"runtime"
	"time"
)

// Backoff is the idle strategy of a polling loop.
// The first Spins empty sweeps only yield the processor; after that
// every empty sweep sleeps for Sleep. Not safe for concurrent use.
type Backoff struct {
	Spins int
	Sleep time.Duration

	idle int
}

// Idle is called after a sweep that found no work.
func (b *Backoff) Idle() {
	if b.idle < b.Spins {
		b.idle++
		runtime.Gosched()
		return
	}
	if b.Sleep > 0 {
		time.Sleep(b.Sleep)
		return
	}
	runtime.Gosched()
}

// Reset is called after a sweep that found work.
func (b *Backoff) Reset() {
	b.idle = 0
}
