package engine

import (
	"sync/atomic"

	"markethub/internal/domain"
)

// Feed couples the ring buffer of one feed type with its sequencer.
type Feed struct {
	Type     domain.FeedType
	Buffer   *FeedBuffer
	Sequence *Sequencer
}

// NewFeed creates an empty feed.
func NewFeed(feedType domain.FeedType, size, slotCapacity int) (*Feed, error) {
	buf, err := NewFeedBuffer(size, slotCapacity)
	if err != nil {
		return nil, err
	}
	return &Feed{Type: feedType, Buffer: buf, Sequence: &Sequencer{}}, nil
}

// Publish writes msg into the next slot and then advances the sequence.
// Only the feed's single writer may call it.
func (f *Feed) Publish(msg []byte) (truncated bool) {
	seq := f.Sequence.Get()
	_, truncated = f.Buffer.Write(seq, msg)
	f.Sequence.Increment()
	return truncated
}

// Reset empties the buffer and rewinds the sequence to zero.
func (f *Feed) Reset() {
	f.Buffer.Reset()
	f.Sequence.Set(0)
}

// FeedTable indexes the live feeds by type. Lookups are lock-free.
type FeedTable struct {
	feeds [domain.FeedTypeCount]atomic.Pointer[Feed]
}

// Load returns the feed for t or nil.
func (t *FeedTable) Load(ft domain.FeedType) *Feed {
	if !ft.Valid() {
		return nil
	}
	return t.feeds[ft].Load()
}

// Store installs f under its type.
func (t *FeedTable) Store(f *Feed) {
	t.feeds[f.Type].Store(f)
}

// Range calls fn for every installed feed in type order.
func (t *FeedTable) Range(fn func(*Feed)) {
	for i := range t.feeds {
		if f := t.feeds[i].Load(); f != nil {
			fn(f)
		}
	}
}
