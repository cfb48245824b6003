package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"markethub/internal/domain"
)

const wordSize = 8

// FeedBuffer is a fixed ring of byte slots written by a single producer.
//
// Slot i holds the message published at a sequence s with s&mask == i.
// Each slot carries a stamp (s+1 once written, 0 while being rewritten)
// so readers can detect that a lapping writer replaced the slot under them.
// Slot bytes live in 64-bit words accessed atomically, so a reader racing
// a lapping writer sees stale or mixed words and discards them on the stamp
// re-check, never an unsynchronized access.
type FeedBuffer struct {
	mask      uint64
	slotCap   int
	slotWords int
	words     []atomic.Uint64 // size * slotWords, slot i at [i*slotWords, (i+1)*slotWords)
	lengths   []atomic.Int64
	stamps    []atomic.Uint64
}

// NewFeedBuffer allocates size slots of slotCapacity bytes each.
// size must be a power of two.
func NewFeedBuffer(size, slotCapacity int) (*FeedBuffer, error) {
	if size <= 0 || size&(size-1) != 0 {
		return nil, domain.NewConfigError("buffer_size", fmt.Errorf("%w: %d", domain.ErrBufferSizeNotPowerOfTwo, size))
	}
	if slotCapacity <= 0 {
		return nil, domain.NewConfigError("slot_capacity", errors.New("must be positive"))
	}
	slotWords := (slotCapacity + wordSize - 1) / wordSize
	return &FeedBuffer{
		mask:      uint64(size - 1),
		slotCap:   slotCapacity,
		slotWords: slotWords,
		words:     make([]atomic.Uint64, size*slotWords),
		lengths:   make([]atomic.Int64, size),
		stamps:    make([]atomic.Uint64, size),
	}, nil
}

// Size returns the number of slots.
func (b *FeedBuffer) Size() uint64 {
	return b.mask + 1
}

// SlotCapacity returns the byte capacity of a slot.
func (b *FeedBuffer) SlotCapacity() int {
	return b.slotCap
}

func (b *FeedBuffer) slot(i uint64) []atomic.Uint64 {
	off := int(i) * b.slotWords
	return b.words[off : off+b.slotWords : off+b.slotWords]
}

// Write stores msg as the message for seq, truncated to the slot capacity.
// It returns the stored length and whether bytes were cut.
func (b *FeedBuffer) Write(seq uint64, msg []byte) (int, bool) {
	i := seq & b.mask
	stamp := &b.stamps[i]

	n := min(len(msg), b.slotCap)
	stamp.Store(0)
	storeWords(b.slot(i), msg[:n])
	b.lengths[i].Store(int64(n))
	stamp.Store(seq + 1)

	return n, n < len(msg)
}

// Read copies the message stored for seq into dst and returns its length.
// ok is false when the slot does not (or no longer) hold seq.
// A zero length with ok set is a tombstone.
func (b *FeedBuffer) Read(seq uint64, dst []byte) (n int, ok bool) {
	i := seq & b.mask
	stamp := &b.stamps[i]

	if stamp.Load() != seq+1 {
		return 0, false
	}
	length := int(b.lengths[i].Load())
	n = loadWords(b.slot(i), dst[:min(length, len(dst), b.slotCap)])
	if stamp.Load() != seq+1 {
		return 0, false
	}
	return n, true
}

// Reset clears every slot. The caller must ensure no writer is active.
func (b *FeedBuffer) Reset() {
	for i := range b.stamps {
		b.stamps[i].Store(0)
		b.lengths[i].Store(0)
	}
}

func storeWords(words []atomic.Uint64, src []byte) {
	w := 0
	for ; len(src) >= wordSize; w++ {
		words[w].Store(binary.LittleEndian.Uint64(src))
		src = src[wordSize:]
	}
	if len(src) > 0 {
		var tail [wordSize]byte
		copy(tail[:], src)
		words[w].Store(binary.LittleEndian.Uint64(tail[:]))
	}
}

func loadWords(words []atomic.Uint64, dst []byte) int {
	n := len(dst)
	w := 0
	for ; len(dst) >= wordSize; w++ {
		binary.LittleEndian.PutUint64(dst, words[w].Load())
		dst = dst[wordSize:]
	}
	if len(dst) > 0 {
		var tail [wordSize]byte
		binary.LittleEndian.PutUint64(tail[:], words[w].Load())
		copy(dst, tail[:])
	}
	return n
}
