package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"markethub/internal/domain"
	"markethub/internal/feature"
	"markethub/internal/infra"
)

// Sink receives the payloads produced by a group's transform.
type Sink interface {
	// Publish delivers payload to every subscriber and returns how many accepted it.
	Publish(payload []byte) int
	// Len returns the number of live subscribers.
	Len() int
}

// GroupOptions configures a ConsumerGroup.
type GroupOptions struct {
	Port        int
	Feature     string
	Transform   feature.Transform
	Feeds       *FeedTable
	Sink        Sink
	Metrics     *infra.Metrics
	IdleSpins   int
	IdleBackoff time.Duration
}

// ConsumerGroup drives one feature for all subscribers of one port.
//
// It polls the feeds the feature is interested in, delivers every
// published slot in order to the transform and hands the output to
// the sink. Exactly one goroutine runs the loop (see Start), so the
// transform and the cursors need no locking.
type ConsumerGroup struct {
	port      int
	name      string
	feeds     *FeedTable
	transform feature.Transform
	sink      Sink
	metrics   *infra.Metrics
	backoff   Backoff

	interests  atomic.Pointer[[]domain.FeedType]
	interestMu sync.Mutex

	// cursors[t] is the next sequence to consume for feed t. Loop-owned.
	cursors [domain.FeedTypeCount]uint64

	// positions mirrors cursors for readers outside the loop.
	positions [domain.FeedTypeCount]atomic.Uint64
	scratch   []byte

	started atomic.Bool
	running atomic.Bool
	done    chan struct{}
}

// NewConsumerGroup creates a stopped group.
func NewConsumerGroup(opts GroupOptions) (*ConsumerGroup, error) {
	if opts.Transform == nil {
		return nil, errors.New("consumer group: transform is required")
	}
	if opts.Feeds == nil || opts.Sink == nil {
		return nil, errors.New("consumer group: feeds and sink are required")
	}
	if opts.Metrics == nil {
		opts.Metrics = infra.GlobalMetrics
	}
	g := &ConsumerGroup{
		port:      opts.Port,
		name:      opts.Feature,
		feeds:     opts.Feeds,
		transform: opts.Transform,
		sink:      opts.Sink,
		metrics:   opts.Metrics,
		backoff:   Backoff{Spins: opts.IdleSpins, Sleep: opts.IdleBackoff},
		done:      make(chan struct{}),
	}
	empty := []domain.FeedType{}
	g.interests.Store(&empty)
	return g, nil
}

// Port returns the listening port this group serves.
func (g *ConsumerGroup) Port() int {
	return g.port
}

// Feature returns the feature name.
func (g *ConsumerGroup) Feature() string {
	return g.name
}

// RegisterInterest adds feed types to the polled set. Idempotent.
func (g *ConsumerGroup) RegisterInterest(feeds ...domain.FeedType) error {
	g.interestMu.Lock()
	defer g.interestMu.Unlock()

	current := *g.interests.Load()
	next := slices.Clone(current)
	for _, f := range feeds {
		if !f.Valid() {
			return fmt.Errorf("%w: %d", domain.ErrUnknownFeedType, uint8(f))
		}
		if !slices.Contains(next, f) {
			next = append(next, f)
		}
	}
	if len(next) != len(current) {
		g.interests.Store(&next)
	}
	return nil
}

// Interests returns the polled feed types.
func (g *ConsumerGroup) Interests() []domain.FeedType {
	return slices.Clone(*g.interests.Load())
}

// Start launches the polling loop. Only the first call starts it;
// it reports whether this call did.
func (g *ConsumerGroup) Start() bool {
	if !g.started.CompareAndSwap(false, true) {
		return false
	}
	g.running.Store(true)
	go g.run()
	return true
}

// Started reports whether the loop was ever started.
func (g *ConsumerGroup) Started() bool {
	return g.started.Load()
}

// Stop asks the loop to exit after its current feed and waits up to timeout.
// It reports whether the loop has exited. Safe to call more than once.
func (g *ConsumerGroup) Stop(timeout time.Duration) bool {
	g.running.Store(false)
	if !g.started.Load() {
		return true
	}
	select {
	case <-g.done:
		return true
	case <-time.After(timeout):
		slog.Warn("Consumer group did not stop in time", slog.Int("port", g.port), slog.Duration("timeout", timeout))
		return false
	}
}

// Done is closed when the loop exits.
func (g *ConsumerGroup) Done() <-chan struct{} {
	return g.done
}

// Position returns the next sequence the group will consume from feed.
func (g *ConsumerGroup) Position(feed domain.FeedType) uint64 {
	if !feed.Valid() {
		return 0
	}
	return g.positions[feed].Load()
}

func (g *ConsumerGroup) run() {
	defer close(g.done)
	slog.Info("Consumer group started", slog.Int("port", g.port), slog.String("feature", g.name))

	for g.running.Load() {
		if g.sweep() > 0 {
			g.backoff.Reset()
		} else {
			g.backoff.Idle()
		}
	}

	slog.Info("Consumer group stopped", slog.Int("port", g.port), slog.String("feature", g.name))
}

// sweep visits every interested feed once and consumes at most one slot
// from each. It returns the number of feeds that had data.
func (g *ConsumerGroup) sweep() int {
	processed := 0
	for _, ft := range *g.interests.Load() {
		feed := g.feeds.Load(ft)
		if feed == nil {
			continue
		}
		if g.consume(feed) {
			processed++
		}
	}
	return processed
}

func (g *ConsumerGroup) consume(feed *Feed) bool {
	idx := feed.Type.Index()
	current := feed.Sequence.Get()
	last := g.cursors[idx]
	if current <= last {
		return false
	}

	size := feed.Buffer.Size()
	if available := current - last; available > size {
		// Keep the newest size entries; the gap is gone.
		next := current - size
		g.metrics.RecordOverflow(next - last)
		slog.Warn("Consumer fell behind, dropping oldest messages",
			slog.Int("port", g.port),
			slog.String("feed", feed.Type.String()),
			slog.Uint64("buffer_size", size),
			slog.Uint64("available", available),
			slog.Uint64("dropped", next-last),
			slog.Uint64("resume_at", next))
		last = next
	}

	if cap(g.scratch) < feed.Buffer.SlotCapacity() {
		g.scratch = make([]byte, feed.Buffer.SlotCapacity())
	}
	g.scratch = g.scratch[:cap(g.scratch)]

	n, ok := feed.Buffer.Read(last, g.scratch)
	switch {
	case !ok:
		// overwritten by the producer while we were reading it
		g.metrics.RecordDropped(1)
		slog.Warn("Slot lapped during read", slog.Int("port", g.port),
			slog.String("feed", feed.Type.String()), slog.Uint64("sequence", last))
	case n > 0:
		g.deliver(g.scratch[:n], feed.Type, last)
	}

	g.cursors[idx] = last + 1
	g.positions[idx].Store(last + 1)
	return true
}

func (g *ConsumerGroup) deliver(msg []byte, ft domain.FeedType, seq uint64) {
	defer func() {
		if r := recover(); r != nil {
			g.metrics.RecordMalformed()
			slog.Error("Transform panicked",
				slog.Int("port", g.port),
				slog.String("feed", ft.String()),
				slog.Uint64("sequence", seq),
				slog.Any("panic", r))
		}
	}()

	g.metrics.RecordUpdate()
	out, err := g.transform.OnUpdate(msg, ft)
	if err != nil {
		g.metrics.RecordMalformed()
		slog.Error("Invalid message",
			slog.Int("port", g.port),
			slog.String("feature", g.name),
			slog.String("feed", ft.String()),
			slog.String("message", string(msg)),
			slog.Any("error", err))
		return
	}
	if len(out) == 0 {
		return
	}
	g.sink.Publish(out)
}

// GroupStatus is a point-in-time view of a group.
type GroupStatus struct {
	Port      int               `json:"port"`
	Feature   string            `json:"feature"`
	Started   bool              `json:"started"`
	Running   bool              `json:"running"`
	Clients   int               `json:"clients"`
	Positions map[string]uint64 `json:"positions"`
}

// Status returns a snapshot of the group (external read).
func (g *ConsumerGroup) Status() GroupStatus {
	st := GroupStatus{
		Port:      g.port,
		Feature:   g.name,
		Started:   g.Started(),
		Running:   g.running.Load(),
		Clients:   g.sink.Len(),
		Positions: make(map[string]uint64),
	}
	for _, ft := range *g.interests.Load() {
		st.Positions[ft.String()] = g.Position(ft)
	}
	return st
}
