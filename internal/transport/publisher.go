package transport

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"markethub/internal/infra"
)

// Publisher fans payloads out to the live subscribers of one consumer group.
//
// The subscriber set is copy-on-write: Publish iterates an immutable
// snapshot while Add and Remove build a new slice, so acceptance and
// publishing never block each other. A subscriber whose write fails is
// removed and closed on the spot; the others still get the payload.
type Publisher struct {
	port    int
	metrics *infra.Metrics

	mu   sync.Mutex // serialises updates of subs
	subs atomic.Pointer[[]Subscriber]

	onRemove func(sub Subscriber, reason string)
}

// NewPublisher creates an empty publisher for port.
func NewPublisher(port int, metrics *infra.Metrics) *Publisher {
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	p := &Publisher{port: port, metrics: metrics}
	p.subs.Store(&[]Subscriber{})
	return p
}

// OnRemove registers a hook called once for every subscriber that leaves the set.
// Must be set before the publisher is shared.
func (p *Publisher) OnRemove(fn func(sub Subscriber, reason string)) {
	p.onRemove = fn
}

// Add registers sub. Adding the same subscriber twice is a no-op.
func (p *Publisher) Add(sub Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := *p.subs.Load()
	if slices.Contains(current, sub) {
		return
	}
	next := make([]Subscriber, len(current), len(current)+1)
	copy(next, current)
	next = append(next, sub)
	p.subs.Store(&next)

	p.metrics.IncrementSubscribers()
	slog.Debug("Subscriber added", slog.Int("port", p.port), slog.String("id", sub.ID()),
		slog.String("remote", sub.RemoteAddr()), slog.Int("total", len(next)))
}

// Remove unregisters and closes sub. It reports whether sub was registered;
// only that call runs the OnRemove hook.
func (p *Publisher) Remove(sub Subscriber, reason string) bool {
	p.mu.Lock()
	current := *p.subs.Load()
	i := slices.Index(current, sub)
	if i < 0 {
		p.mu.Unlock()
		return false
	}
	next := make([]Subscriber, 0, len(current)-1)
	next = append(next, current[:i]...)
	next = append(next, current[i+1:]...)
	p.subs.Store(&next)
	p.mu.Unlock()

	p.metrics.DecrementSubscribers()
	if err := sub.Close(); err != nil {
		slog.Debug("Error closing subscriber", slog.String("id", sub.ID()), slog.Any("error", err))
	}
	slog.Info("Subscriber removed", slog.Int("port", p.port), slog.String("id", sub.ID()),
		slog.String("remote", sub.RemoteAddr()), slog.String("reason", reason), slog.Int("total", len(next)))

	if p.onRemove != nil {
		p.onRemove(sub, reason)
	}
	return true
}

// Publish writes payload to every subscriber and returns how many succeeded.
// Failures are handled here and never reported to the caller.
func (p *Publisher) Publish(payload []byte) int {
	delivered := 0
	for _, sub := range *p.subs.Load() {
		if err := sub.Write(payload); err != nil {
			p.metrics.RecordPublishFailure()
			slog.Warn("Failed to write to subscriber", slog.Int("port", p.port),
				slog.String("id", sub.ID()), slog.String("remote", sub.RemoteAddr()), slog.Any("error", err))
			p.Remove(sub, "write failed: "+err.Error())
			continue
		}
		p.metrics.RecordPublish()
		delivered++
	}
	return delivered
}

// Len returns the number of live subscribers.
func (p *Publisher) Len() int {
	return len(*p.subs.Load())
}

// Subscribers returns a snapshot of the live set.
func (p *Publisher) Subscribers() []Subscriber {
	return slices.Clone(*p.subs.Load())
}

// CloseAll removes and closes every subscriber.
func (p *Publisher) CloseAll(reason string) {
	for _, sub := range *p.subs.Load() {
		p.Remove(sub, reason)
	}
}
