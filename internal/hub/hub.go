package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"markethub/internal/domain"
	"markethub/internal/engine"
	"markethub/internal/infra"
	"markethub/internal/infra/feed"
)

// Options configures a Hub.
type Options struct {
	Host     string
	Config   infra.HubConfig
	Routes   []Route
	Metrics  *infra.Metrics
	Recorder domain.SessionRecorder
}

// Hub owns the feeds, the producer readers and the subscriber dispatcher.
//
// Lifecycle: Start binds the listening ports, ConnectToProducer attaches
// upstream feeds (before or after Start), Stop tears the data plane down
// and Reset additionally discards every buffered message so a later Start
// begins from sequence zero.
//
// lifecycle serializes producer changes with Stop and Reset; mu guards the
// fields below and is never held across network I/O.
type Hub struct {
	opts Options

	lifecycle  sync.Mutex
	mu         sync.Mutex
	feeds      engine.FeedTable
	readers    [domain.FeedTypeCount]*feed.Reader
	dispatcher *Dispatcher
}

// New validates opts and returns a stopped hub.
func New(opts Options) (*Hub, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if len(opts.Routes) == 0 {
		return nil, domain.NewConfigError("features", fmt.Errorf("no routes configured"))
	}
	if opts.Metrics == nil {
		opts.Metrics = infra.GlobalMetrics
	}
	if opts.Recorder == nil {
		opts.Recorder = domain.NopRecorder{}
	}
	return &Hub{opts: opts}, nil
}

// Start binds every feature port and begins accepting subscribers.
func (h *Hub) Start() error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dispatcher != nil {
		return domain.ErrHubRunning
	}

	d, err := NewDispatcher(DispatcherOptions{
		Host:     h.opts.Host,
		Routes:   h.opts.Routes,
		Feeds:    &h.feeds,
		Hub:      h.opts.Config,
		Metrics:  h.opts.Metrics,
		Recorder: h.opts.Recorder,
	})
	if err != nil {
		return err
	}
	d.Serve()
	h.dispatcher = d
	slog.Info("Hub started", slog.Int("features", len(h.opts.Routes)))
	return nil
}

// Running reports whether the hub is accepting subscribers.
func (h *Hub) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dispatcher != nil
}

// ConnectToProducer dials addr and feeds its stream into the feed of type ft.
// An existing connection for ft is replaced; its buffered messages and
// sequence are kept so consumers continue where they were.
func (h *Hub) ConnectToProducer(ctx context.Context, ft domain.FeedType, addr string) error {
	if !ft.Valid() {
		return fmt.Errorf("%w: %d", domain.ErrUnknownFeedType, uint8(ft))
	}

	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.mu.Lock()
	old := h.readers[ft]
	h.readers[ft] = nil
	f := h.feeds.Load(ft)
	if f == nil {
		var err error
		f, err = engine.NewFeed(ft, h.opts.Config.BufferSize, h.opts.Config.SlotCapacity)
		if err != nil {
			h.mu.Unlock()
			return err
		}
		h.feeds.Store(f)
	}
	h.mu.Unlock()

	// the feed has a single writer: the old reader is gone before the new one dials
	if old != nil {
		slog.Info("Replacing producer", slog.String("feed", ft.String()), slog.String("old", old.Addr()), slog.String("new", addr))
		old.Disconnect()
	}

	r := feed.NewReader(ft, addr, f, feed.ReaderOptions{
		ReadBufferSize: h.opts.Config.ReadBufferSize,
		PollInterval:   h.opts.Config.ReadPollInterval,
		DialTimeout:    h.opts.Config.DialTimeout,
		Metrics:        h.opts.Metrics,
	})
	if err := r.Connect(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	select {
	case <-r.Done():
		// stream already over; awaitProducer has nothing to forget
	default:
		h.readers[ft] = r
	}
	h.mu.Unlock()

	stats := r.Stats()
	h.opts.Recorder.ProducerConnected(domain.ProducerSession{
		ID:          stats.ID,
		Feed:        stats.Feed,
		Addr:        stats.Addr,
		ConnectedAt: stats.ConnectedAt,
	})
	go h.awaitProducer(r)
	return nil
}

// awaitProducer forgets r once its stream ends.
func (h *Hub) awaitProducer(r *feed.Reader) {
	<-r.Done()
	h.opts.Recorder.ProducerDisconnected(r.ID(), r.Messages(), r.Truncated())

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.readers[r.FeedType()] == r {
		h.readers[r.FeedType()] = nil
	}
}

// DisconnectProducer closes the producer of ft. Buffered messages stay.
// It reports whether a producer was connected.
func (h *Hub) DisconnectProducer(ft domain.FeedType) bool {
	if !ft.Valid() {
		return false
	}
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.mu.Lock()
	r := h.readers[ft]
	h.readers[ft] = nil
	h.mu.Unlock()

	if r == nil {
		return false
	}
	r.Disconnect()
	slog.Info("Producer disconnected", slog.String("feed", ft.String()), slog.String("addr", r.Addr()))
	return true
}

// Stop closes every producer, subscriber and listener. Idempotent.
func (h *Hub) Stop() {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	h.stop()
}

// stop requires h.lifecycle.
func (h *Hub) stop() {
	h.mu.Lock()
	d := h.dispatcher
	h.dispatcher = nil
	readers := h.readers
	h.readers = [domain.FeedTypeCount]*feed.Reader{}
	h.mu.Unlock()

	for _, r := range readers {
		if r != nil {
			r.Disconnect()
		}
	}
	if d != nil {
		d.Close(h.opts.Config.StopTimeout)
		slog.Info("Hub stopped")
	}
}

// Reset stops the hub and rewinds every feed to an empty buffer at
// sequence zero. Feeds keep their allocation.
func (h *Hub) Reset() {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.stop()
	h.feeds.Range(func(f *engine.Feed) { f.Reset() })
	slog.Info("Hub reset")
}

// Feed returns the feed of type ft, or nil before its first producer.
func (h *Hub) Feed(ft domain.FeedType) *engine.Feed {
	return h.feeds.Load(ft)
}

// Group returns the consumer group serving port, or nil.
func (h *Hub) Group(port int) *engine.ConsumerGroup {
	h.mu.Lock()
	d := h.dispatcher
	h.mu.Unlock()
	if d == nil {
		return nil
	}
	return d.Group(port)
}

// TCPAddr returns where subscribers of feature connect.
func (h *Hub) TCPAddr(feature string) (net.Addr, error) {
	h.mu.Lock()
	d := h.dispatcher
	h.mu.Unlock()
	if d == nil {
		return nil, domain.ErrHubNotRunning
	}
	addr, ok := d.TCPAddr(feature)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownFeature, feature)
	}
	return addr, nil
}

// WSAddr returns the WebSocket endpoint of feature.
func (h *Hub) WSAddr(feature string) (net.Addr, error) {
	h.mu.Lock()
	d := h.dispatcher
	h.mu.Unlock()
	if d == nil {
		return nil, domain.ErrHubNotRunning
	}
	addr, ok := d.WSAddr(feature)
	if !ok {
		return nil, fmt.Errorf("%w: no websocket endpoint for %q", domain.ErrUnknownFeature, feature)
	}
	return addr, nil
}

// FeedStatus describes one feed.
type FeedStatus struct {
	Feed     string      `json:"feed"`
	Sequence uint64      `json:"sequence"`
	Producer *feed.Stats `json:"producer,omitempty"`
}

// Status is a point-in-time view of the hub.
type Status struct {
	Running bool                  `json:"running"`
	Feeds   []FeedStatus          `json:"feeds"`
	Groups  []engine.GroupStatus  `json:"groups"`
	Metrics infra.MetricsSnapshot `json:"metrics"`
	Time    time.Time             `json:"time"`
}

// Status returns a snapshot of feeds, groups and counters.
func (h *Hub) Status() Status {
	h.mu.Lock()
	d := h.dispatcher
	readers := h.readers
	h.mu.Unlock()

	st := Status{
		Running: d != nil,
		Feeds:   []FeedStatus{},
		Groups:  []engine.GroupStatus{},
		Metrics: h.opts.Metrics.Snapshot(),
		Time:    time.Now(),
	}
	h.feeds.Range(func(f *engine.Feed) {
		entry := FeedStatus{Feed: f.Type.String(), Sequence: f.Sequence.Get()}
		if r := readers[f.Type]; r != nil {
			stats := r.Stats()
			entry.Producer = &stats
		}
		st.Feeds = append(st.Feeds, entry)
	})
	if d != nil {
		st.Groups = d.Groups()
	}
	return st
}
