package feed

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"markethub/internal/domain"
	"markethub/internal/engine"
	"markethub/internal/infra"

	"github.com/google/uuid"
)

// Delimiter terminates every message on a producer stream.
const Delimiter = ';'

// ReaderOptions tunes a Reader. Zero values fall back to DefaultHubConfig.
type ReaderOptions struct {
	ReadBufferSize int
	PollInterval   time.Duration
	DialTimeout    time.Duration
	Metrics        *infra.Metrics
}

// Stats is a point-in-time view of a reader.
type Stats struct {
	ID          string     `json:"id"`
	Feed        string     `json:"feed"`
	Addr        string     `json:"addr"`
	Connected   bool       `json:"connected"`
	ConnectedAt time.Time  `json:"connected_at"`
	FirstDataAt *time.Time `json:"first_data_at,omitempty"`
	Messages    uint64     `json:"messages"`
	Truncated   uint64     `json:"truncated"`
}

// Reader is the single writer of one feed. It reads a producer's TCP
// stream, splits it on Delimiter and publishes each message into the feed.
type Reader struct {
	id       string
	feedType domain.FeedType
	addr     string
	feed     *engine.Feed
	opts     ReaderOptions

	conn      net.Conn
	mu        sync.Mutex
	connected atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	done      chan struct{}

	// framing state, owned by the read loop
	pending  []byte
	overlong bool

	connectedAt time.Time
	firstData   atomic.Int64 // unix nanos, 0 until the first message
	messages    atomic.Uint64
	truncated   atomic.Uint64
}

// NewReader creates a reader that will publish into f.
func NewReader(feedType domain.FeedType, addr string, f *engine.Feed, opts ReaderOptions) *Reader {
	defaults := infra.DefaultHubConfig()
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = defaults.ReadBufferSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.ReadPollInterval
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaults.DialTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = infra.GlobalMetrics
	}
	return &Reader{
		id:       uuid.NewString(),
		feedType: feedType,
		addr:     addr,
		feed:     f,
		opts:     opts,
		pending:  make([]byte, 0, f.Buffer.SlotCapacity()),
		done:     make(chan struct{}),
	}
}

// ID identifies this producer session.
func (r *Reader) ID() string { return r.id }

// FeedType returns the feed this reader writes.
func (r *Reader) FeedType() domain.FeedType { return r.feedType }

// Addr returns the producer address.
func (r *Reader) Addr() string { return r.addr }

// Connect dials the producer and starts the read loop.
// A Reader connects at most once.
func (r *Reader) Connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: r.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return domain.NewNetworkError("dial producer "+r.addr, err)
	}

	r.mu.Lock()
	r.conn = conn
	r.connectedAt = time.Now()
	r.mu.Unlock()
	r.connected.Store(true)
	r.opts.Metrics.IncrementProducers()

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.readLoop(loopCtx, conn)

	slog.Info("Producer connected", slog.String("feed", r.feedType.String()),
		slog.String("addr", r.addr), slog.String("id", r.id))
	return nil
}

func (r *Reader) readLoop(ctx context.Context, conn net.Conn) {
	defer r.wg.Done()
	defer close(r.done)
	defer func() {
		if len(r.pending) > 0 {
			slog.Debug("Discarding incomplete message", slog.String("feed", r.feedType.String()), slog.Int("bytes", len(r.pending)))
		}
		r.closeConnection()
	}()

	buf := make([]byte, r.opts.ReadBufferSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(r.opts.PollInterval))
		n, err := conn.Read(buf)
		if n > 0 {
			r.ingest(buf[:n])
		}
		if err == nil {
			continue
		}

		var ne net.Error
		switch {
		case errors.As(err, &ne) && ne.Timeout():
			continue
		case errors.Is(err, io.EOF):
			slog.Info("Producer closed the stream", slog.String("feed", r.feedType.String()), slog.String("addr", r.addr))
		case ctx.Err() != nil:
		default:
			slog.Warn("Producer read failed", slog.String("feed", r.feedType.String()),
				slog.String("addr", r.addr), slog.Any("error", err))
		}
		return
	}
}

// ingest frames chunk into messages. A message may span any number of
// chunks; bytes beyond the slot capacity are dropped and the message is
// counted as truncated.
func (r *Reader) ingest(chunk []byte) {
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, Delimiter)
		if i < 0 {
			r.accumulate(chunk)
			return
		}
		r.accumulate(chunk[:i])
		r.flush()
		chunk = chunk[i+1:]
	}
}

func (r *Reader) accumulate(part []byte) {
	if room := cap(r.pending) - len(r.pending); len(part) > room {
		part = part[:room]
		r.overlong = true
	}
	r.pending = append(r.pending, part...)
}

func (r *Reader) flush() {
	// empty segments between delimiters are not messages
	if len(r.pending) == 0 && !r.overlong {
		return
	}

	truncated := r.feed.Publish(r.pending) || r.overlong
	r.pending = r.pending[:0]
	r.overlong = false

	r.messages.Add(1)
	if truncated {
		r.truncated.Add(1)
	}
	r.firstData.CompareAndSwap(0, time.Now().UnixNano())
	r.opts.Metrics.RecordIngested(truncated)
}

func (r *Reader) closeConnection() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	if r.connected.Swap(false) {
		r.opts.Metrics.DecrementProducers()
	}
}

// Disconnect stops the read loop and closes the connection. Idempotent.
func (r *Reader) Disconnect() {
	if r.cancel != nil {
		r.cancel()
	}
	r.closeConnection()
	r.wg.Wait()
}

// Done is closed once the read loop has exited.
func (r *Reader) Done() <-chan struct{} {
	return r.done
}

// Connected reports whether the stream is still open.
func (r *Reader) Connected() bool {
	return r.connected.Load()
}

// FirstDataTime returns when the first complete message arrived.
func (r *Reader) FirstDataTime() (time.Time, bool) {
	ns := r.firstData.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// Messages returns the number of messages published so far.
func (r *Reader) Messages() uint64 { return r.messages.Load() }

// Truncated returns the number of messages cut to the slot capacity.
func (r *Reader) Truncated() uint64 { return r.truncated.Load() }

// Stats returns a snapshot of the reader.
func (r *Reader) Stats() Stats {
	r.mu.Lock()
	connectedAt := r.connectedAt
	r.mu.Unlock()

	s := Stats{
		ID:          r.id,
		Feed:        r.feedType.String(),
		Addr:        r.addr,
		Connected:   r.connected.Load(),
		ConnectedAt: connectedAt,
		Messages:    r.messages.Load(),
		Truncated:   r.truncated.Load(),
	}
	if t, ok := r.FirstDataTime(); ok {
		s.FirstDataAt = &t
	}
	return s
}
