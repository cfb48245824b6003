package storage

import (
	"log/slog"
	"sync"
	"time"

	"markethub/internal/domain"
)

type recordKind uint8

const (
	subscriberOpened recordKind = iota
	subscriberClosed
	producerOpened
	producerClosed
)

type record struct {
	kind       recordKind
	at         time.Time
	subscriber domain.SubscriberSession
	producer   domain.ProducerSession
	id         string
	reason     string
	messages   uint64
	truncated  uint64
}

// Recorder writes session events to Storage from a background goroutine.
// Events are queued without blocking; when the queue is full they are dropped.
type Recorder struct {
	store *Storage
	queue chan record

	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex // guards closed against concurrent enqueue
	closed    bool
}

// NewRecorder starts a recorder with a queue of queueSize events.
func NewRecorder(store *Storage, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	r := &Recorder{
		store: store,
		queue: make(chan record, queueSize),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *Recorder) enqueue(rec record) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- rec:
	default: // DROP
		slog.Warn("Session recorder queue full, event dropped", slog.String("id", rec.id))
	}
}

// SubscriberConnected implements domain.SessionRecorder.
func (r *Recorder) SubscriberConnected(s domain.SubscriberSession) {
	r.enqueue(record{kind: subscriberOpened, subscriber: s, id: s.ID})
}

// SubscriberDisconnected implements domain.SessionRecorder.
func (r *Recorder) SubscriberDisconnected(id string, reason string) {
	r.enqueue(record{kind: subscriberClosed, at: time.Now(), id: id, reason: reason})
}

// ProducerConnected implements domain.SessionRecorder.
func (r *Recorder) ProducerConnected(s domain.ProducerSession) {
	r.enqueue(record{kind: producerOpened, producer: s, id: s.ID})
}

// ProducerDisconnected implements domain.SessionRecorder.
func (r *Recorder) ProducerDisconnected(id string, messages, truncated uint64) {
	r.enqueue(record{kind: producerClosed, at: time.Now(), id: id, messages: messages, truncated: truncated})
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for rec := range r.queue {
		if err := r.apply(rec); err != nil {
			slog.Error("Failed to persist session event", slog.String("id", rec.id), slog.Any("error", err))
		}
	}
}

func (r *Recorder) apply(rec record) error {
	switch rec.kind {
	case subscriberOpened:
		return r.store.SaveSubscriber(&rec.subscriber)
	case subscriberClosed:
		return r.store.CloseSubscriber(rec.id, rec.at, rec.reason)
	case producerOpened:
		return r.store.SaveProducer(&rec.producer)
	case producerClosed:
		return r.store.CloseProducer(rec.id, rec.at, rec.messages, rec.truncated)
	}
	return nil
}

// Close drains the queue and waits for pending writes. Later events are ignored.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
	})
	r.wg.Wait()
}

var _ domain.SessionRecorder = (*Recorder)(nil)
