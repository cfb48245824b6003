package domain

// SessionRecorder receives connection lifecycle events for auditing.
// Implementations must not block the caller; the hub calls them from hot paths.
type SessionRecorder interface {
	SubscriberConnected(s SubscriberSession)
	SubscriberDisconnected(id string, reason string)
	ProducerConnected(s ProducerSession)
	ProducerDisconnected(id string, messages, truncated uint64)
}

// SessionLister reads recorded sessions back, newest first.
// limit <= 0 means all.
type SessionLister interface {
	ListSubscribers(limit int) ([]SubscriberSession, error)
	ListSubscribersByPort(port, limit int) ([]SubscriberSession, error)
	ListProducers(limit int) ([]ProducerSession, error)
}

// NopRecorder discards every event.
type NopRecorder struct{}

func (NopRecorder) SubscriberConnected(SubscriberSession)       {}
func (NopRecorder) SubscriberDisconnected(string, string)       {}
func (NopRecorder) ProducerConnected(ProducerSession)           {}
func (NopRecorder) ProducerDisconnected(string, uint64, uint64) {}
