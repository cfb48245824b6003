package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"markethub/internal/domain"

	"github.com/google/uuid"
)

// Subscriber is one downstream connection of a consumer group.
type Subscriber interface {
	ID() string
	Transport() string
	RemoteAddr() string
	// Write sends payload completely or fails.
	Write(payload []byte) error
	// Watch blocks reading from the peer until it goes away and then
	// calls gone with the cause. Inbound data is discarded.
	Watch(gone func(error))
	// Close is idempotent.
	Close() error
}

// TCPSubscriber writes payloads verbatim to a TCP connection.
type TCPSubscriber struct {
	id           string
	conn         net.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

// NewTCPSubscriber wraps an accepted connection.
// A positive writeTimeout bounds each Write.
func NewTCPSubscriber(conn net.Conn, writeTimeout time.Duration) *TCPSubscriber {
	return &TCPSubscriber{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

func (s *TCPSubscriber) ID() string        { return s.id }
func (s *TCPSubscriber) Transport() string { return domain.TransportTCP }

func (s *TCPSubscriber) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Write implements Subscriber. net.Conn.Write retries short writes internally,
// so a nil error means the whole payload was handed to the kernel.
func (s *TCPSubscriber) Write(payload []byte) error {
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := s.conn.Write(payload)
	return err
}

// Watch implements Subscriber.
func (s *TCPSubscriber) Watch(gone func(error)) {
	buf := make([]byte, 512)
	for {
		if _, err := s.conn.Read(buf); err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			gone(err)
			return
		}
	}
}

// Close implements Subscriber.
func (s *TCPSubscriber) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
