package transport

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"markethub/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WSSubscriber sends each payload as one WebSocket text message.
type WSSubscriber struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex // Protects concurrent writes to the same connection
	closeOnce    sync.Once
	closeErr     error
}

// NewWSSubscriber wraps an upgraded connection.
func NewWSSubscriber(conn *websocket.Conn, writeTimeout time.Duration) *WSSubscriber {
	return &WSSubscriber{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

func (s *WSSubscriber) ID() string         { return s.id }
func (s *WSSubscriber) Transport() string  { return domain.TransportWebSocket }
func (s *WSSubscriber) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// Write implements Subscriber.
func (s *WSSubscriber) Write(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Watch implements Subscriber. Reading is also what makes gorilla
// process ping and close frames.
func (s *WSSubscriber) Watch(gone func(error)) {
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			gone(err)
			return
		}
	}
}

// Close implements Subscriber. It sends a close frame on a best-effort basis.
func (s *WSSubscriber) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// WSListener serves WebSocket upgrades on one port and hands each
// upgraded connection to accept.
type WSListener struct {
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
}

// ListenWebSocket binds addr and starts serving in the background.
func ListenWebSocket(addr string, writeTimeout time.Duration, accept func(*WSSubscriber)) (*WSListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, domain.NewFatalNetworkError("listen websocket "+addr, err)
	}

	l := &WSListener{
		ln: ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	l.srv = &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := l.upgrader.Upgrade(w, r, nil)
			if err != nil {
				slog.Warn("WebSocket upgrade failed", slog.String("remote", r.RemoteAddr), slog.Any("error", err))
				return
			}
			accept(NewWSSubscriber(conn, writeTimeout))
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("WebSocket server failed", slog.String("addr", addr), slog.Any("error", err))
		}
	}()
	return l, nil
}

// Addr returns the bound address.
func (l *WSListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting upgrades. Hijacked connections are owned by their subscribers.
func (l *WSListener) Close() error {
	return l.srv.Close()
}
