package transport

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"markethub/internal/infra"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSubscriber records payloads and fails on demand.
type fakeSubscriber struct {
	id     string
	mu     sync.Mutex
	got    []string
	broken atomic.Bool
	closed atomic.Int32
}

func (f *fakeSubscriber) ID() string         { return f.id }
func (f *fakeSubscriber) Transport() string  { return "fake" }
func (f *fakeSubscriber) RemoteAddr() string { return "fake:" + f.id }
func (f *fakeSubscriber) Watch(func(error))  {}

func (f *fakeSubscriber) Write(p []byte) error {
	if f.broken.Load() {
		return errors.New("broken pipe")
	}
	f.mu.Lock()
	f.got = append(f.got, string(p))
	f.mu.Unlock()
	return nil
}

func (f *fakeSubscriber) Close() error {
	f.closed.Add(1)
	return nil
}

func (f *fakeSubscriber) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got...)
}

func TestPublisher_FanOutIndependence(t *testing.T) {
	m := &infra.Metrics{}
	p := NewPublisher(10000, m)

	var removed []string
	p.OnRemove(func(sub Subscriber, reason string) {
		removed = append(removed, sub.ID())
	})

	a, b, c := &fakeSubscriber{id: "a"}, &fakeSubscriber{id: "b"}, &fakeSubscriber{id: "c"}
	p.Add(a)
	p.Add(b)
	p.Add(c)
	require.Equal(t, 3, p.Len())

	b.broken.Store(true)
	delivered := p.Publish([]byte("0,103.0,104.0,\n"))

	assert.Equal(t, 2, delivered)
	assert.Equal(t, []string{"0,103.0,104.0,\n"}, a.received())
	assert.Equal(t, []string{"0,103.0,104.0,\n"}, c.received())
	assert.Empty(t, b.received())

	assert.Equal(t, 2, p.Len())
	assert.Equal(t, int32(1), b.closed.Load())
	assert.Equal(t, []string{"b"}, removed)

	// next publish reaches the survivors only
	assert.Equal(t, 2, p.Publish([]byte("x")))

	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap.PublishFailures)
	assert.Equal(t, uint64(4), snap.PayloadsPublished)
	assert.Equal(t, int64(2), snap.ActiveSubscribers)
}

func TestPublisher_AddRemoveIdempotent(t *testing.T) {
	p := NewPublisher(1, &infra.Metrics{})
	s := &fakeSubscriber{id: "s"}

	p.Add(s)
	p.Add(s)
	assert.Equal(t, 1, p.Len())

	assert.True(t, p.Remove(s, "bye"))
	assert.False(t, p.Remove(s, "bye again"))
	assert.Equal(t, int32(1), s.closed.Load())
	assert.Zero(t, p.Len())
}

func TestPublisher_ConcurrentMembershipChanges(t *testing.T) {
	p := NewPublisher(1, &infra.Metrics{})
	stable := &fakeSubscriber{id: "stable"}
	p.Add(stable)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			s := &fakeSubscriber{id: fmt.Sprint(i)}
			p.Add(s)
			p.Remove(s, "churn")
		}
	}()

	for i := 0; i < 500; i++ {
		p.Publish([]byte("tick"))
	}
	close(stop)
	wg.Wait()

	assert.Len(t, stable.received(), 500)
	assert.Equal(t, 1, p.Len())
}

func TestPublisher_CloseAll(t *testing.T) {
	p := NewPublisher(1, &infra.Metrics{})
	subs := []*fakeSubscriber{{id: "1"}, {id: "2"}}
	for _, s := range subs {
		p.Add(s)
	}

	p.CloseAll("shutdown")

	assert.Zero(t, p.Len())
	for _, s := range subs {
		assert.Equal(t, int32(1), s.closed.Load())
	}
}

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

// tcpPair returns the hub side and the client side of a loopback connection.
func tcpPair(t *testing.T, ln net.Listener) (net.Conn, net.Conn) {
	t.Helper()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	select {
	case server := <-accepted:
		t.Cleanup(func() {
			server.Close()
			client.Close()
		})
		return server, client
	case <-time.After(2 * time.Second):
		t.Fatal("accept timed out")
		return nil, nil
	}
}

func TestPublisher_TCPBrokenSubscriber(t *testing.T) {
	ln := listenLoopback(t)
	p := NewPublisher(ln.Addr().(*net.TCPAddr).Port, &infra.Metrics{})

	var clients []net.Conn
	var subs []*TCPSubscriber
	for i := 0; i < 3; i++ {
		server, client := tcpPair(t, ln)
		sub := NewTCPSubscriber(server, time.Second)
		subs = append(subs, sub)
		clients = append(clients, client)
		p.Add(sub)
	}

	// Break B from the hub side: its next write fails immediately.
	require.NoError(t, subs[1].conn.Close())

	assert.Equal(t, 2, p.Publish([]byte("1,104.0,105.0,\n")))
	assert.Equal(t, 2, p.Len())

	for _, i := range []int{0, 2} {
		require.NoError(t, clients[i].SetReadDeadline(time.Now().Add(2*time.Second)))
		line, err := bufio.NewReader(clients[i]).ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "1,104.0,105.0,\n", line)
	}
}
