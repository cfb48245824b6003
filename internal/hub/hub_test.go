package hub

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"markethub/internal/domain"
	"markethub/internal/feature"
	"markethub/internal/infra"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFeature = feature.BidOfferLastPriceName

func testHubConfig() infra.HubConfig {
	cfg := infra.DefaultHubConfig()
	cfg.BufferSize = 16
	cfg.ReadPollInterval = time.Millisecond
	cfg.IdleSpins = 8
	cfg.IdleBackoff = 100 * time.Microsecond
	cfg.WriteTimeout = time.Second
	cfg.StopTimeout = time.Second
	cfg.DialTimeout = time.Second
	return cfg
}

func testRoute(ws bool) Route {
	factory, _ := feature.Lookup(testFeature)
	return Route{Feature: testFeature, Factory: factory, WS: ws}
}

func newTestHub(t *testing.T, ws bool) (*Hub, *infra.Metrics) {
	t.Helper()
	m := &infra.Metrics{}
	h, err := New(Options{
		Host:    "127.0.0.1",
		Config:  testHubConfig(),
		Routes:  []Route{testRoute(ws)},
		Metrics: m,
	})
	require.NoError(t, err)
	require.NoError(t, h.Start())
	t.Cleanup(h.Stop)
	return h, m
}

// fakeProducer is an upstream feed the hub dials into.
type fakeProducer struct {
	ln   net.Listener
	conn chan net.Conn
}

func newFakeProducer(t *testing.T) *fakeProducer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &fakeProducer{ln: ln, conn: make(chan net.Conn, 4)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			p.conn <- c
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return p
}

func (p *fakeProducer) addr() string { return p.ln.Addr().String() }

// attach connects h to p and returns the producer side of the stream.
func (p *fakeProducer) attach(t *testing.T, h *Hub, ft domain.FeedType) net.Conn {
	t.Helper()
	require.NoError(t, h.ConnectToProducer(context.Background(), ft, p.addr()))
	select {
	case c := <-p.conn:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not dial the producer")
		return nil
	}
}

type testClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialSubscriber(t *testing.T, h *Hub) *testClient {
	t.Helper()
	addr, err := h.TCPAddr(testFeature)
	require.NoError(t, err)
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) readLine(t *testing.T) string {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := c.r.ReadString('\n')
	require.NoError(t, err)
	return line
}

func (c *testClient) assertNothingMore(t *testing.T) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err := c.r.ReadByte()
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "unexpected data or error: %v", err)
}

func groupPort(t *testing.T, h *Hub) int {
	t.Helper()
	addr, err := h.TCPAddr(testFeature)
	require.NoError(t, err)
	return addr.(*net.TCPAddr).Port
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	port := groupPort(t, h)
	require.Eventually(t, func() bool {
		g := h.Group(port)
		return g != nil && g.Status().Clients == n
	}, 2*time.Second, time.Millisecond)
}

func TestHub_EndToEnd(t *testing.T) {
	h, m := newTestHub(t, false)
	client := dialSubscriber(t, h)
	waitForClients(t, h, 1)

	producer := newFakeProducer(t).attach(t, h, domain.FeedBidOffer)
	_, err := producer.Write([]byte("1,103.0,104.0;"))
	require.NoError(t, err)
	_, err = producer.Write([]byte("2,104.0,105.0;"))
	require.NoError(t, err)

	assert.Equal(t, "0,103.0,104.0,\n", client.readLine(t))
	assert.Equal(t, "1,104.0,105.0,\n", client.readLine(t))
	client.assertNothingMore(t)

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.MessagesIngested)
	assert.Equal(t, uint64(2), snap.PayloadsPublished)
}

func TestHub_LateJoiningSubscriberSeesBufferedFrames(t *testing.T) {
	h, _ := newTestHub(t, false)

	producer := newFakeProducer(t).attach(t, h, domain.FeedBidOffer)
	_, err := producer.Write([]byte("1,100.0,101.0;2,101.0,102.0;3,102.0,103.0;"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.Feed(domain.FeedBidOffer).Sequence.Get() == 3
	}, 2*time.Second, time.Millisecond)

	client := dialSubscriber(t, h)
	assert.Equal(t, "0,100.0,101.0,\n", client.readLine(t))
	assert.Equal(t, "1,101.0,102.0,\n", client.readLine(t))
	assert.Equal(t, "2,102.0,103.0,\n", client.readLine(t))
	client.assertNothingMore(t)
}

func TestHub_CollatesFeeds(t *testing.T) {
	h, _ := newTestHub(t, false)
	client := dialSubscriber(t, h)
	waitForClients(t, h, 1)

	quotes := newFakeProducer(t).attach(t, h, domain.FeedBidOffer)
	trades := newFakeProducer(t).attach(t, h, domain.FeedLastPrice)

	_, err := quotes.Write([]byte("1,103.0,104.0;"))
	require.NoError(t, err)
	assert.Equal(t, "0,103.0,104.0,\n", client.readLine(t))

	_, err = trades.Write([]byte("1,103.5;"))
	require.NoError(t, err)
	assert.Equal(t, "1,103.0,104.0,103.5\n", client.readLine(t))
}

func TestHub_FanOutToEverySubscriber(t *testing.T) {
	h, _ := newTestHub(t, false)
	clients := []*testClient{dialSubscriber(t, h), dialSubscriber(t, h), dialSubscriber(t, h)}
	waitForClients(t, h, 3)

	// B leaves; A and C keep receiving
	clients[1].conn.Close()
	waitForClients(t, h, 2)

	producer := newFakeProducer(t).attach(t, h, domain.FeedBidOffer)
	_, err := producer.Write([]byte("1,1.0,2.0;"))
	require.NoError(t, err)

	assert.Equal(t, "0,1.0,2.0,\n", clients[0].readLine(t))
	assert.Equal(t, "0,1.0,2.0,\n", clients[2].readLine(t))
}

func TestHub_ConcurrentSubscribersStartOneGroup(t *testing.T) {
	h, _ := newTestHub(t, false)

	addr, err := h.TCPAddr(testFeature)
	require.NoError(t, err)

	var wg sync.WaitGroup
	conns := make(chan net.Conn, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c, err := net.Dial("tcp", addr.String()); err == nil {
				conns <- c
			}
		}()
	}
	wg.Wait()
	close(conns)
	for c := range conns {
		defer c.Close()
	}
	waitForClients(t, h, 8)

	g := h.Group(groupPort(t, h))
	require.NotNil(t, g)
	assert.True(t, g.Started())
	assert.ElementsMatch(t, []domain.FeedType{domain.FeedBidOffer, domain.FeedLastPrice}, g.Interests())
}

func TestHub_StartTwice(t *testing.T) {
	h, _ := newTestHub(t, false)
	assert.ErrorIs(t, h.Start(), domain.ErrHubRunning)
	assert.True(t, h.Running())
}

func TestHub_StopIsIdempotentAndClosesSubscribers(t *testing.T) {
	h, m := newTestHub(t, false)
	client := dialSubscriber(t, h)
	waitForClients(t, h, 1)
	newFakeProducer(t).attach(t, h, domain.FeedBidOffer)

	h.Stop()
	h.Stop()

	assert.False(t, h.Running())
	require.NoError(t, client.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := client.r.ReadByte()
	assert.Error(t, err)

	snap := m.Snapshot()
	assert.Zero(t, snap.ActiveSubscribers)
	assert.Zero(t, snap.ActiveProducers)

	_, err = h.TCPAddr(testFeature)
	assert.ErrorIs(t, err, domain.ErrHubNotRunning)
}

func TestHub_ResetRewindsFeeds(t *testing.T) {
	h, _ := newTestHub(t, false)
	producer := newFakeProducer(t).attach(t, h, domain.FeedBidOffer)
	_, err := producer.Write([]byte("1,1.0,2.0;"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.Feed(domain.FeedBidOffer).Sequence.Get() == 1
	}, 2*time.Second, time.Millisecond)

	f := h.Feed(domain.FeedBidOffer)
	h.Reset()
	assert.Same(t, f, h.Feed(domain.FeedBidOffer), "reset keeps the feed allocation")
	assert.Zero(t, f.Sequence.Get())
	_, ok := f.Buffer.Read(0, make([]byte, 64))
	assert.False(t, ok)

	require.NoError(t, h.Start())
	client := dialSubscriber(t, h)
	waitForClients(t, h, 1)

	producer = newFakeProducer(t).attach(t, h, domain.FeedBidOffer)
	_, err = producer.Write([]byte("1,5.0,6.0;"))
	require.NoError(t, err)
	assert.Equal(t, "0,5.0,6.0,\n", client.readLine(t))
}

func TestHub_ReconnectKeepsSequence(t *testing.T) {
	h, _ := newTestHub(t, false)
	upstream := newFakeProducer(t)

	first := upstream.attach(t, h, domain.FeedBidOffer)
	_, err := first.Write([]byte("1,1.0,2.0;2,1.0,2.0;"))
	require.NoError(t, err)
	f := h.Feed(domain.FeedBidOffer)
	require.Eventually(t, func() bool { return f.Sequence.Get() == 2 }, 2*time.Second, time.Millisecond)

	second := upstream.attach(t, h, domain.FeedBidOffer)
	_, err = second.Write([]byte("3,1.0,2.0;"))
	require.NoError(t, err)

	assert.Same(t, f, h.Feed(domain.FeedBidOffer))
	require.Eventually(t, func() bool { return f.Sequence.Get() == 3 }, 2*time.Second, time.Millisecond)
}

func TestHub_DisconnectProducer(t *testing.T) {
	h, _ := newTestHub(t, false)
	assert.False(t, h.DisconnectProducer(domain.FeedLastPrice))
	assert.False(t, h.DisconnectProducer(domain.FeedTypeCount))

	newFakeProducer(t).attach(t, h, domain.FeedLastPrice)
	assert.True(t, h.DisconnectProducer(domain.FeedLastPrice))
	assert.False(t, h.DisconnectProducer(domain.FeedLastPrice))
	assert.NotNil(t, h.Feed(domain.FeedLastPrice), "buffer survives the producer")
}

func TestHub_ConnectToProducerErrors(t *testing.T) {
	h, _ := newTestHub(t, false)

	err := h.ConnectToProducer(context.Background(), domain.FeedTypeCount, "127.0.0.1:1")
	assert.ErrorIs(t, err, domain.ErrUnknownFeedType)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	err = h.ConnectToProducer(context.Background(), domain.FeedBidOffer, addr)
	var ne *domain.NetworkError
	assert.ErrorAs(t, err, &ne)
}

func TestHub_WebSocketSharesGroup(t *testing.T) {
	h, _ := newTestHub(t, true)
	tcp := dialSubscriber(t, h)

	wsAddr, err := h.WSAddr(testFeature)
	require.NoError(t, err)
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+wsAddr.String()+"/", nil)
	require.NoError(t, err)
	defer ws.Close()
	waitForClients(t, h, 2)

	producer := newFakeProducer(t).attach(t, h, domain.FeedBidOffer)
	_, err = producer.Write([]byte("1,103.0,104.0;"))
	require.NoError(t, err)

	assert.Equal(t, "0,103.0,104.0,\n", tcp.readLine(t))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "0,103.0,104.0,\n", string(msg))
}

func TestHub_StatusReportsFeedsAndGroups(t *testing.T) {
	h, _ := newTestHub(t, false)
	dialSubscriber(t, h)
	waitForClients(t, h, 1)
	newFakeProducer(t).attach(t, h, domain.FeedBidOffer)

	st := h.Status()
	assert.True(t, st.Running)
	require.Len(t, st.Feeds, 1)
	assert.Equal(t, "BIDOFFER", st.Feeds[0].Feed)
	require.NotNil(t, st.Feeds[0].Producer)
	require.Len(t, st.Groups, 1)
	assert.Equal(t, testFeature, st.Groups[0].Feature)
	assert.Equal(t, 1, st.Groups[0].Clients)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testHubConfig()
	cfg.BufferSize = 1000
	_, err := New(Options{Config: cfg, Routes: []Route{testRoute(false)}})
	assert.ErrorIs(t, err, domain.ErrBufferSizeNotPowerOfTwo)

	var ce *domain.ConfigError
	_, err = New(Options{Config: testHubConfig()})
	assert.ErrorAs(t, err, &ce)
}

func TestRoutesFromConfig(t *testing.T) {
	routes, err := RoutesFromConfig([]infra.FeatureConfig{{Name: testFeature, Port: 10000, WSPort: 10001}})
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.True(t, routes[0].WS)
	assert.NotNil(t, routes[0].Factory)

	_, err = RoutesFromConfig([]infra.FeatureConfig{{Name: "nope", Port: 10000}})
	assert.ErrorIs(t, err, domain.ErrUnknownFeature)
	var ce *domain.ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestHub_ResetRacingConnectLeavesNoOrphanReader(t *testing.T) {
	h, _ := newTestHub(t, false)
	upstream := newFakeProducer(t)

	for range 20 {
		resetDone := make(chan struct{})
		go func() {
			defer close(resetDone)
			h.Reset()
		}()
		err := h.ConnectToProducer(context.Background(), domain.FeedBidOffer, upstream.addr())
		<-resetDone
		require.NoError(t, err)

		var conn net.Conn
		select {
		case conn = <-upstream.conn:
		case <-time.After(2 * time.Second):
			t.Fatal("hub did not dial the producer")
		}

		st := h.Status()
		require.Len(t, st.Feeds, 1)
		if st.Feeds[0].Producer != nil {
			// the live reader must feed the feed the hub serves
			f := h.Feed(domain.FeedBidOffer)
			before := f.Sequence.Get()
			_, err := conn.Write([]byte("1,1.0,2.0;"))
			require.NoError(t, err)
			require.Eventually(t, func() bool {
				return f.Sequence.Get() == before+1
			}, 2*time.Second, time.Millisecond)
		}
		conn.Close()
		h.DisconnectProducer(domain.FeedBidOffer)
	}
}

func TestHub_StatusNotBlockedByDial(t *testing.T) {
	h, _ := newTestHub(t, false)

	dialing := make(chan struct{})
	go func() {
		defer close(dialing)
		// unroutable: the dial waits for dial_timeout unless the host rejects it
		_ = h.ConnectToProducer(context.Background(), domain.FeedLastPrice, "10.255.255.1:9")
	}()
	t.Cleanup(func() { <-dialing })

	done := make(chan Status, 1)
	go func() { done <- h.Status() }()
	select {
	case st := <-done:
		assert.True(t, st.Running)
	case <-time.After(300 * time.Millisecond):
		t.Fatal("Status blocked behind a producer dial")
	}
}
