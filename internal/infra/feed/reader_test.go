package feed

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"markethub/internal/domain"
	"markethub/internal/engine"
	"markethub/internal/infra"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFeed(t *testing.T, slotCapacity int) *engine.Feed {
	t.Helper()
	f, err := engine.NewFeed(domain.FeedBidOffer, 16, slotCapacity)
	require.NoError(t, err)
	return f
}

// published returns every message currently held by f.
func published(t *testing.T, f *engine.Feed) []string {
	t.Helper()
	var out []string
	dst := make([]byte, f.Buffer.SlotCapacity())
	for seq := uint64(0); seq < f.Sequence.Get(); seq++ {
		n, ok := f.Buffer.Read(seq, dst)
		require.True(t, ok, "seq %d", seq)
		out = append(out, string(dst[:n]))
	}
	return out
}

func TestReader_FramingAcrossChunks(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []string
	}{
		{"one per chunk", []string{"1,103.0,104.0;", "2,104.0,105.0;"}, []string{"1,103.0,104.0", "2,104.0,105.0"}},
		{"two in one chunk", []string{"1,103.0,104.0;2,104.0,105.0;"}, []string{"1,103.0,104.0", "2,104.0,105.0"}},
		{"split message", []string{"1,103", ".0,10", "4.0;"}, []string{"1,103.0,104.0"}},
		{"empty segments", []string{";;1,2,3;;", ";"}, []string{"1,2,3"}},
		{"trailing partial", []string{"1,2,3;4,5"}, []string{"1,2,3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFeed(t, 64)
			r := NewReader(domain.FeedBidOffer, "test", f, ReaderOptions{Metrics: &infra.Metrics{}})
			for _, c := range tt.chunks {
				r.ingest([]byte(c))
			}
			assert.Equal(t, tt.want, published(t, f))
			assert.Equal(t, uint64(len(tt.want)), r.Messages())
		})
	}
}

func TestReader_TruncatesOverlongMessages(t *testing.T) {
	f := newTestFeed(t, 8)
	m := &infra.Metrics{}
	r := NewReader(domain.FeedBidOffer, "test", f, ReaderOptions{Metrics: m})

	r.ingest([]byte("0123456789"))
	r.ingest([]byte("abcdef;ok;"))

	assert.Equal(t, []string{"01234567", "ok"}, published(t, f))
	assert.Equal(t, uint64(2), r.Messages())
	assert.Equal(t, uint64(1), r.Truncated())

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.MessagesIngested)
	assert.Equal(t, uint64(1), snap.MessagesTruncated)
}

func TestReader_FirstDataTime(t *testing.T) {
	f := newTestFeed(t, 32)
	r := NewReader(domain.FeedBidOffer, "test", f, ReaderOptions{Metrics: &infra.Metrics{}})

	_, ok := r.FirstDataTime()
	assert.False(t, ok)

	r.ingest([]byte("partial"))
	_, ok = r.FirstDataTime()
	assert.False(t, ok, "incomplete message must not count")

	r.ingest([]byte(";"))
	first, ok := r.FirstDataTime()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), first, time.Second)

	r.ingest([]byte("again;"))
	second, _ := r.FirstDataTime()
	assert.Equal(t, first, second)
}

func TestReader_ConnectStreamsIntoFeed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	f := newTestFeed(t, 64)
	m := &infra.Metrics{}
	r := NewReader(domain.FeedBidOffer, ln.Addr().String(), f, ReaderOptions{
		PollInterval: time.Millisecond,
		Metrics:      m,
	})
	require.NoError(t, r.Connect(context.Background()))
	defer r.Disconnect()

	producer := <-accepted
	_, err = producer.Write([]byte(strings.Repeat("1,103.0,104.0;", 3)))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return f.Sequence.Get() == 3 }, 2*time.Second, time.Millisecond)
	assert.True(t, r.Connected())
	assert.Equal(t, int64(1), m.Snapshot().ActiveProducers)

	// producer hangs up
	producer.Close()
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit on EOF")
	}
	assert.False(t, r.Connected())
	assert.Zero(t, m.Snapshot().ActiveProducers)

	stats := r.Stats()
	assert.Equal(t, "BIDOFFER", stats.Feed)
	assert.Equal(t, uint64(3), stats.Messages)
	assert.NotNil(t, stats.FirstDataAt)
}

func TestReader_ConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	r := NewReader(domain.FeedBidOffer, addr, newTestFeed(t, 16), ReaderOptions{
		DialTimeout: 500 * time.Millisecond,
		Metrics:     &infra.Metrics{},
	})
	err = r.Connect(context.Background())
	require.Error(t, err)

	var ne *domain.NetworkError
	assert.ErrorAs(t, err, &ne)
	assert.True(t, domain.IsRetriable(err))
}

func TestReader_DisconnectIsIdempotent(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		if c, err := ln.Accept(); err == nil {
			defer c.Close()
			time.Sleep(time.Second)
		}
	}()

	m := &infra.Metrics{}
	r := NewReader(domain.FeedLastPrice, ln.Addr().String(), newTestFeed(t, 16), ReaderOptions{Metrics: m})
	require.NoError(t, r.Connect(context.Background()))

	r.Disconnect()
	r.Disconnect()

	<-r.Done()
	assert.False(t, r.Connected())
	assert.Zero(t, m.Snapshot().ActiveProducers)
}
