package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgeflare/platewatch/pkg/httputil"
	"github.com/edgeflare/platewatch/pkg/listener"
	"github.com/edgeflare/platewatch/pkg/plate"
	"github.com/edgeflare/platewatch/pkg/scanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	failAfter int // fail every publish once this many succeeded, -1 never
	topics    []string
	payloads  []string
}

func newFakePublisher(connected bool) *fakePublisher {
	return &fakePublisher{connected: connected, failAfter: -1}
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAfter >= 0 && len(p.payloads) >= p.failAfter {
		return errors.New("publish timeout")
	}
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, string(payload))
	return nil
}

func (p *fakePublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePublisher) setConnected(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = v
}

func (p *fakePublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.payloads...)
}

func newScannerServer(t *testing.T) *httptest.Server {
	t.Helper()
	var i atomic.Int32
	s := scanner.New(scanner.Options{
		Now: func() time.Time {
			return time.Date(2024, 1, 1, 0, 0, int(i.Add(1)), 0, time.UTC)
		},
		Pick: func(int) int { return 0 },
	})
	router := httputil.NewRouter()
	s.Register(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func newBridge(t *testing.T, scannerURL string, pub Publisher) *Bridge {
	t.Helper()
	b, err := New(Config{
		ScannerURL: scannerURL,
		SpoolPath:  filepath.Join(t.TempDir(), "spool", "plates.spool"),
		Interval:   10 * time.Millisecond,
	}, pub, nil)
	require.NoError(t, err)
	return b
}

func decodeMessage(t *testing.T, payload string) plate.Message {
	t.Helper()
	var m plate.Message
	require.NoError(t, json.Unmarshal([]byte(payload), &m))
	return m
}

func TestPollPublishes(t *testing.T) {
	srv := newScannerServer(t)
	pub := newFakePublisher(true)
	b := newBridge(t, srv.URL+"/get_plate", pub)

	require.NoError(t, b.Poll(context.Background()))

	got := pub.published()
	require.Len(t, got, 1)
	assert.Equal(t, listener.DefaultTopic, pub.topics[0])
	m := decodeMessage(t, got[0])
	assert.Equal(t, "A000AA78", m.Plate)
	assert.Equal(t, "2024-01-01T00:00:01Z", m.Timestamp)

	// round-trips through the listener's decoder
	p, ts, err := plate.Decode([]byte(got[0]))
	require.NoError(t, err)
	assert.Equal(t, m.Plate, p)
	assert.Equal(t, m.Timestamp, ts)
}

func TestPollSpoolsWhileDisconnected(t *testing.T) {
	srv := newScannerServer(t)
	pub := newFakePublisher(false)
	b := newBridge(t, srv.URL+"/get_plate", pub)
	ctx := context.Background()

	require.NoError(t, b.Poll(ctx))
	require.NoError(t, b.Poll(ctx))
	assert.Empty(t, pub.published())

	n, err := b.Spool().Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// broker is back: the next poll publishes, then replays the spool in order
	pub.setConnected(true)
	require.NoError(t, b.Poll(ctx))

	got := pub.published()
	require.Len(t, got, 3)
	assert.Equal(t, "2024-01-01T00:00:03Z", decodeMessage(t, got[0]).Timestamp)
	assert.Equal(t, "2024-01-01T00:00:01Z", decodeMessage(t, got[1]).Timestamp)
	assert.Equal(t, "2024-01-01T00:00:02Z", decodeMessage(t, got[2]).Timestamp)

	n, err = b.Spool().Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPollSpoolsOnPublishError(t *testing.T) {
	srv := newScannerServer(t)
	pub := newFakePublisher(true)
	pub.failAfter = 0
	b := newBridge(t, srv.URL+"/get_plate", pub)

	require.NoError(t, b.Poll(context.Background()))
	n, err := b.Spool().Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPollScannerErrors(t *testing.T) {
	pub := newFakePublisher(true)

	t.Run("BadBody", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			httputil.Text(w, http.StatusOK, "no comma here")
		}))
		defer srv.Close()

		err := newBridge(t, srv.URL, pub).Poll(context.Background())
		assert.ErrorIs(t, err, scanner.ErrMalformedReading)
	})

	t.Run("ServerError", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		err := newBridge(t, srv.URL, pub).Poll(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "query scanner")
	})

	assert.Empty(t, pub.published())
}

func TestRun(t *testing.T) {
	srv := newScannerServer(t)
	pub := newFakePublisher(true)
	b := newBridge(t, srv.URL+"/get_plate", pub)

	// a reading left over from a previous run
	require.NoError(t, b.Spool().Append([]byte(`{"plate":"Z999ZZ99","timestamp":"2023-12-31T23:59:59Z"}`)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool { return len(pub.published()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, "Z999ZZ99", decodeMessage(t, pub.published()[0]).Plate)
}
