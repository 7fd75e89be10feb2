package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/searchktools/topk-server/core/observability"
)

func testConfig() Config {
	return Config{
		Address:            "127.0.0.1:0",
		Workers:            2,
		TopK:               3,
		IOTimeout:          2 * time.Second,
		FetchTimeout:       2 * time.Second,
		SupervisorInterval: 10 * time.Millisecond,
	}
}

// startMaster binds m and runs Serve in the background. The returned channel
// receives Serve's result.
func startMaster(t *testing.T, m *Master) <-chan error {
	t.Helper()
	require.NoError(t, m.Listen())

	served := make(chan error, 1)
	go func() { served <- m.Serve(context.Background()) }()
	t.Cleanup(func() {
		_ = m.Shutdown()
		select {
		case <-served:
		case <-time.After(5 * time.Second):
		}
	})
	return served
}

func send(t *testing.T, addr net.Addr, request string) string {
	t.Helper()

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(request))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	reply, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(reply)
}

func waitServe(t *testing.T, served <-chan error) error {
	t.Helper()
	select {
	case err := <-served:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func TestMaster_EndToEnd(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, "word1 word2 word1 word3 word2 word2 word4")
	}))
	defer backend.Close()

	m, err := NewMaster(testConfig(), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	served := startMaster(t, m)

	addr := m.Addr()
	require.NotNil(t, addr)

	assert.JSONEq(t, `{"word2": 3, "word1": 2, "word3": 1}`, send(t, addr, backend.URL+"/page\n"))
	assert.Equal(t, "Invalid URL", send(t, addr, "example.com"))
	assert.JSONEq(t, `{"error": "Processing failed"}`, send(t, addr, backend.URL+"/missing"))

	require.NoError(t, m.Shutdown())
	require.NoError(t, waitServe(t, served))

	s := m.Stats()
	assert.Equal(t, uint64(1), s.Processed)
	assert.Equal(t, uint64(3), s.Queue.Enqueued)
	assert.Equal(t, uint64(3), s.Queue.Completed)
	assert.Zero(t, s.Queue.InFlight)
	assert.Equal(t, uint64(1), s.Outcomes[observability.OutcomeSuccess].Count)
	assert.Equal(t, uint64(1), s.Outcomes[observability.OutcomeInvalid].Count)
	assert.Equal(t, uint64(1), s.Outcomes[observability.OutcomeFailed].Count)
}

type gatedFetcher struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int64
}

func (f *gatedFetcher) Fetch(ctx context.Context, _ string) (string, error) {
	f.calls.Add(1)
	f.started <- struct{}{}
	<-f.release
	return "slow slow fetch", nil
}

func TestMaster_ShutdownDrainsQueue(t *testing.T) {
	const clients = 3

	f := &gatedFetcher{started: make(chan struct{}, clients), release: make(chan struct{})}
	cfg := testConfig()
	cfg.Workers = 1
	cfg.FetchTimeout = 10 * time.Second
	cfg.IOTimeout = 10 * time.Second

	m, err := NewMaster(cfg, WithFetcher(f), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	served := startMaster(t, m)
	addr := m.Addr()

	replies := make(chan string, clients)
	for i := 0; i < clients; i++ {
		go func() {
			conn, err := net.Dial("tcp", addr.String())
			if err != nil {
				replies <- err.Error()
				return
			}
			defer conn.Close()
			_, _ = conn.Write([]byte("http://example.com"))
			_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
			data, _ := io.ReadAll(conn)
			replies <- string(data)
		}()
	}

	<-f.started
	require.Eventually(t, func() bool {
		return m.Stats().Queue.Enqueued == clients
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Shutdown())

	select {
	case err := <-served:
		t.Fatalf("Serve returned before drain: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	_, err = net.DialTimeout("tcp", addr.String(), time.Second)
	assert.Error(t, err, "listener must be closed after shutdown")

	close(f.release)
	require.NoError(t, waitServe(t, served))

	for i := 0; i < clients; i++ {
		assert.JSONEq(t, `{"slow": 2, "fetch": 1}`, <-replies)
	}
	assert.Equal(t, int64(clients), f.calls.Load())
	assert.Equal(t, uint64(clients), m.Stats().Processed)
	assert.Zero(t, m.Stats().Queue.InFlight)
}

func TestMaster_ContextCancelStopsServe(t *testing.T) {
	m, err := NewMaster(testConfig(), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- m.Serve(ctx) }()

	require.Eventually(t, func() bool { return m.Addr() != nil }, time.Second, 5*time.Millisecond)
	cancel()

	require.NoError(t, waitServe(t, served))
	select {
	case <-m.Done():
	default:
		t.Fatal("shutdown flag not set after cancel")
	}
}

func TestMaster_RestoresPoolAfterFault(t *testing.T) {
	var calls atomic.Int64
	f := fetchFunc(func(context.Context, string) (string, error) {
		if calls.Add(1) == 1 {
			panic("fault")
		}
		return "fine", nil
	})

	cfg := testConfig()
	cfg.Workers = 1
	m, err := NewMaster(cfg, WithFetcher(f), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	startMaster(t, m)

	assert.Empty(t, send(t, m.Addr(), "http://example.com"))
	require.Eventually(t, func() bool {
		s := m.Stats()
		return s.Restarts == 1 && s.Workers == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.JSONEq(t, `{"fine": 1}`, send(t, m.Addr(), "http://example.com"))
}

type fetchFunc func(ctx context.Context, rawURL string) (string, error)

func (f fetchFunc) Fetch(ctx context.Context, rawURL string) (string, error) { return f(ctx, rawURL) }

func TestMaster_BindError(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := testConfig()
	cfg.Address = taken.Addr().String()
	m, err := NewMaster(cfg)
	require.NoError(t, err)

	err = m.Listen()
	assert.ErrorIs(t, err, ErrBind)
	assert.ErrorIs(t, m.Serve(context.Background()), ErrBind)
}

func TestMaster_ServeTwice(t *testing.T) {
	cfg := testConfig()
	m, err := NewMaster(cfg)
	require.NoError(t, err)
	served := startMaster(t, m)

	// workers are spawned only by the Serve call that won
	require.Eventually(t, func() bool {
		return m.Stats().Workers == cfg.Workers
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, m.Serve(context.Background()), ErrServerClosed)

	require.NoError(t, m.Shutdown())
	require.NoError(t, waitServe(t, served))
	assert.ErrorIs(t, m.Listen(), ErrServerClosed)
}

func TestNewMaster_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no workers", Config{Workers: 0, TopK: 3}},
		{"negative top-k", Config{Workers: 1, TopK: -1}},
		{"unknown codec", Config{Workers: 1, TopK: 1, Codec: "xml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMaster(tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestMaster_StatsRendering(t *testing.T) {
	m, err := NewMaster(testConfig(), WithFetcher(fetchFunc(func(context.Context, string) (string, error) {
		return "a b a", nil
	})))
	require.NoError(t, err)
	served := startMaster(t, m)

	assert.JSONEq(t, `{"a": 2, "b": 1}`, send(t, m.Addr(), "http://example.com"))
	require.NoError(t, m.Shutdown())
	require.NoError(t, waitServe(t, served))

	var decoded map[string]interface{}
	data, err := m.StatsJSON()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(data), &decoded))
	assert.EqualValues(t, 1, decoded["processed"])

	text := m.StatsText()
	assert.Contains(t, text, "Processed: 1")
	assert.Contains(t, text, "success")
}

// flakyListener fails the first n Accept calls with err
type flakyListener struct {
	net.Listener
	err      error
	failures atomic.Int64
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failures.Add(-1) >= 0 {
		return nil, l.err
	}
	return l.Listener.Accept()
}

func TestMaster_AcceptRetriesResourceExhaustion(t *testing.T) {
	m, err := NewMaster(testConfig(), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln := &flakyListener{
		Listener: inner,
		err:      &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept", syscall.EMFILE)},
	}
	ln.failures.Store(3)

	accepted := make(chan error, 1)
	go func() { accepted <- m.accept(ln) }()

	conn, err := net.Dial("tcp", inner.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return m.Stats().Queue.Enqueued == 1
	}, 2*time.Second, 5*time.Millisecond)

	m.flag.Set()
	require.NoError(t, inner.Close())
	select {
	case err := <-accepted:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("accept loop did not stop")
	}

	item, err := m.queue.Dequeue()
	require.NoError(t, err)
	_ = item.Conn.Close()
	m.queue.Complete(item)
}

func TestMaster_AcceptFailsOnPermanentError(t *testing.T) {
	m, err := NewMaster(testConfig())
	require.NoError(t, err)

	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer inner.Close()

	ln := &flakyListener{Listener: inner, err: errors.New("listener broken")}
	ln.failures.Store(1)

	assert.ErrorContains(t, m.accept(ln), "listener broken")
}

func TestRetryableAccept(t *testing.T) {
	wrap := func(errno syscall.Errno) error {
		return &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept", errno)}
	}

	assert.True(t, retryableAccept(wrap(syscall.EMFILE)))
	assert.True(t, retryableAccept(wrap(syscall.ENFILE)))
	assert.True(t, retryableAccept(wrap(syscall.ECONNABORTED)))
	assert.False(t, retryableAccept(net.ErrClosed))
	assert.False(t, retryableAccept(errors.New("boom")))
}
