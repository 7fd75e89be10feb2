package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/searchktools/topk-server/core/codec"
	"github.com/searchktools/topk-server/core/fetcher"
	"github.com/searchktools/topk-server/core/observability"
	"github.com/searchktools/topk-server/core/pools"
	"github.com/searchktools/topk-server/core/queue"
	"github.com/searchktools/topk-server/core/shutdown"
	"github.com/searchktools/topk-server/core/stats"
	"github.com/searchktools/topk-server/core/supervisor"
	"github.com/searchktools/topk-server/core/worker"
)

// Config configures a Master
type Config struct {
	Address string
	Workers int
	TopK    int
	Codec   string

	IOTimeout          time.Duration
	FetchTimeout       time.Duration
	SupervisorInterval time.Duration
	MaxBodySize        int
}

// Validate checks the values that have no usable default
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidConfig, c.Workers)
	}
	if c.TopK <= 0 {
		return fmt.Errorf("%w: top-k must be positive, got %d", ErrInvalidConfig, c.TopK)
	}
	return nil
}

// Option customizes a Master
type Option func(*Master)

// WithFetcher replaces the HTTP fetcher
func WithFetcher(f fetcher.Fetcher) Option {
	return func(m *Master) { m.fetcher = f }
}

// WithLogger sets the logger
func WithLogger(log *zap.Logger) Option {
	return func(m *Master) { m.log = log }
}

// Master accepts client connections and hands them to a supervised pool of
// worker units through a shared work queue.
type Master struct {
	cfg Config
	log *zap.Logger

	flag     *shutdown.Flag
	poolStop *shutdown.Flag

	queue      *queue.Queue
	register   *stats.Register
	monitor    *observability.Monitor
	buffers    *pools.BytePool
	fetcher    fetcher.Fetcher
	codec      codec.Codec
	supervisor *supervisor.Supervisor

	mu      sync.Mutex
	ln      net.Listener
	serving atomic.Bool
}

// NewMaster creates a master server. It does not bind until Listen or Serve.
func NewMaster(cfg Config, opts ...Option) (*Master, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = DefaultIOTimeout
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = fetcher.DefaultTimeout
	}

	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	m := &Master{
		cfg:      cfg,
		flag:     shutdown.New(),
		poolStop: shutdown.New(),
		queue:    queue.New(),
		register: stats.NewRegister(),
		monitor:  observability.NewMonitor(),
		buffers:  pools.NewBytePool(),
		codec:    c,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.fetcher == nil {
		m.fetcher = fetcher.New(fetcher.Config{
			Timeout:     cfg.FetchTimeout,
			MaxBodySize: cfg.MaxBodySize,
		})
	}

	env := &worker.Env{
		Queue:        m.queue,
		Register:     m.register,
		Fetcher:      m.fetcher,
		Codec:        m.codec,
		Buffers:      m.buffers,
		Monitor:      m.monitor,
		Logger:       m.log,
		TopK:         cfg.TopK,
		FetchTimeout: cfg.FetchTimeout,
		IOTimeout:    cfg.IOTimeout,
	}
	m.supervisor = supervisor.New(func(id int) supervisor.Handle {
		return worker.Start(id, env)
	}, cfg.SupervisorInterval, m.poolStop, m.log)

	return m, nil
}

// Listen binds the configured address with SO_REUSEPORT, so it only fails
// with ErrBind when the port is held by a socket without that option.
func (m *Master) Listen() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.flag.IsSet() {
		return ErrServerClosed
	}
	if m.ln != nil {
		return nil
	}

	lc := net.ListenConfig{Control: reuseControl}
	ln, err := lc.Listen(context.Background(), "tcp", m.cfg.Address)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBind, m.cfg.Address, err)
	}
	m.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen
func (m *Master) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

// Serve starts the worker pool and accepts connections until Shutdown is
// called or ctx is done. It returns once every accepted connection has been
// completed and the pool has stopped.
func (m *Master) Serve(ctx context.Context) error {
	if !m.serving.CompareAndSwap(false, true) {
		return ErrServerClosed
	}
	if err := m.Listen(); err != nil {
		return err
	}

	m.mu.Lock()
	ln := m.ln
	m.mu.Unlock()

	for i := 0; i < m.cfg.Workers; i++ {
		m.supervisor.Spawn(i)
	}
	supervised := make(chan struct{})
	go func() {
		defer close(supervised)
		m.supervisor.Run(context.Background())
	}()

	stop := context.AfterFunc(ctx, func() {
		if err := m.Shutdown(); err != nil {
			m.log.Warn("shutdown failed", zap.Error(err))
		}
	})
	defer stop()

	m.log.Info("server listening",
		zap.Stringer("address", ln.Addr()),
		zap.Int("workers", m.cfg.Workers),
		zap.Int("top_k", m.cfg.TopK),
		zap.String("codec", m.codec.Name()),
	)

	acceptErr := m.accept(ln)
	if acceptErr != nil {
		m.log.Error("accept loop failed", zap.Error(acceptErr))
		acceptErr = multierr.Append(acceptErr, m.Shutdown())
	}

	m.log.Info("draining work queue", zap.Int64("in_flight", m.queue.Stats().InFlight))
	// the pool stays supervised until the queue is empty
	_ = m.queue.WaitDrained(context.Background())

	m.poolStop.Set()
	<-supervised
	m.queue.Close()
	_ = m.supervisor.Wait(context.Background())

	m.logSummary()
	return acceptErr
}

// accept enqueues connections until the listener is closed. Resource
// exhaustion errors are retried with a backoff capped at maxAcceptDelay.
func (m *Master) accept(ln net.Listener) error {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if m.flag.IsSet() {
				return nil
			}
			if !retryableAccept(err) {
				return fmt.Errorf("accept: %w", err)
			}

			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			m.log.Warn("accept failed, retrying", zap.Error(err), zap.Duration("delay", delay))

			select {
			case <-time.After(delay):
			case <-m.flag.Done():
				return nil
			}
			continue
		}
		delay = 0

		item := m.queue.Enqueue(conn)
		m.log.Debug("connection accepted",
			zap.String("request_id", item.RequestID),
			zap.Uint64("seq", item.Seq),
			zap.Stringer("remote", conn.RemoteAddr()),
		)
	}
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

func retryableAccept(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.ENOMEM) ||
		errors.Is(err, syscall.ECONNABORTED)
}

// Shutdown sets the shutdown flag and closes the listener so no new
// connections are accepted. Serve finishes the drain.
func (m *Master) Shutdown() error {
	if !m.flag.Set() {
		return nil
	}
	m.log.Info("shutdown requested")

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ln == nil {
		return nil
	}
	if err := m.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}

// Done is closed once shutdown has been requested
func (m *Master) Done() <-chan struct{} {
	return m.flag.Done()
}

func (m *Master) logSummary() {
	s := m.Stats()
	m.log.Info("server stopped",
		zap.Uint64("processed", s.Processed),
		zap.Uint64("enqueued", s.Queue.Enqueued),
		zap.Uint64("completed", s.Queue.Completed),
		zap.Uint64("restarts", s.Restarts),
	)
	for name, o := range s.Outcomes {
		m.log.Info("request outcome",
			zap.String("outcome", name),
			zap.Uint64("count", o.Count),
			zap.Duration("p50", o.P50),
			zap.Duration("p99", o.P99),
			zap.Duration("max", o.Max),
		)
	}
	for _, b := range m.monitor.Bottlenecks() {
		m.log.Warn("bottleneck detected",
			zap.String("type", b.Type),
			zap.String("location", b.Location),
			zap.String("details", b.Details),
		)
	}
}
