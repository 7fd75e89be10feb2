// Package worker implements the units that take connections off the work
// queue, fetch the requested URL and reply with its most frequent words.
//
// A unit handles one connection at a time:
//
//	IDLE -> FETCHING -> RESPONDING -> IDLE
//
// A bad URL or a failed read or fetch is answered and logged without leaving
// the loop; a failed reply write is only logged. A panic escaping a request
// is a worker fault: the unit is marked CRASHED and its goroutine exits,
// leaving the replacement to the supervisor.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/searchktools/topk-server/core/analyzer"
	"github.com/searchktools/topk-server/core/codec"
	"github.com/searchktools/topk-server/core/fetcher"
	"github.com/searchktools/topk-server/core/observability"
	"github.com/searchktools/topk-server/core/pools"
	"github.com/searchktools/topk-server/core/queue"
	"github.com/searchktools/topk-server/core/stats"
)

const (
	// MaxRequestSize is the size of the single read performed per connection
	MaxRequestSize = 1024

	// InvalidURLReply is written, as plain text, for requests that are not a URL
	InvalidURLReply = "Invalid URL"

	// ProcessingFailedMessage is the error text sent when fetching fails
	ProcessingFailedMessage = "Processing failed"

	defaultIOTimeout = 10 * time.Second
)

var (
	ErrInvalidURL       = errors.New("invalid URL")
	ErrMalformedRequest = errors.New("malformed request")
)

// State is the lifecycle state of a unit
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateResponding
	StateCrashed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateResponding:
		return "responding"
	case StateCrashed:
		return "crashed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Env holds what every unit shares. A replacement unit gets the same Env as
// the unit it replaces.
type Env struct {
	Queue    *queue.Queue
	Register *stats.Register
	Fetcher  fetcher.Fetcher
	Codec    codec.Codec
	Buffers  *pools.BytePool
	Monitor  *observability.Monitor
	Logger   *zap.Logger

	TopK         int
	FetchTimeout time.Duration
	IOTimeout    time.Duration
}

// ErrorPayload returns the encoded {"error": "Processing failed"} reply
func (e *Env) ErrorPayload() ([]byte, error) {
	return e.Codec.Encode(map[string]string{"error": ProcessingFailedMessage})
}

// Unit is one worker goroutine
type Unit struct {
	id  int
	env *Env
	log *zap.Logger

	errorPayload []byte

	state atomic.Int32
	fault atomic.Value // string
	done  chan struct{}
}

// Start creates unit id and starts its loop
func Start(id int, env *Env) *Unit {
	u := newUnit(id, env)
	go u.run()
	return u
}

func newUnit(id int, env *Env) *Unit {
	log := env.Logger
	if log == nil {
		log = zap.NewNop()
	}

	payload, err := env.ErrorPayload()
	if err != nil {
		payload = []byte(`{"error": "` + ProcessingFailedMessage + `"}`)
	}

	u := &Unit{
		id:           id,
		env:          env,
		log:          log.Named("worker").With(zap.Int("worker", id)),
		errorPayload: payload,
		done:         make(chan struct{}),
	}
	u.state.Store(int32(StateIdle))
	return u
}

// ID returns the unit's index in the pool
func (u *Unit) ID() int { return u.id }

// State returns the current state
func (u *Unit) State() State { return State(u.state.Load()) }

// Alive reports whether the unit's goroutine is still running
func (u *Unit) Alive() bool {
	select {
	case <-u.done:
		return false
	default:
		return true
	}
}

// Crashed reports whether the unit terminated because of a fault
func (u *Unit) Crashed() bool {
	return !u.Alive() && u.State() == StateCrashed
}

// Fault returns the description of the fault that terminated the unit
func (u *Unit) Fault() string {
	s, _ := u.fault.Load().(string)
	return s
}

// Done is closed when the unit's goroutine exits
func (u *Unit) Done() <-chan struct{} { return u.done }

func (u *Unit) setState(s State) { u.state.Store(int32(s)) }

func (u *Unit) run() {
	defer close(u.done)
	defer func() {
		if r := recover(); r != nil {
			u.crash(fmt.Sprintf("panic: %v", r), zap.ByteString("stack", debug.Stack()))
		}
	}()

	u.log.Debug("worker started")

	for {
		u.setState(StateIdle)

		item, err := u.env.Queue.Dequeue()
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				u.setState(StateStopped)
				u.log.Debug("worker stopped")
				return
			}
			u.crash(err.Error())
			return
		}

		u.handle(item)
	}
}

func (u *Unit) crash(reason string, fields ...zap.Field) {
	u.fault.Store(reason)
	u.setState(StateCrashed)
	u.log.Error("worker crashed", append([]zap.Field{zap.String("reason", reason)}, fields...)...)
}

// handle runs the pipeline for one item. The connection is closed and the
// item completed on every path, including a panic unwinding through here.
func (u *Unit) handle(item *queue.Item) {
	start := time.Now()
	outcome := observability.OutcomeCrashed
	log := u.log.With(zap.String("request_id", item.RequestID), zap.Uint64("seq", item.Seq))

	defer func() {
		if u.env.Monitor != nil {
			u.env.Monitor.Record(outcome, time.Since(start))
		}
		u.env.Queue.Complete(item)
	}()
	defer func() {
		if err := item.Conn.Close(); err != nil {
			log.Debug("close failed", zap.Error(err))
		}
	}()

	rawURL, err := u.readRequest(item.Conn)
	if err != nil {
		outcome = observability.OutcomeFailed
		log.Warn("read failed", zap.Error(err))
		u.reply(item.Conn, u.errorPayload, log)
		return
	}

	if err := ValidateURL(rawURL); err != nil {
		outcome = observability.OutcomeInvalid
		log.Info("rejected request", zap.String("input", rawURL))
		u.reply(item.Conn, []byte(InvalidURLReply), log)
		return
	}

	u.setState(StateFetching)
	log.Info("processing URL", zap.String("url", rawURL))

	payload, err := u.process(rawURL)
	if err != nil {
		outcome = observability.OutcomeFailed
		log.Warn("processing failed", zap.String("url", rawURL), zap.Error(err))
		u.reply(item.Conn, u.errorPayload, log)
		return
	}

	u.setState(StateResponding)
	if err := u.write(item.Conn, payload); err != nil {
		outcome = observability.OutcomeFailed
		log.Warn("failed to send result", zap.String("url", rawURL), zap.Error(err))
		return
	}

	outcome = observability.OutcomeSuccess
	total := u.env.Register.Increment()
	log.Info("processed URL",
		zap.String("url", rawURL),
		zap.Duration("elapsed", time.Since(start)),
		zap.Uint64("total_processed", total),
	)
}

// readRequest performs the single bounded read and returns the trimmed URL
func (u *Unit) readRequest(conn net.Conn) (string, error) {
	buf := u.env.Buffers.GetBuffer(MaxRequestSize)
	defer u.env.Buffers.PutBuffer(buf)

	if err := conn.SetReadDeadline(time.Now().Add(u.ioTimeout())); err != nil {
		return "", err
	}

	n, err := conn.Read(*buf)
	if n == 0 && err != nil {
		// the client closed its side without sending anything
		if errors.Is(err, io.EOF) {
			return "", nil
		}
		return "", err
	}

	data := (*buf)[:n]
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: not UTF-8", ErrMalformedRequest)
	}
	return strings.TrimSpace(string(data)), nil
}

// process fetches rawURL and encodes its top-K words
func (u *Unit) process(rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), u.fetchTimeout())
	defer cancel()

	body, err := u.env.Fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	return u.env.Codec.Encode(analyzer.TopK(body, u.env.TopK))
}

func (u *Unit) write(conn net.Conn, payload []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(u.ioTimeout())); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

// reply writes a non-success payload. A failure here is logged and dropped.
func (u *Unit) reply(conn net.Conn, payload []byte, log *zap.Logger) {
	if err := u.write(conn, payload); err != nil {
		log.Warn("failed to send reply", zap.Error(err))
	}
}

func (u *Unit) ioTimeout() time.Duration {
	if u.env.IOTimeout > 0 {
		return u.env.IOTimeout
	}
	return defaultIOTimeout
}

func (u *Unit) fetchTimeout() time.Duration {
	if u.env.FetchTimeout > 0 {
		return u.env.FetchTimeout
	}
	return fetcher.DefaultTimeout
}

// ValidateURL accepts strings that parse with both a scheme and a host
func ValidateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}
