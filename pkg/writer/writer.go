// Package writer delivers logical operations to the sink over one long-lived
// connection, serialized in the sink's wire protocol in exactly the order
// they were produced.
//
// Operations accumulate in a pending buffer until Flush. A flush is
// all-or-nothing from the caller's point of view: the buffer is cleared only
// after every command has been written and every reply read back, so the
// caller may treat a returned nil as "applied" and advance its checkpoint.
// On any transport error the connection is torn down and the entire buffer
// is replayed from the beginning over a fresh connection. Operations are
// idempotent under that replay, with the documented exception of list
// pushes.
package writer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rocksbridge/rocksbridge/pkg/command"
	"github.com/rocksbridge/rocksbridge/pkg/stats"
)

var (
	// ErrSinkUnavailable is surfaced after the reconnect budget is
	// exhausted. The sync engine decides whether to keep retrying inside
	// its own window or terminate.
	ErrSinkUnavailable = errors.New("writer: sink unavailable")

	// ErrUnsafeListReplay is returned in fail-fast mode when a flush
	// failed after some bytes reached the transport and the pending
	// buffer contains list pushes, whose replay could duplicate elements.
	ErrUnsafeListReplay = errors.New("writer: refusing to replay buffer containing list pushes")
)

// ListReplayMode decides what happens when a failed flush would replay list
// pushes: best-effort accepts possible duplicates (at-least-once), fail-fast
// surfaces ErrUnsafeListReplay instead.
type ListReplayMode string

const (
	ListReplayBestEffort ListReplayMode = "best-effort"
	ListReplayFailFast   ListReplayMode = "fail-fast"
)

// Config holds the operator-visible writer settings.
type Config struct {
	// Addr is the sink's host:port.
	Addr string

	// Password is sent via AUTH after every (re)connect. Empty disables
	// authentication.
	Password string

	// Databases routes each source namespace to a numbered sink database.
	// The writer issues SELECT whenever consecutive operations belong to
	// differently-routed namespaces, and again after every reconnect.
	Databases map[string]int

	// MaxPendingOps triggers an implicit flush once the buffer grows this
	// large. Zero leaves flushing entirely to the caller.
	MaxPendingOps int

	// DialTimeout and IOTimeout bound connection setup and per-flush
	// reads/writes.
	DialTimeout time.Duration
	IOTimeout   time.Duration

	// ListReplay selects the replay strictness for list pushes.
	ListReplay ListReplayMode
}

// Writer owns the sink connection. Not safe for concurrent use; the sync
// engine is its only caller.
type Writer struct {
	cfg      Config
	retry    Retryer
	log      zerolog.Logger
	counters *stats.Counters

	conn      net.Conn
	br        *bufio.Reader
	currentDB int

	pending   []command.Operation
	connected atomic.Bool
}

// New builds a writer. A nil retryer selects DefaultBackoff.
func New(cfg Config, retry Retryer, counters *stats.Counters, log zerolog.Logger) *Writer {
	if retry == nil {
		retry = DefaultBackoff()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.IOTimeout == 0 {
		cfg.IOTimeout = 10 * time.Second
	}
	if cfg.ListReplay == "" {
		cfg.ListReplay = ListReplayBestEffort
	}
	return &Writer{
		cfg:       cfg,
		retry:     retry,
		log:       log,
		counters:  counters,
		currentDB: -1,
	}
}

// Connected reports whether a sink connection is currently established. Read
// by the status endpoint.
func (w *Writer) Connected() bool { return w.connected.Load() }

// PendingOps returns the number of buffered, not-yet-flushed operations.
func (w *Writer) PendingOps() int { return len(w.pending) }

// Send buffers operations in order. It only touches the network when the
// buffer crosses MaxPendingOps, in which case it flushes.
func (w *Writer) Send(ctx context.Context, ops []command.Operation) error {
	w.pending = append(w.pending, ops...)
	if w.cfg.MaxPendingOps > 0 && len(w.pending) >= w.cfg.MaxPendingOps {
		return w.Flush(ctx)
	}
	return nil
}

// Flush writes every pending operation to the sink and reads the replies
// back. On success the buffer is cleared. On transport failure the
// connection is rebuilt with backoff and the whole buffer re-sent; the retry
// budget exhausting surfaces ErrSinkUnavailable with the buffer intact, so a
// later Flush (or an engine-level retry) picks up exactly where this one
// left off.
func (w *Writer) Flush(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}

	attempt := 0
	for {
		wrote, err := w.flushOnce(ctx)
		if err == nil {
			// Counted here rather than per attempt, so a reconnect replay
			// does not double-count the buffered commands.
			for _, op := range w.pending {
				w.counters.Inc(op.Name())
			}
			w.pending = w.pending[:0]
			w.retry.Reset()
			return nil
		}

		w.teardown()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if wrote && w.cfg.ListReplay == ListReplayFailFast && containsListPush(w.pending) {
			return fmt.Errorf("%w: %v", ErrUnsafeListReplay, err)
		}

		delay, retryable := w.retry.NextDelay(attempt, err)
		if !retryable {
			return fmt.Errorf("%w: %d attempts, last error: %v", ErrSinkUnavailable, attempt+1, err)
		}

		w.counters.Inc(stats.SinkReconnects)
		w.log.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", delay).
			Int("pending_ops", len(w.pending)).Msg("sink flush failed, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		attempt++
	}
}

// flushOnce performs a single delivery attempt over a (possibly fresh)
// connection. wrote reports whether any bytes reached the transport, which
// is what makes a retry a replay.
func (w *Writer) flushOnce(ctx context.Context) (wrote bool, err error) {
	if w.conn == nil {
		if err := w.connect(ctx); err != nil {
			return false, err
		}
	}

	buf := make([]byte, 0, 4096)
	expect := 0
	for _, op := range w.pending {
		if db := w.databaseFor(op.Namespace()); db != w.currentDB {
			buf = appendCommand(buf, [][]byte{[]byte("SELECT"), []byte(strconv.Itoa(db))})
			w.currentDB = db
			expect++
		}
		buf = appendCommand(buf, op.Args())
		expect++
	}

	deadline := time.Now().Add(w.cfg.IOTimeout)
	if err := w.conn.SetDeadline(deadline); err != nil {
		return false, fmt.Errorf("set deadline: %w", err)
	}
	if _, err := w.conn.Write(buf); err != nil {
		return true, fmt.Errorf("write: %w", err)
	}

	for i := 0; i < expect; i++ {
		isErr, msg, err := readReply(w.br)
		if err != nil {
			return true, fmt.Errorf("read reply %d/%d: %w", i+1, expect, err)
		}
		if isErr {
			// Command-level errors (wrong type, etc.) do not poison the
			// connection; replaying would not help, so count and move on.
			w.counters.Inc(stats.SinkReplyErrors)
			w.log.Warn().Str("reply", msg).Msg("sink returned error reply")
		}
	}
	return true, nil
}

func (w *Writer) connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: w.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", w.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.cfg.Addr, err)
	}

	w.conn = conn
	w.br = bufio.NewReader(conn)
	w.currentDB = -1

	if w.cfg.Password != "" {
		if err := w.roundTrip(ctx, [][]byte{[]byte("AUTH"), []byte(w.cfg.Password)}); err != nil {
			w.teardown()
			return fmt.Errorf("auth: %w", err)
		}
	}

	w.connected.Store(true)
	w.log.Info().Str("addr", w.cfg.Addr).Msg("connected to sink")
	return nil
}

// roundTrip sends one command and fails on an error reply. Only used during
// connection setup, where an error reply is fatal for the connection.
func (w *Writer) roundTrip(_ context.Context, args [][]byte) error {
	if err := w.conn.SetDeadline(time.Now().Add(w.cfg.IOTimeout)); err != nil {
		return err
	}
	if _, err := w.conn.Write(appendCommand(nil, args)); err != nil {
		return err
	}
	isErr, msg, err := readReply(w.br)
	if err != nil {
		return err
	}
	if isErr {
		return fmt.Errorf("sink replied %q", msg)
	}
	return nil
}

func (w *Writer) teardown() {
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
		w.br = nil
	}
	w.currentDB = -1
	w.connected.Store(false)
}

// Close drops the connection. Pending operations are discarded; the caller
// is expected to have flushed before closing.
func (w *Writer) Close() error {
	w.teardown()
	return nil
}

func (w *Writer) databaseFor(namespace string) int {
	if db, ok := w.cfg.Databases[namespace]; ok {
		return db
	}
	return 0
}

func containsListPush(ops []command.Operation) bool {
	for _, op := range ops {
		if _, ok := op.(command.ListPush); ok {
			return true
		}
	}
	return false
}

// appendCommand serializes one command as a RESP array of bulk strings.
func appendCommand(buf []byte, args [][]byte) []byte {
	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(len(args)), 10)
	buf = append(buf, '\r', '\n')
	for _, a := range args {
		buf = append(buf, '$')
		buf = strconv.AppendInt(buf, int64(len(a)), 10)
		buf = append(buf, '\r', '\n')
		buf = append(buf, a...)
		buf = append(buf, '\r', '\n')
	}
	return buf
}

// readReply consumes one RESP reply. isErr marks "-" error replies; msg
// carries their text for logging.
func readReply(br *bufio.Reader) (isErr bool, msg string, err error) {
	line, err := readLine(br)
	if err != nil {
		return false, "", err
	}
	if len(line) == 0 {
		return false, "", fmt.Errorf("empty reply line")
	}

	switch line[0] {
	case '+', ':':
		return false, string(line[1:]), nil
	case '-':
		return true, string(line[1:]), nil
	case '$':
		n, convErr := strconv.Atoi(string(line[1:]))
		if convErr != nil {
			return false, "", fmt.Errorf("bad bulk length %q", line[1:])
		}
		if n < 0 {
			return false, "", nil
		}
		payload := make([]byte, n+2)
		if _, err := io.ReadFull(br, payload); err != nil {
			return false, "", err
		}
		return false, string(payload[:n]), nil
	case '*':
		n, convErr := strconv.Atoi(string(line[1:]))
		if convErr != nil {
			return false, "", fmt.Errorf("bad array length %q", line[1:])
		}
		for i := 0; i < n; i++ {
			if _, _, err := readReply(br); err != nil {
				return false, "", err
			}
		}
		return false, "", nil
	default:
		return false, "", fmt.Errorf("unexpected reply type %q", line[0])
	}
}

func readLine(br *bufio.Reader) ([]byte, error) {
	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, fmt.Errorf("malformed reply line")
	}
	return line[:len(line)-2], nil
}
