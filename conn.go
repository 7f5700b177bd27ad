package snapctrl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultControlPort is the TCP port of snapserver's JSON-RPC control
// interface. Snapserver advertises its streaming port over mDNS; the control
// interface listens one port above it (1704 streaming, 1705 control).
const DefaultControlPort = 1705

const (
	defaultDialTimeout  = 5 * time.Second
	defaultCallTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second

	// A full Server.GetStatus for a large installation is a single line;
	// give the reader generous headroom.
	readBufferSize = 1 << 20

	defaultDecodeFailureLimit = 5
	defaultNotificationBuffer = 64
)

// ErrConnClosed is returned by Call when the connection closed before a
// response arrived, and by methods invoked on an already-closed Conn.
var ErrConnClosed = errors.New("connection closed")

// ErrCallTimeout is returned by Call when the per-call timeout expires
// before the server responds.
var ErrCallTimeout = errors.New("call timed out")

// ConnectError wraps a failure to establish the TCP session.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithConnLogger sets the logger used by the connection.
func WithConnLogger(logger *slog.Logger) ConnOption {
	return func(c *Conn) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCallTimeout sets how long Call waits for a response.
func WithCallTimeout(d time.Duration) ConnOption {
	return func(c *Conn) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithWriteTimeout sets the deadline applied to each outgoing write.
func WithWriteTimeout(d time.Duration) ConnOption {
	return func(c *Conn) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithDecodeFailureLimit sets how many consecutive undecodable lines are
// tolerated before the stream is considered corrupted and torn down.
func WithDecodeFailureLimit(n int) ConnOption {
	return func(c *Conn) {
		if n > 0 {
			c.decodeFailureLimit = n
		}
	}
}

// WithNotificationBuffer sets the capacity of the notification channel.
// When the consumer lags behind, notifications overflowing the buffer are
// dropped with a warning rather than stalling the read loop.
func WithNotificationBuffer(n int) ConnOption {
	return func(c *Conn) {
		if n > 0 {
			c.notifyBuffer = n
		}
	}
}

// WithNotificationDropHandler sets a callback invoked whenever a
// notification is dropped because the buffer was full. It runs on its own
// goroutine so the read loop is never stalled; a typical handler schedules
// a full status refresh to recover the lost delta.
func WithNotificationDropHandler(fn func(method string)) ConnOption {
	return func(c *Conn) { c.onNotificationDrop = fn }
}

// Conn is a live JSON-RPC session with one snapserver. It multiplexes
// concurrent Call invocations over a single TCP connection, matching
// responses to requests by id, and surfaces server-initiated notifications
// on Notifications.
//
// A Conn is safe for concurrent use.
type Conn struct {
	logger             *slog.Logger
	callTimeout        time.Duration
	writeTimeout       time.Duration
	decodeFailureLimit int
	notifyBuffer       int
	onNotificationDrop func(method string)

	conn   net.Conn
	nextID atomic.Uint64

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[RequestID]chan *Response

	notifications chan *Notification

	closeOnce sync.Once
	done      chan struct{}
}

// Dial opens a control session to host:port. A zero port means
// DefaultControlPort. The returned Conn is ready for Call immediately.
func Dial(ctx context.Context, host string, port int, opts ...ConnOption) (*Conn, error) {
	if port == 0 {
		port = DefaultControlPort
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	c := &Conn{
		logger:             slog.Default(),
		callTimeout:        defaultCallTimeout,
		writeTimeout:       defaultWriteTimeout,
		decodeFailureLimit: defaultDecodeFailureLimit,
		notifyBuffer:       defaultNotificationBuffer,
		pending:            make(map[RequestID]chan *Response),
		done:               make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.notifications = make(chan *Notification, c.notifyBuffer)

	d := net.Dialer{Timeout: defaultDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	c.conn = conn

	go c.readLoop()

	c.logger.Debug("connected", "addr", addr)
	return c, nil
}

// RemoteAddr returns the address of the server side of the session.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Notifications returns the channel carrying server-initiated notifications,
// in arrival order. The channel is closed when the connection dies.
func (c *Conn) Notifications() <-chan *Notification {
	return c.notifications
}

// Done returns a channel closed when the connection is no longer usable,
// whether by Close or by a transport failure.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close tears the session down. It is idempotent. All in-flight Call
// invocations are resolved with ErrConnClosed.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
		c.failPending()
	})
	return nil
}

func (c *Conn) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Call sends one request and waits for the matching response. params may be
// nil (omitted on the wire), a json.RawMessage, or any marshalable value.
// The result payload of an error-free response is returned verbatim; a
// JSON-RPC error response is returned as *RPCError.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	select {
	case <-c.done:
		return nil, ErrConnClosed
	default:
	}

	var raw json.RawMessage
	switch p := params.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		raw = b
	}

	id := RequestID(c.nextID.Add(1))
	line, err := EncodeRequest(id, method, raw)
	if err != nil {
		return nil, err
	}

	ch := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.writeLine(line); err != nil {
		c.forget(id)
		c.Close()
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnClosed
		}
		if resp.Err != nil {
			return nil, resp.Err
		}
		return resp.Result, nil
	case <-timer.C:
		c.forget(id)
		return nil, fmt.Errorf("%s: %w", method, ErrCallTimeout)
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrConnClosed
	}
}

func (c *Conn) forget(id RequestID) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Conn) writeLine(line []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

// readLoop owns the read side: it frames lines, decodes them, and routes
// responses to waiting callers and notifications to the hand-off channel.
// It exits on transport failure or Close, and always closes the
// notification channel on the way out.
func (c *Conn) readLoop() {
	defer close(c.notifications)
	defer c.Close()

	reader := bufio.NewReaderSize(c.conn, readBufferSize)
	failures := 0

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("read loop ended", "err", err)
			}
			return
		}

		msg, err := DecodeMessage(line)
		if err != nil {
			failures++
			c.logger.Warn("dropping undecodable line", "err", err, "consecutive", failures)
			if failures >= c.decodeFailureLimit {
				c.logger.Error("stream corrupted, closing connection", "failures", failures)
				return
			}
			continue
		}
		failures = 0

		switch m := msg.(type) {
		case *Response:
			c.deliver(m)
		case *Notification:
			select {
			case c.notifications <- m:
			default:
				c.logger.Warn("notification buffer full, dropping", "method", m.Method)
				if c.onNotificationDrop != nil {
					go c.onNotificationDrop(m.Method)
				}
			}
		case *Request:
			// Snapserver never calls back into clients; ignore.
			c.logger.Debug("ignoring server-to-client request", "method", m.Method)
		}
	}
}

func (c *Conn) deliver(resp *Response) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		// Typically a response to a call that already timed out.
		c.logger.Debug("dropping unmatched response", "id", uint64(resp.ID))
		return
	}
	ch <- resp
}

// Status fetches and parses a full server snapshot.
func (c *Conn) Status(ctx context.Context) (ServerState, error) {
	result, err := c.Call(ctx, MethodServerGetStatus, nil)
	if err != nil {
		return ServerState{}, err
	}
	return parseServerStatus(result)
}

// SetClientVolume sets a client's volume percent (clamped to [0,100]) and
// mute flag.
func (c *Conn) SetClientVolume(ctx context.Context, clientID string, percent int, muted bool) error {
	percent = ClampVolume(percent)
	_, err := c.Call(ctx, MethodClientSetVolume, clientSetVolumeParams{
		ID:     clientID,
		Volume: clientVolume{Percent: &percent, Muted: &muted},
	})
	return err
}

// SetClientLatency sets a client's latency offset in milliseconds.
func (c *Conn) SetClientLatency(ctx context.Context, clientID string, latency int) error {
	_, err := c.Call(ctx, MethodClientSetLatency, clientSetLatencyParams{ID: clientID, Latency: latency})
	return err
}

// SetClientName sets a client's display name.
func (c *Conn) SetClientName(ctx context.Context, clientID, name string) error {
	_, err := c.Call(ctx, MethodClientSetName, clientSetNameParams{ID: clientID, Name: name})
	return err
}

// SetGroupMute sets a group's mute flag.
func (c *Conn) SetGroupMute(ctx context.Context, groupID string, mute bool) error {
	_, err := c.Call(ctx, MethodGroupSetMute, groupSetMuteParams{ID: groupID, Mute: mute})
	return err
}

// SetGroupStream assigns a source to a group.
func (c *Conn) SetGroupStream(ctx context.Context, groupID, streamID string) error {
	_, err := c.Call(ctx, MethodGroupSetStream, groupSetStreamParams{ID: groupID, StreamID: streamID})
	return err
}

// SetGroupName sets a group's display name.
func (c *Conn) SetGroupName(ctx context.Context, groupID, name string) error {
	_, err := c.Call(ctx, MethodGroupSetName, groupSetNameParams{ID: groupID, Name: name})
	return err
}

// DeleteClient removes a client from the server's registry.
func (c *Conn) DeleteClient(ctx context.Context, clientID string) error {
	_, err := c.Call(ctx, MethodServerDeleteClient, serverDeleteClientParams{ID: clientID})
	return err
}

// ServerRPCVersion fetches the server's JSON-RPC API version.
func (c *Conn) ServerRPCVersion(ctx context.Context) (RPCVersion, error) {
	result, err := c.Call(ctx, MethodServerGetRPCVersion, nil)
	if err != nil {
		return RPCVersion{}, err
	}
	var v RPCVersion
	if err := json.Unmarshal(result, &v); err != nil {
		return RPCVersion{}, fmt.Errorf("parse rpc version: %w", err)
	}
	return v, nil
}
