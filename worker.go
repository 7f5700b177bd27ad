package snapctrl

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// WorkerState is the connection lifecycle state of a Worker.
type WorkerState int

const (
	StateDisconnected WorkerState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateStopped
)

func (s WorkerState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// EventKind classifies worker events.
type EventKind int

const (
	// EventConnected fires after a session is established and the first
	// status snapshot is in the store.
	EventConnected EventKind = iota
	// EventDisconnected fires when the worker gives up or is stopped.
	EventDisconnected
	// EventConnectionLost fires when a live session dies unexpectedly.
	EventConnectionLost
	// EventStateChanged fires when a notification changed the store;
	// Method names the notification.
	EventStateChanged
	// EventError reports a failed command or refresh; Err is set.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventConnectionLost:
		return "connection-lost"
	case EventStateChanged:
		return "state-changed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one worker lifecycle or state-change notification.
type Event struct {
	Kind   EventKind
	Method string
	Err    error
}

const (
	reconnectInitialDelay = 2 * time.Second
	reconnectMaxDelay     = 30 * time.Second
	defaultEventBuffer    = 32
)

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkerLogger sets the worker's logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithAutoReconnect toggles automatic reconnection after a lost session.
// Enabled by default.
func WithAutoReconnect(enabled bool) WorkerOption {
	return func(w *Worker) { w.autoReconnect = enabled }
}

// WithConnOptions passes options through to every Dial the worker makes.
func WithConnOptions(opts ...ConnOption) WorkerOption {
	return func(w *Worker) { w.connOpts = opts }
}

// Worker owns the connection lifecycle for one server: it dials, keeps the
// store fed from snapshots and notifications, reconnects with backoff when
// the session dies, and exposes the command surface used by consumers.
//
// All methods are safe for concurrent use.
type Worker struct {
	host     string
	port     int
	store    *Store
	logger   *slog.Logger
	connOpts []ConnOption

	autoReconnect bool

	events chan Event

	mu      sync.Mutex
	state   WorkerState
	conn    *Conn
	started bool
	cancel  context.CancelFunc

	wg    sync.WaitGroup
	cmdWG sync.WaitGroup
}

// NewWorker creates a worker for host:port feeding store. A zero port means
// DefaultControlPort. Call Start to begin connecting.
func NewWorker(host string, port int, store *Store, opts ...WorkerOption) *Worker {
	if port == 0 {
		port = DefaultControlPort
	}
	w := &Worker{
		host:          host,
		port:          port,
		store:         store,
		logger:        slog.Default(),
		autoReconnect: true,
		events:        make(chan Event, defaultEventBuffer),
		state:         StateDisconnected,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Events returns the channel carrying lifecycle and state-change events.
// Consumers that lag behind lose events; the worker never blocks on it.
func (w *Worker) Events() <-chan Event {
	return w.events
}

// State returns the current lifecycle state.
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Connected reports whether a live session exists right now.
func (w *Worker) Connected() bool {
	return w.State() == StateConnected
}

// Start launches the connection loop. It errors if the worker is already
// running or has been stopped.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errors.New("worker already started")
	}
	if w.state == StateStopped {
		return errors.New("worker stopped")
	}
	w.started = true

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

// Stop shuts the worker down and waits for the connection loop and any
// in-flight commands to finish. After Stop returns, no further dial or
// store mutation happens. Stop is idempotent.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.state == StateStopped {
		w.mu.Unlock()
		return
	}
	w.state = StateStopped
	if w.cancel != nil {
		w.cancel()
	}
	if w.conn != nil {
		w.conn.Close()
	}
	w.mu.Unlock()

	w.wg.Wait()
	w.cmdWG.Wait()
	w.emit(Event{Kind: EventDisconnected})
}

func (w *Worker) setState(s WorkerState) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateStopped {
		return false
	}
	w.state = s
	return true
}

func (w *Worker) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("event buffer full, dropping", "kind", ev.Kind.String())
	}
}

// run is the reconnect loop: dial, pump, back off, repeat.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	delay := reconnectInitialDelay
	first := true

	for {
		if ctx.Err() != nil {
			return
		}
		if !first {
			// Stale entities never survive a dead session.
			w.store.Clear()
			if !w.setState(StateReconnecting) {
				return
			}
			w.logger.Info("reconnecting", "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay = min(delay*2, reconnectMaxDelay)
		}
		first = false

		if !w.setState(StateConnecting) {
			return
		}

		// A dropped notification is a lost delta; recover it the same way
		// topology changes are handled, with a full snapshot.
		opts := make([]ConnOption, 0, len(w.connOpts)+1)
		opts = append(opts, w.connOpts...)
		opts = append(opts, WithNotificationDropHandler(func(method string) {
			w.logger.Warn("notification dropped, refreshing", "method", method)
			if err := w.refresh(ctx); err != nil {
				w.logger.Debug("refresh after dropped notification failed", "err", err)
			}
		}))

		conn, err := Dial(ctx, w.host, w.port, opts...)
		if err != nil {
			w.logger.Warn("dial failed", "host", w.host, "port", w.port, "err", err)
			if !w.autoReconnect {
				w.setState(StateDisconnected)
				w.emit(Event{Kind: EventDisconnected, Err: err})
				return
			}
			continue
		}

		w.mu.Lock()
		if w.state == StateStopped {
			w.mu.Unlock()
			conn.Close()
			return
		}
		w.conn = conn
		w.state = StateConnected
		w.mu.Unlock()

		if err := w.refresh(ctx); err != nil {
			w.logger.Warn("initial status fetch failed", "err", err)
			w.emit(Event{Kind: EventError, Err: err})
		}
		delay = reconnectInitialDelay
		w.emit(Event{Kind: EventConnected})

		w.pump(ctx, conn)

		w.mu.Lock()
		w.conn = nil
		stopped := w.state == StateStopped
		w.mu.Unlock()

		w.store.MarkDisconnected()
		if stopped || ctx.Err() != nil {
			return
		}

		w.logger.Warn("connection lost", "host", w.host)
		w.emit(Event{Kind: EventConnectionLost})
		if !w.autoReconnect {
			w.setState(StateDisconnected)
			w.emit(Event{Kind: EventDisconnected})
			return
		}
	}
}

// pump drains notifications from one live session until it dies.
func (w *Worker) pump(ctx context.Context, conn *Conn) {
	for {
		select {
		case n, ok := <-conn.Notifications():
			if !ok {
				return
			}
			w.handleNotification(ctx, n)
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

func (w *Worker) handleNotification(ctx context.Context, n *Notification) {
	changed := w.store.ApplyNotification(n)

	// Membership and topology changes carry partial payloads; a full
	// snapshot keeps the group/client relations coherent.
	switch n.Method {
	case NotifyClientConnect, NotifyClientDisconnect, NotifyGroupStreamChanged:
		if err := w.refresh(ctx); err != nil {
			w.logger.Debug("refresh after notification failed", "method", n.Method, "err", err)
		}
		changed = true
	}

	if changed {
		w.emit(Event{Kind: EventStateChanged, Method: n.Method})
	}
}

// refresh fetches a full status snapshot into the store.
func (w *Worker) refresh(ctx context.Context) error {
	conn := w.liveConn()
	if conn == nil {
		return ErrConnClosed
	}
	result, err := conn.Call(ctx, MethodServerGetStatus, nil)
	if err != nil {
		return err
	}
	return w.store.IngestStatus(result)
}

func (w *Worker) liveConn() *Conn {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateConnected {
		return nil
	}
	return w.conn
}

// asyncCall issues an RPC without blocking the caller. Failures surface as
// Error events; there is no rollback of optimistic store mutations, the
// next snapshot or notification corrects any divergence.
func (w *Worker) asyncCall(method string, params any) {
	conn := w.liveConn()
	if conn == nil {
		w.logger.Debug("ignoring command while disconnected", "method", method)
		return
	}
	w.cmdWG.Add(1)
	go func() {
		defer w.cmdWG.Done()
		if _, err := conn.Call(context.Background(), method, params); err != nil {
			w.logger.Warn("command failed", "method", method, "err", err)
			w.emit(Event{Kind: EventError, Method: method, Err: err})
		}
	}()
}

// Command surface. Each command applies its optimistic store mutation
// synchronously and issues the RPC in the background. Commands are no-ops
// while disconnected.

// SetClientVolume sets a client's volume percent, clamped to [0,100].
func (w *Worker) SetClientVolume(clientID string, percent int) {
	if !w.Connected() {
		w.logger.Debug("ignoring command while disconnected", "method", MethodClientSetVolume)
		return
	}
	percent = ClampVolume(percent)
	muted := false
	if c, ok := w.store.Client(clientID); ok {
		muted = c.Muted
	}
	w.store.SetClientVolume(clientID, percent, muted)
	w.asyncCall(MethodClientSetVolume, clientSetVolumeParams{
		ID:     clientID,
		Volume: clientVolume{Percent: &percent, Muted: &muted},
	})
}

// SetClientMute sets a client's mute flag, keeping its volume.
func (w *Worker) SetClientMute(clientID string, muted bool) {
	if !w.Connected() {
		w.logger.Debug("ignoring command while disconnected", "method", MethodClientSetVolume)
		return
	}
	percent := 0
	if c, ok := w.store.Client(clientID); ok {
		percent = c.Volume
	}
	w.store.SetClientMute(clientID, muted)
	w.asyncCall(MethodClientSetVolume, clientSetVolumeParams{
		ID:     clientID,
		Volume: clientVolume{Percent: &percent, Muted: &muted},
	})
}

// SetClientLatency sets a client's latency offset in milliseconds.
func (w *Worker) SetClientLatency(clientID string, latency int) {
	if !w.Connected() {
		w.logger.Debug("ignoring command while disconnected", "method", MethodClientSetLatency)
		return
	}
	w.store.SetClientLatency(clientID, latency)
	w.asyncCall(MethodClientSetLatency, clientSetLatencyParams{ID: clientID, Latency: latency})
}

// RenameClient sets a client's display name.
func (w *Worker) RenameClient(clientID, name string) {
	if !w.Connected() {
		w.logger.Debug("ignoring command while disconnected", "method", MethodClientSetName)
		return
	}
	w.store.SetClientName(clientID, name)
	w.asyncCall(MethodClientSetName, clientSetNameParams{ID: clientID, Name: name})
}

// SetGroupMute sets a group's mute flag.
func (w *Worker) SetGroupMute(groupID string, muted bool) {
	if !w.Connected() {
		w.logger.Debug("ignoring command while disconnected", "method", MethodGroupSetMute)
		return
	}
	w.store.SetGroupMute(groupID, muted)
	w.asyncCall(MethodGroupSetMute, groupSetMuteParams{ID: groupID, Mute: muted})
}

// SetGroupStream assigns a source to a group.
func (w *Worker) SetGroupStream(groupID, streamID string) {
	if !w.Connected() {
		w.logger.Debug("ignoring command while disconnected", "method", MethodGroupSetStream)
		return
	}
	w.store.SetGroupStream(groupID, streamID)
	w.asyncCall(MethodGroupSetStream, groupSetStreamParams{ID: groupID, StreamID: streamID})
}

// RenameGroup sets a group's display name.
func (w *Worker) RenameGroup(groupID, name string) {
	if !w.Connected() {
		w.logger.Debug("ignoring command while disconnected", "method", MethodGroupSetName)
		return
	}
	w.store.SetGroupName(groupID, name)
	w.asyncCall(MethodGroupSetName, groupSetNameParams{ID: groupID, Name: name})
}

// DeleteClient removes a client from the server.
func (w *Worker) DeleteClient(clientID string) {
	if !w.Connected() {
		w.logger.Debug("ignoring command while disconnected", "method", MethodServerDeleteClient)
		return
	}
	w.store.RemoveClient(clientID)
	w.asyncCall(MethodServerDeleteClient, serverDeleteClientParams{ID: clientID})
}

// RequestStatus asks for a fresh snapshot in the background.
func (w *Worker) RequestStatus() {
	conn := w.liveConn()
	if conn == nil {
		w.logger.Debug("ignoring command while disconnected", "method", MethodServerGetStatus)
		return
	}
	w.cmdWG.Add(1)
	go func() {
		defer w.cmdWG.Done()
		result, err := conn.Call(context.Background(), MethodServerGetStatus, nil)
		if err != nil {
			w.emit(Event{Kind: EventError, Method: MethodServerGetStatus, Err: err})
			return
		}
		if err := w.store.IngestStatus(result); err != nil {
			w.emit(Event{Kind: EventError, Method: MethodServerGetStatus, Err: err})
			return
		}
		w.emit(Event{Kind: EventStateChanged, Method: MethodServerGetStatus})
	}()
}
