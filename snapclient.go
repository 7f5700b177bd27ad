package snapctrl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// RunnerState is the lifecycle state of a local snapclient process.
type RunnerState int

const (
	RunnerStopped RunnerState = iota
	RunnerStarting
	RunnerRunning
	RunnerError
)

func (s RunnerState) String() string {
	switch s {
	case RunnerStopped:
		return "stopped"
	case RunnerStarting:
		return "starting"
	case RunnerRunning:
		return "running"
	case RunnerError:
		return "error"
	default:
		return "unknown"
	}
}

// RunnerEvent reports a runner state change, a detected client id, or an
// error.
type RunnerEvent struct {
	State    RunnerState
	ClientID string
	Err      error
}

const (
	runnerInitialBackoff = time.Second
	runnerMaxBackoff     = 30 * time.Second
	runnerStopTimeout    = 3 * time.Second
	maxClientIDLen       = 64
	maxPort              = 65535
)

var (
	macRe      = regexp.MustCompile(`^([0-9a-fA-F]{2}:){5}[0-9a-fA-F]{2}$`)
	hostnameRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?$`)
)

// Flags the runner manages itself; they must not appear in extra args.
var blockedRunnerArgs = map[string]struct{}{
	"--host":      {},
	"--port":      {},
	"--hostID":    {},
	"--logsink":   {},
	"--logfilter": {},
}

// snapclient --version prints "snapclient v0.34.0" on its first line.
const snapclientVersionPrefix = "snapclient v"

// FindSnapclient locates the snapclient binary: an explicitly configured
// path wins, otherwise the system PATH is searched. Returns an empty string
// when nothing is found.
func FindSnapclient(configuredPath string) string {
	if configuredPath != "" {
		if info, err := os.Stat(configuredPath); err == nil && info.Mode().IsRegular() {
			return configuredPath
		}
		slog.Warn("configured snapclient not found", "path", configuredPath)
	}
	if path, err := exec.LookPath("snapclient"); err == nil {
		return path
	}
	return ""
}

// ValidateSnapclient runs `snapclient --version` and returns the reported
// version. Symlinked binaries are rejected.
func ValidateSnapclient(ctx context.Context, path string) (string, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return "", fmt.Errorf("snapclient binary: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return "", fmt.Errorf("snapclient binary is a symlink: %s", path)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if err != nil && len(out) == 0 {
		return "", fmt.Errorf("run %s --version: %w", path, err)
	}

	first, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	version, ok := strings.CutPrefix(first, snapclientVersionPrefix)
	if !ok {
		return "", fmt.Errorf("unexpected --version output: %q", first)
	}
	return version, nil
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the runner's logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRunnerBinary sets an explicit snapclient binary path, bypassing PATH
// discovery.
func WithRunnerBinary(path string) RunnerOption {
	return func(r *Runner) { r.binary = path }
}

// WithRunnerHostID sets a custom host id passed as --hostID (the default is
// the machine's MAC address, chosen by snapclient itself).
func WithRunnerHostID(id string) RunnerOption {
	return func(r *Runner) { r.hostID = id }
}

// WithRunnerArgs passes extra CLI arguments to snapclient. Flags the runner
// manages itself (--host, --port, --hostID, --logsink, --logfilter) are
// rejected at Start.
func WithRunnerArgs(args ...string) RunnerOption {
	return func(r *Runner) { r.extraArgs = args }
}

// WithRunnerAutoRestart toggles restarting snapclient after an abnormal
// exit. Enabled by default.
func WithRunnerAutoRestart(enabled bool) RunnerOption {
	return func(r *Runner) { r.autoRestart = enabled }
}

// Runner manages a local snapclient subprocess: start, graceful stop, and
// restart after a crash with backoff doubling from 1s to a 30s cap. Audio
// control still goes through the JSON-RPC session; the runner only owns the
// process lifecycle.
//
// All methods are safe for concurrent use.
type Runner struct {
	logger      *slog.Logger
	binary      string
	hostID      string
	extraArgs   []string
	autoRestart bool

	events chan RunnerEvent

	mu      sync.Mutex
	state   RunnerState
	cancel  context.CancelFunc
	backoff time.Duration

	wg sync.WaitGroup
}

// NewRunner creates a runner. Call Start to launch snapclient.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		logger:      slog.Default(),
		autoRestart: true,
		events:      make(chan RunnerEvent, defaultEventBuffer),
		state:       RunnerStopped,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Events returns the channel carrying runner state changes and detected
// client ids. The runner never blocks on it.
func (r *Runner) Events() <-chan RunnerEvent {
	return r.events
}

// State returns the current lifecycle state.
func (r *Runner) State() RunnerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Running reports whether a snapclient process is alive right now.
func (r *Runner) Running() bool {
	return r.State() == RunnerRunning
}

// Start launches snapclient against host:port (the streaming port, default
// 1704). A running instance is stopped first.
func (r *Runner) Start(host string, port int) error {
	if strings.TrimSpace(host) == "" {
		return errors.New("snapclient host must not be empty")
	}
	if port < 1 || port > maxPort {
		return fmt.Errorf("snapclient port out of range: %d", port)
	}
	for _, arg := range r.extraArgs {
		flag, _, _ := strings.Cut(arg, "=")
		if _, blocked := blockedRunnerArgs[flag]; blocked {
			return fmt.Errorf("snapclient argument managed internally: %s", flag)
		}
	}

	binary := r.binary
	if binary == "" {
		binary = FindSnapclient("")
	}
	if binary == "" {
		return errors.New("snapclient binary not found")
	}
	if _, err := os.Stat(binary); err != nil {
		return fmt.Errorf("snapclient binary: %w", err)
	}

	r.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancel = cancel
	r.backoff = runnerInitialBackoff
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx, binary, host, port)
	return nil
}

// Stop terminates the snapclient process (SIGTERM, then SIGKILL after a
// bounded wait) and disables any pending restart. Idempotent.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.setState(RunnerStopped)
}

func (r *Runner) setState(s RunnerState) {
	r.mu.Lock()
	changed := r.state != s
	r.state = s
	r.mu.Unlock()
	if changed {
		r.emit(RunnerEvent{State: s})
	}
}

func (r *Runner) emit(ev RunnerEvent) {
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("runner event buffer full, dropping")
	}
}

func (r *Runner) nextBackoff() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.backoff
	r.backoff = min(r.backoff*2, runnerMaxBackoff)
	return d
}

func (r *Runner) resetBackoff() {
	r.mu.Lock()
	r.backoff = runnerInitialBackoff
	r.mu.Unlock()
}

// run launches snapclient and restarts it after abnormal exits until ctx is
// canceled or auto-restart is off.
func (r *Runner) run(ctx context.Context, binary, host string, port int) {
	defer r.wg.Done()

	for {
		err := r.runOnce(ctx, binary, host, port)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			r.logger.Info("snapclient exited")
			r.setState(RunnerStopped)
			return
		}

		r.logger.Warn("snapclient died", "err", err)
		r.setState(RunnerError)
		r.emit(RunnerEvent{State: RunnerError, Err: err})
		if !r.autoRestart {
			return
		}

		delay := r.nextBackoff()
		r.logger.Info("restarting snapclient", "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, binary, host string, port int) error {
	args := []string{
		"--host", host,
		"--port", strconv.Itoa(port),
		"--logsink", "stdout",
		"--logfilter", "*:info",
	}
	if r.hostID != "" {
		args = append(args, "--hostID", r.hostID)
	}
	args = append(args, r.extraArgs...)

	cmd := exec.CommandContext(ctx, binary, args...)
	// Graceful teardown: SIGTERM on cancel, SIGKILL if it lingers.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = runnerStopTimeout

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	r.logger.Info("starting snapclient", "binary", binary, "host", host, "port", port)
	r.setState(RunnerStarting)
	if err := cmd.Start(); err != nil {
		pw.Close()
		return fmt.Errorf("start snapclient: %w", err)
	}

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		r.scanOutput(pr)
	}()

	err := cmd.Wait()
	pw.Close()
	<-scanDone

	if err != nil {
		return fmt.Errorf("snapclient exited: %w", err)
	}
	return nil
}

// scanOutput watches snapclient's merged output for the connection banner
// and the negotiated host id.
func (r *Runner) scanOutput(reader io.Reader) {
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		r.logger.Debug("snapclient", "line", line)

		if strings.Contains(line, "Connected to") {
			r.setState(RunnerRunning)
			r.resetBackoff()
		}

		if _, rest, found := strings.Cut(line, "hostID:"); found {
			id := strings.TrimSpace(rest)
			if id != "" && len(id) <= maxClientIDLen &&
				(macRe.MatchString(id) || hostnameRe.MatchString(id)) {
				r.logger.Info("detected client id", "id", id)
				r.emit(RunnerEvent{State: r.State(), ClientID: id})
			} else {
				r.logger.Warn("ignoring malformed client id", "id", id)
			}
		}
	}
}
