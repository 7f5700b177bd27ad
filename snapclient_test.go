package snapctrl_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	snapctrl "github.com/snapctrl/go-snapctrl"
)

// fakeSnapclient writes an executable shell script standing in for the real
// binary.
func fakeSnapclient(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapclient")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindSnapclientConfiguredPath(t *testing.T) {
	path := fakeSnapclient(t, "exit 0\n")
	if got := snapctrl.FindSnapclient(path); got != path {
		t.Errorf("FindSnapclient = %q, want configured %q", got, path)
	}
}

func TestValidateSnapclient(t *testing.T) {
	path := fakeSnapclient(t, `echo "snapclient v0.34.0"`+"\n")
	version, err := snapctrl.ValidateSnapclient(context.Background(), path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if version != "0.34.0" {
		t.Errorf("version = %q", version)
	}
}

func TestValidateSnapclientRejectsBadOutput(t *testing.T) {
	path := fakeSnapclient(t, `echo "something else"`+"\n")
	if _, err := snapctrl.ValidateSnapclient(context.Background(), path); err == nil {
		t.Error("unexpected output must fail validation")
	}
}

func TestValidateSnapclientRejectsSymlink(t *testing.T) {
	real := fakeSnapclient(t, `echo "snapclient v0.34.0"`+"\n")
	link := filepath.Join(t.TempDir(), "link")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlink: %v", err)
	}
	if _, err := snapctrl.ValidateSnapclient(context.Background(), link); err == nil {
		t.Error("symlinked binary must fail validation")
	}
}

func TestRunnerRejectsBadInput(t *testing.T) {
	bin := fakeSnapclient(t, "exit 0\n")

	r := snapctrl.NewRunner(snapctrl.WithRunnerBinary(bin))
	if err := r.Start("  ", 1704); err == nil {
		t.Error("blank host must be rejected")
	}
	if err := r.Start("server", 0); err == nil {
		t.Error("port 0 must be rejected")
	}
	if err := r.Start("server", 70000); err == nil {
		t.Error("out-of-range port must be rejected")
	}

	r = snapctrl.NewRunner(snapctrl.WithRunnerBinary(bin), snapctrl.WithRunnerArgs("--logsink=null"))
	if err := r.Start("server", 1704); err == nil || !strings.Contains(err.Error(), "--logsink") {
		t.Errorf("managed flag must be rejected, got %v", err)
	}
}

func TestRunnerStartMissingBinary(t *testing.T) {
	r := snapctrl.NewRunner(snapctrl.WithRunnerBinary(filepath.Join(t.TempDir(), "nope")))
	if err := r.Start("server", 1704); err == nil {
		t.Error("missing binary must fail Start")
	}
	if r.Running() {
		t.Error("runner running with a missing binary")
	}
}

func waitRunnerEvent(t *testing.T, r *snapctrl.Runner, match func(snapctrl.RunnerEvent) bool) snapctrl.RunnerEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.Events():
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("runner event never arrived")
		}
	}
}

func TestRunnerLifecycle(t *testing.T) {
	bin := fakeSnapclient(t,
		`echo "Connected to 127.0.0.1"`+"\n"+
			`echo "hostID: aa:bb:cc:dd:ee:ff"`+"\n"+
			"exec sleep 60\n")

	r := snapctrl.NewRunner(snapctrl.WithRunnerBinary(bin))
	if err := r.Start("127.0.0.1", 1704); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	waitRunnerEvent(t, r, func(ev snapctrl.RunnerEvent) bool {
		return ev.State == snapctrl.RunnerRunning && ev.ClientID == ""
	})
	if !r.Running() {
		t.Error("runner must report running after the connection banner")
	}

	ev := waitRunnerEvent(t, r, func(ev snapctrl.RunnerEvent) bool { return ev.ClientID != "" })
	if ev.ClientID != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("client id = %q", ev.ClientID)
	}

	r.Stop()
	if r.State() != snapctrl.RunnerStopped {
		t.Errorf("state after stop = %v", r.State())
	}
	r.Stop() // idempotent
}

func TestRunnerIgnoresMalformedClientID(t *testing.T) {
	bin := fakeSnapclient(t,
		`echo "hostID: not a valid id !!"`+"\n"+
			`echo "Connected to 127.0.0.1"`+"\n"+
			"exec sleep 60\n")

	r := snapctrl.NewRunner(snapctrl.WithRunnerBinary(bin))
	if err := r.Start("127.0.0.1", 1704); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	ev := waitRunnerEvent(t, r, func(ev snapctrl.RunnerEvent) bool {
		return ev.State == snapctrl.RunnerRunning || ev.ClientID != ""
	})
	if ev.ClientID != "" {
		t.Errorf("malformed client id must be dropped, got %q", ev.ClientID)
	}
}

func TestRunnerAutoRestartAfterCrash(t *testing.T) {
	countFile := filepath.Join(t.TempDir(), "runs")
	bin := fakeSnapclient(t, "echo run >> "+countFile+"\nexit 1\n")

	r := snapctrl.NewRunner(snapctrl.WithRunnerBinary(bin))
	if err := r.Start("127.0.0.1", 1704); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	waitRunnerEvent(t, r, func(ev snapctrl.RunnerEvent) bool {
		return ev.State == snapctrl.RunnerError && ev.Err != nil
	})

	// First restart comes after the 1s initial backoff.
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		data, _ := os.ReadFile(countFile)
		if strings.Count(string(data), "run") >= 2 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("snapclient was not restarted after a crash")
}

func TestRunnerAutoRestartDisabled(t *testing.T) {
	countFile := filepath.Join(t.TempDir(), "runs")
	bin := fakeSnapclient(t, "echo run >> "+countFile+"\nexit 1\n")

	r := snapctrl.NewRunner(snapctrl.WithRunnerBinary(bin), snapctrl.WithRunnerAutoRestart(false))
	if err := r.Start("127.0.0.1", 1704); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	waitRunnerEvent(t, r, func(ev snapctrl.RunnerEvent) bool { return ev.State == snapctrl.RunnerError })

	time.Sleep(1500 * time.Millisecond)
	data, _ := os.ReadFile(countFile)
	if got := strings.Count(string(data), "run"); got != 1 {
		t.Errorf("process launched %d times, want exactly 1", got)
	}
}

func TestRunnerStateString(t *testing.T) {
	states := map[snapctrl.RunnerState]string{
		snapctrl.RunnerStopped:  "stopped",
		snapctrl.RunnerStarting: "starting",
		snapctrl.RunnerRunning:  "running",
		snapctrl.RunnerError:    "error",
	}
	for state, want := range states {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
