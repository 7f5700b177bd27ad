package snapctrl_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	snapctrl "github.com/snapctrl/go-snapctrl"
)

func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := &snapctrl.Config{
		DialTimeout: snapctrl.Duration(5 * time.Second),
		CallTimeout: snapctrl.Duration(90 * time.Second),
	}
	p := cfg.Upsert(snapctrl.Profile{Name: "Home", Host: "192.168.1.10", Port: 1705, AutoConnect: true})
	if p.ID == uuid.Nil {
		t.Fatal("Upsert must assign an id")
	}
	cfg.LastProfileID = p.ID

	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := snapctrl.LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Profiles) != 1 {
		t.Fatalf("profiles = %d", len(loaded.Profiles))
	}
	got, ok := loaded.Profile(p.ID)
	if !ok {
		t.Fatal("profile lost")
	}
	if got != p {
		t.Errorf("profile changed: %+v != %+v", got, p)
	}
	if loaded.LastProfileID != p.ID {
		t.Errorf("last profile id = %v", loaded.LastProfileID)
	}
	if time.Duration(loaded.CallTimeout) != 90*time.Second {
		t.Errorf("call timeout = %v", time.Duration(loaded.CallTimeout))
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := snapctrl.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if len(cfg.Profiles) != 0 {
		t.Error("expected zero config")
	}
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("profiles: [not: {valid"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := snapctrl.LoadConfig(path); err == nil {
		t.Error("broken yaml must error")
	}
}

func TestConfigUpsertReplacesByID(t *testing.T) {
	var cfg snapctrl.Config
	p := cfg.Upsert(snapctrl.Profile{Name: "A", Host: "h1"})
	p.Host = "h2"
	cfg.Upsert(p)

	if len(cfg.Profiles) != 1 {
		t.Fatalf("profiles = %d, want replace not append", len(cfg.Profiles))
	}
	got, _ := cfg.Profile(p.ID)
	if got.Host != "h2" {
		t.Errorf("host = %q", got.Host)
	}
}

func TestConfigRemove(t *testing.T) {
	var cfg snapctrl.Config
	p := cfg.Upsert(snapctrl.Profile{Name: "A"})
	cfg.LastProfileID = p.ID

	if !cfg.Remove(p.ID) {
		t.Fatal("remove must succeed")
	}
	if len(cfg.Profiles) != 0 {
		t.Error("profile still present")
	}
	if cfg.LastProfileID != uuid.Nil {
		t.Error("dangling last profile id")
	}
	if cfg.Remove(p.ID) {
		t.Error("second remove must fail")
	}
}

func TestWatchConfigSeesAtomicSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := (&snapctrl.Config{}).Save(path); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *snapctrl.Config, 1)
	if err := snapctrl.WatchConfig(ctx, path, func(cfg *snapctrl.Config) {
		select {
		case changed <- cfg:
		default:
		}
	}); err != nil {
		t.Fatalf("watch: %v", err)
	}

	cfg := &snapctrl.Config{}
	cfg.Upsert(snapctrl.Profile{Name: "Watched", Host: "h"})
	// Save goes through temp file + rename, the path the watcher must see.
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-changed:
		if len(got.Profiles) != 1 || got.Profiles[0].Name != "Watched" {
			t.Errorf("reloaded config = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never fired")
	}
}
