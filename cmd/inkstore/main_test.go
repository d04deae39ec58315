package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/inkwell/inkstore/internal/config"
	"github.com/inkwell/inkstore/pkg/storage/memstorage"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	if got := getEnv("FOO", "default"); got != "bar" {
		t.Fatalf("getEnv returned %q, want %q", got, "bar")
	}
	if got := getEnv("MISSING", "default"); got != "default" {
		t.Fatalf("getEnv returned %q, want %q", got, "default")
	}
}

func TestLoadConfigLayersFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inkstore.yaml")
	doc := `
logger:
  level: DEBUG
sync:
  storage_url: "sqlite:file:ink?mode=memory&cache=shared"
  key: board-7
types:
  - name: geo
    scope: document
    version: 2
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logger.Level != "DEBUG" {
		t.Fatalf("level=%q want DEBUG", cfg.Logger.Level)
	}
	if cfg.Sync.Key != "board-7" {
		t.Fatalf("key=%q want board-7", cfg.Sync.Key)
	}
	if len(cfg.Types) != 1 || cfg.Types[0].Name != "geo" || cfg.Types[0].Version != 2 {
		t.Fatalf("types=%+v", cfg.Types)
	}
	// Sections the file omits keep their defaults.
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("addr=%q want :8080", cfg.Server.Addr)
	}
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Sync.StorageURL != "mem:" {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestApplyEnvOverridesConfig(t *testing.T) {
	t.Setenv("INKSTORE_ADDR", ":7070")
	t.Setenv("INKSTORE_PERSIST_KEY", "board-9")

	cfg := config.Default()
	applyEnv(&cfg)
	if cfg.Server.Addr != ":7070" {
		t.Fatalf("addr=%q want :7070", cfg.Server.Addr)
	}
	if cfg.Sync.Key != "board-9" {
		t.Fatalf("key=%q want board-9", cfg.Sync.Key)
	}
	if cfg.Sync.StorageURL != "mem:" {
		t.Fatalf("storage=%q want mem:", cfg.Sync.StorageURL)
	}
}

func TestBuildRegistry(t *testing.T) {
	reg, err := buildRegistry([]config.TypeConfig{
		{Name: "geo", Scope: "document", Version: 2},
		{Name: "camera", Scope: "session"},
	})
	if err != nil {
		t.Fatal(err)
	}
	d := reg.Descriptor()
	if d.Types["geo"].Current != 2 {
		t.Fatalf("geo current=%d want 2", d.Types["geo"].Current)
	}
	// Version zero means version one.
	if d.Types["camera"].Current != 1 {
		t.Fatalf("camera current=%d want 1", d.Types["camera"].Current)
	}

	if _, err := buildRegistry([]config.TypeConfig{{Name: "x", Scope: "all", Version: 1}}); err == nil {
		t.Fatal("want error for non-storable scope")
	}
}

func TestOpenBackendSelectsScheme(t *testing.T) {
	ctx := t.Context()

	bk, err := openBackend(ctx, "mem:")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := bk.(*memstorage.Backend); !ok {
		t.Fatalf("backend=%T want *memstorage.Backend", bk)
	}

	sq, err := openBackend(ctx, "sqlite:file:cmdtest?mode=memory&cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sq.Close() })

	ws, err := openBackend(ctx, "ws://relay.example/sync")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ws.Close() })

	if _, err := openBackend(ctx, "carrier-pigeon://coop"); err == nil {
		t.Fatal("want error for unsupported scheme")
	}
}
