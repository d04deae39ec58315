package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/inkwell/inkstore/internal/config"
	"github.com/inkwell/inkstore/internal/httpapi"
	"github.com/inkwell/inkstore/pkg/otel"
	"github.com/inkwell/inkstore/pkg/peer"
	"github.com/inkwell/inkstore/pkg/record"
	"github.com/inkwell/inkstore/pkg/schema"
	"github.com/inkwell/inkstore/pkg/storage"
	"github.com/inkwell/inkstore/pkg/storage/gormstorage"
	"github.com/inkwell/inkstore/pkg/storage/memstorage"
	"github.com/inkwell/inkstore/pkg/storage/pgstorage"
	"github.com/inkwell/inkstore/pkg/storage/redisstorage"
	"github.com/inkwell/inkstore/pkg/storage/sqlitestorage"
	"github.com/inkwell/inkstore/pkg/storage/wsstorage"
	"github.com/inkwell/inkstore/pkg/store"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	var showVersion bool
	var configPath string
	var addr string

	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&configPath, "config", getEnv("INKSTORE_CONFIG", "inkstore.yaml"), "path to config file")
	flag.StringVar(&addr, "addr", "", "http listen address (overrides config)")
	flag.Parse()

	if showVersion {
		fmt.Printf("inkstore %s (commit=%s, date=%s)\n", version, commit, date)
		return
	}

	if err := run(configPath, addr); err != nil {
		fmt.Fprintf(os.Stderr, "inkstore: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, addrOverride string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyEnv(&cfg)
	if addrOverride != "" {
		cfg.Server.Addr = addrOverride
	}
	initLogger(cfg.Logger)

	shutdownTracing, err := otel.Init(ctx, otel.Config{
		ServiceName:    "inkstore",
		ServiceVersion: version,
		UseStdout:      cfg.Tracing.Stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	reg, err := buildRegistry(cfg.Types)
	if err != nil {
		return err
	}
	if len(cfg.Types) == 0 {
		slog.Warn("no record types configured, every put will be rejected")
	}
	st := store.New(reg)

	bk, err := openBackend(ctx, cfg.Sync.StorageURL)
	if err != nil {
		return err
	}
	defer func() { _ = bk.Close() }()

	var p *peer.Peer
	if cfg.Sync.Key != "" {
		var opts []peer.Option
		if cfg.Sync.PeerID != "" {
			opts = append(opts, peer.WithID(cfg.Sync.PeerID))
		}
		p, err = peer.Attach(ctx, st, bk, cfg.Sync.Key, opts...)
		if err != nil {
			return err
		}
		defer func() { _ = p.Close() }()
	}

	srv := httpapi.NewServer(st, p, cfg.Server.Addr)
	if err := srv.Start(); err != nil {
		return err
	}
	slog.Info("inkstore started",
		"version", version,
		"addr", cfg.Server.Addr,
		"storage", cfg.Sync.StorageURL,
		"key", cfg.Sync.Key,
		"types", len(cfg.Types))

	<-ctx.Done()

	slog.Info("shutting down")
	if err := srv.Stop(); err != nil {
		slog.Warn("http shutdown", "err", err)
	}
	return nil
}

// applyEnv layers environment overrides onto the file config.
func applyEnv(cfg *config.Config) {
	cfg.Server.Addr = getEnv("INKSTORE_ADDR", cfg.Server.Addr)
	cfg.Sync.StorageURL = getEnv("INKSTORE_STORAGE_URL", cfg.Sync.StorageURL)
	cfg.Sync.Key = getEnv("INKSTORE_PERSIST_KEY", cfg.Sync.Key)
	cfg.Sync.PeerID = getEnv("INKSTORE_PEER_ID", cfg.Sync.PeerID)
}

func initLogger(cfg config.LoggerConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// buildRegistry registers the configured record types. A version of
// zero means version one.
func buildRegistry(types []config.TypeConfig) (*schema.Registry, error) {
	reg := schema.NewRegistry()
	for _, tc := range types {
		spec := schema.TypeSpec{
			Name:           tc.Name,
			Scope:          record.Scope(tc.Scope),
			CurrentVersion: tc.Version,
		}
		if spec.CurrentVersion == 0 {
			spec.CurrentVersion = 1
		}
		if err := reg.RegisterType(spec); err != nil {
			return nil, fmt.Errorf("type %q: %w", tc.Name, err)
		}
	}
	return reg, nil
}

// openBackend selects the storage backend by URL scheme.
func openBackend(ctx context.Context, storageURL string) (storage.Backend, error) {
	u := strings.ToLower(storageURL)
	switch {
	case storageURL == "" || u == "mem:" || u == "mem://":
		return memstorage.New(), nil
	case strings.HasPrefix(u, "sqlite:"):
		return sqlitestorage.Open(ctx, storageURL)
	case strings.HasPrefix(u, "redis://") || strings.HasPrefix(u, "rediss://"):
		return redisstorage.Open(ctx, storageURL)
	case strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://"):
		return pgstorage.Open(ctx, storageURL)
	case strings.HasPrefix(u, "gorm:"):
		return gormstorage.Open(storageURL[len("gorm:"):])
	case strings.HasPrefix(u, "ws://") || strings.HasPrefix(u, "wss://"):
		return wsstorage.Open(storageURL)
	default:
		return nil, fmt.Errorf("unsupported storage url %q", storageURL)
	}
}

func getEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
