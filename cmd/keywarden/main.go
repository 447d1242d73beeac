// keywarden: operador del ciclo de vida de claves de firma JWT (ES256).
// Subcomandos: rotate (dual-key), revoke (emergencia), status, serve (JWKS).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dropDatabas3/keywarden/internal/config"
	"github.com/dropDatabas3/keywarden/internal/flush"
	"github.com/dropDatabas3/keywarden/internal/jwks"
	"github.com/dropDatabas3/keywarden/internal/metrics"
	"github.com/dropDatabas3/keywarden/internal/monitor"
	"github.com/dropDatabas3/keywarden/internal/observability/logger"
	"github.com/dropDatabas3/keywarden/internal/store/core"
	fsstore "github.com/dropDatabas3/keywarden/internal/store/fs"
	"github.com/dropDatabas3/keywarden/internal/store/memory"
	pgstore "github.com/dropDatabas3/keywarden/internal/store/pg"
	"github.com/dropDatabas3/keywarden/internal/util/clock"
)

var (
	flagConfig  string
	flagEnvFile string
	flagDryRun  bool
)

func main() {
	root := &cobra.Command{
		Use:          "keywarden",
		Short:        "JWT signing key lifecycle: rotación dual-key y revocación de emergencia",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "ruta a config.yaml")
	root.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "ruta a .env")
	root.PersistentFlags().BoolVar(&flagDryRun, "dry-run", false, "correr contra un store en memoria, sin tocar nada")

	root.AddCommand(rotateCmd(), revokeCmd(), statusCmd(), serveCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// deps es el wiring común de los subcomandos.
type deps struct {
	cfg      *config.Config
	log      *zap.Logger
	store    core.KeyStore
	registry core.PublicKeyRegistry
	pub      *jwks.Publisher
	flusher  flush.Flusher
	mon      *monitor.Monitor
	clk      clock.Clock
	closeFn  func()
}

func setup(ctx context.Context) (*deps, error) {
	if flagEnvFile != "" {
		_ = godotenv.Load(flagEnvFile)
	}
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}

	log := logger.Init(logger.Config{
		Env:         cfg.App.Env,
		Level:       cfg.App.LogLevel,
		ServiceName: "keywarden",
	})

	if err := metrics.Register(nil); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	d := &deps{cfg: cfg, log: log, clk: clock.Real{}, closeFn: func() {}}

	driver := cfg.Storage.Driver
	if flagDryRun {
		driver = "memory"
		log.Info("dry-run: using in-memory store")
	}
	switch driver {
	case "memory":
		st := memory.New()
		d.store, d.registry = st, st
	case "fs":
		st, err := fsstore.New(cfg.Storage.FS.Dir)
		if err != nil {
			return nil, fmt.Errorf("fs store: %w", err)
		}
		d.store, d.registry = st, st
	case "postgres":
		st, err := pgstore.Open(ctx, cfg.Storage.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("pg store: %w", err)
		}
		d.store, d.registry = st, st
		d.closeFn = st.Close
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}

	d.pub = jwks.NewPublisher(d.registry, d.store, config.Dur(cfg.JWKS.TTL, jwks.DefaultTTL), d.clk)
	d.mon = monitor.New(0, log)

	if cfg.Flush.Kind == "redis" && !flagDryRun {
		d.flusher = flush.NewRedis(cfg.Flush.Redis.Addr, cfg.Flush.Redis.DB, cfg.Flush.Redis.Channel)
	} else {
		d.flusher = flush.Nop{}
	}
	return d, nil
}
