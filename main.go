package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apihttp "panelbridge/internal/api/http"
	"panelbridge/internal/audit"
	"panelbridge/internal/auth"
	"panelbridge/internal/config"
	"panelbridge/internal/export"
	"panelbridge/internal/identity/application"
	identity "panelbridge/internal/identity/domain"
	filedir "panelbridge/internal/identity/infrastructure/file"
	memdir "panelbridge/internal/identity/infrastructure/memory"
	pgdir "panelbridge/internal/identity/infrastructure/postgres"
	"panelbridge/internal/notify"
	"panelbridge/internal/observability/logging"
	"panelbridge/internal/observability/metrics"
	"panelbridge/internal/panel/cache"
	panel "panelbridge/internal/panel/domain"
	"panelbridge/internal/panel/homie"
	"panelbridge/internal/panel/span"
	memstats "panelbridge/internal/statistics/memory"
)

var (
	configPath   string
	exportFormat string
	exportOut    string

	rootCmd = &cobra.Command{
		Use:          "panelbridge",
		Short:        "Entity identity and migration engine for a SPAN panel",
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the update orchestrator and diagnostics API",
		RunE:  runServe,
	}

	exportCmd = &cobra.Command{
		Use:   "export",
		Short: "Write an identity registry report to a file",
		RunE:  runExport,
	}

	flagsCmd = &cobra.Command{
		Use:   "flags",
		Short: "List persisted migration flags",
		RunE:  runFlagsList,
	}

	flagsSetCmd = &cobra.Command{
		Use:   "set <flag>",
		Short: "Raise a migration flag",
		Args:  cobra.ExactArgs(1),
		RunE:  runFlagsSet,
	}

	flagsClearCmd = &cobra.Command{
		Use:   "clear <flag>",
		Short: "Lower a migration flag",
		Args:  cobra.ExactArgs(1),
		RunE:  runFlagsClear,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "panelbridge.yaml", "path to the config file")
	exportCmd.Flags().StringVar(&exportFormat, "format", "xlsx", "report format: xlsx or pdf")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output path (defaults to identities.<format>)")
	flagsCmd.AddCommand(flagsSetCmd, flagsClearCmd)
	rootCmd.AddCommand(serveCmd, exportCmd, flagsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	opts := cfg.Options()

	logger, err := logging.New(opts.Log.Level, opts.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	metrics.Init()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var orch *application.Orchestrator
	onPush := func() {
		if orch != nil {
			orch.Trigger()
		}
	}
	source, serial, err := buildSource(ctx, cfg, onPush, logger)
	if err != nil {
		return err
	}
	if opts.Redis.Addr != "" {
		if snapshots := openSnapshotCache(cfg, logger); snapshots != nil {
			source = &cachedSource{source: source, snapshots: snapshots}
		}
	}

	filter := notify.NewFilter()
	bus := notify.NewBus(filter)

	dir, db, err := buildDirectory(ctx, cfg, bus, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	var recorder audit.Recorder
	if db != nil {
		recorder = audit.NewRepository(db)
	} else {
		recorder = audit.NewMemoryRecorder()
	}

	planner, err := application.NewPlanner(dir, logger)
	if err != nil {
		return err
	}
	executor, err := application.NewExecutor(dir, filter, recorder, logger)
	if err != nil {
		return err
	}

	reload := func(ctx context.Context) error {
		logger.Info("platform reload requested")
		return nil
	}

	orch, err = application.NewOrchestrator(
		source,
		dir,
		planner,
		executor,
		cfg,
		reload,
		identity.Slugify(opts.Panel.Name),
		opts.Panel.PollInterval,
		logger,
	)
	if err != nil {
		return err
	}
	bus.Subscribe(orch.HandleRegistryChange)

	if cached, ok := source.(*cachedSource); ok {
		cached.seed(ctx, serial, orch, logger)
	}
	if homieSource, ok := sourceHomie(source); ok {
		if err := homieSource.Connect(); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/status", apihttp.NewStatusHandler(cfg, orch))
	mux.Handle("/api/v1/identities", apihttp.NewIdentitiesHandler(dir, serial))
	mux.Handle("/api/v1/identities/", apihttp.NewIdentitiesHandler(dir, serial))
	mux.Handle("/api/v1/flags/", apihttp.NewFlagsHandler(cfg))
	mux.Handle("/api/v1/audit", apihttp.NewAuditHandler(recorder))
	mux.Handle("/api/v1/refresh", apihttp.NewRefreshHandler(orch))
	mux.Handle("/api/v1/exports/", apihttp.NewExportHandler(cfg, dir, recorder))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if opts.HTTP.JWTSecret == "" {
		return errors.New("http jwt_secret is required")
	}
	authMiddleware := auth.NewMiddleware([]byte(opts.HTTP.JWTSecret), auth.NewDefaultPolicy(nil, nil))
	server := &http.Server{Addr: opts.HTTP.Addr, Handler: authMiddleware.Wrap(mux)}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", opts.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go orch.Run(ctx)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildSource selects the snapshot source: the Homie MQTT bridge when a
// broker is configured, the panel REST API otherwise. The panel serial comes
// from config, falling back to the REST status endpoint.
func buildSource(ctx context.Context, cfg *config.Store, onPush func(), logger *zap.Logger) (application.SnapshotSource, string, error) {
	opts := cfg.Options()
	serial := opts.Panel.Serial

	if opts.MQTT.Broker != "" {
		if serial == "" {
			return nil, "", errors.New("panel serial is required with an mqtt source")
		}
		source, err := homie.NewSource(homie.Options{
			Broker:    opts.MQTT.Broker,
			ClientID:  opts.MQTT.ClientID,
			Username:  opts.MQTT.Username,
			Password:  opts.MQTT.Password,
			BaseTopic: opts.MQTT.BaseTopic,
			Serial:    serial,
		}, onPush, logger)
		if err != nil {
			return nil, "", err
		}
		return source, serial, nil
	}

	client, err := span.NewClient(opts.Panel.BaseURL, opts.Panel.Token, serial)
	if err != nil {
		return nil, "", err
	}
	if serial == "" {
		serial, err = client.Serial(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("resolve panel serial: %w", err)
		}
		client, err = span.NewClient(opts.Panel.BaseURL, opts.Panel.Token, serial)
		if err != nil {
			return nil, "", err
		}
	}
	return client, serial, nil
}

// buildDirectory opens the configured identity directory backend. The
// returned *sql.DB is non-nil only for the postgres driver.
func buildDirectory(ctx context.Context, cfg *config.Store, bus *notify.Bus, logger *zap.Logger) (identity.Directory, *sql.DB, error) {
	opts := cfg.Options()
	switch opts.Registry.Driver {
	case "", "memory":
		return memdir.NewDirectory(memstats.NewStore(), bus), nil, nil
	case "file":
		dir, err := filedir.Open(opts.Registry.Path, memstats.NewStore(), bus, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := dir.Watch(ctx); err != nil {
			return nil, nil, err
		}
		return dir, nil, nil
	case "postgres":
		db, err := sql.Open("pgx", opts.Registry.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		var pgOpts []pgdir.Option
		if opts.Registry.StatisticsTable != "" {
			pgOpts = append(pgOpts, pgdir.WithStatisticsTable(opts.Registry.StatisticsTable))
		}
		return pgdir.NewDirectory(db, bus, pgOpts...), db, nil
	default:
		return nil, nil, fmt.Errorf("unknown registry driver %q", opts.Registry.Driver)
	}
}

// cachedSource layers the redis snapshot cache over a live source. Fetches
// pass through and the result is written back to the cache best-effort.
type cachedSource struct {
	source    application.SnapshotSource
	snapshots *cache.SnapshotCache
}

func (c *cachedSource) Fetch(ctx context.Context) (*panel.Snapshot, error) {
	snap, err := c.source.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	_ = c.snapshots.Save(ctx, snap)
	return snap, nil
}

// seed installs the last cached snapshot so migrations that need a panel
// shape can plan before the first live fetch, without treating the cached
// shape as fresh.
func (c *cachedSource) seed(ctx context.Context, serial string, orch *application.Orchestrator, logger *zap.Logger) {
	snap, err := c.snapshots.Load(ctx, serial)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			logger.Warn("snapshot cache read failed", zap.Error(err))
		}
		return
	}
	orch.SeedSnapshot(snap)
	logger.Info("seeded snapshot from cache",
		zap.String("serial", serial),
		zap.Int("circuits", len(snap.Circuits)))
}

func openSnapshotCache(cfg *config.Store, logger *zap.Logger) *cache.SnapshotCache {
	opts := cfg.Options()
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Redis.Addr,
		Password: opts.Redis.Password,
		DB:       opts.Redis.DB,
	})
	snapshots, err := cache.New(client, opts.Redis.TTL)
	if err != nil {
		logger.Warn("snapshot cache unavailable", zap.Error(err))
		return nil
	}
	return snapshots
}

func sourceHomie(source application.SnapshotSource) (*homie.Source, bool) {
	if cached, ok := source.(*cachedSource); ok {
		source = cached.source
	}
	homieSource, ok := source.(*homie.Source)
	return homieSource, ok
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	opts := cfg.Options()

	logger, err := logging.New(opts.Log.Level, opts.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	bus := notify.NewBus(notify.NewFilter())
	dir, db, err := buildDirectory(ctx, cfg, bus, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	records, err := dir.List(ctx, identity.UniqueIDPrefix(opts.Panel.Serial))
	if err != nil {
		return err
	}
	var entries []audit.Entry
	if db != nil {
		entries, err = audit.NewRepository(db).Recent(ctx, 200)
		if err != nil {
			return err
		}
	}

	report := export.Report{
		Serial:       opts.Panel.Serial,
		Policy:       opts.Naming.Policy,
		DevicePrefix: opts.Naming.DevicePrefix,
		GeneratedAt:  time.Now().UTC(),
		Records:      records,
		Audit:        entries,
	}

	var data []byte
	switch exportFormat {
	case "xlsx":
		data, err = export.BuildIdentityReportXLSX(report)
	case "pdf":
		data, err = export.BuildIdentityReportPDF(report)
	default:
		return fmt.Errorf("unknown format %q", exportFormat)
	}
	if err != nil {
		return err
	}

	out := exportOut
	if out == "" {
		out = "identities." + exportFormat
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d identities)\n", out, len(records))
	return nil
}

func runFlagsList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	for _, flag := range config.Flags() {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%t\n", flag, cfg.Flag(flag))
	}
	return nil
}

func runFlagsSet(cmd *cobra.Command, args []string) error {
	return writeFlag(cmd, args[0], true)
}

func runFlagsClear(cmd *cobra.Command, args []string) error {
	return writeFlag(cmd, args[0], false)
}

func writeFlag(cmd *cobra.Command, name string, value bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	flag, ok := config.ParseFlag(name)
	if !ok {
		return fmt.Errorf("unknown flag %q", name)
	}
	if value {
		err = cfg.SetFlag(flag)
	} else {
		err = cfg.ClearFlag(flag)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%t\n", flag, cfg.Flag(flag))
	return nil
}
