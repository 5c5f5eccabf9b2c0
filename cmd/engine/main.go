package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"jobapply-engine/internal/config"
	"jobapply-engine/internal/events"
	"jobapply-engine/internal/httpapi"
	"jobapply-engine/internal/ledger"
	"jobapply-engine/internal/logger"
	"jobapply-engine/internal/metrics"
	"jobapply-engine/internal/orchestrator"
	"jobapply-engine/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "engine:", err)
		os.Exit(1)
	}
}

func run() error {
	defaultDataDir := os.Getenv("JOBAPPLY_DATA_DIR")
	if defaultDataDir == "" {
		defaultDataDir = "data"
	}
	var (
		dataDir       = flag.String("data-dir", defaultDataDir, "directory for config, ledger and lock file")
		cfgPath       = flag.String("config", "", "config file (default: <data-dir>/config.yml, created on first start)")
		companiesPath = flag.String("companies", "", "optional YAML file of company boards per portal")
		once          = flag.Bool("once", false, "run once, print the summary as JSON and exit")
	)
	flag.Parse()

	if err := logger.Init(); err != nil {
		return err
	}
	log := logger.Named("engine")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	userCfgPath := *cfgPath
	if userCfgPath == "" {
		p, err := config.EnsureUserConfig(*dataDir, filepath.Join("config", "config.yml"))
		if err != nil {
			return fmt.Errorf("config bootstrap failed: %w", err)
		}
		userCfgPath = p
	}

	// Load config and keep it reloadable
	loadCfg := func() (config.Config, error) {
		cfg, err := config.Load(ctx, userCfgPath)
		if err != nil {
			return cfg, err
		}
		if *companiesPath != "" {
			if err := config.OverlayCompanies(&cfg, *companiesPath); err != nil {
				return cfg, err
			}
		}
		return cfg, nil
	}
	cfg, err := loadCfg()
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", userCfgPath, err)
	}
	if err := logger.SetLevelString(cfg.App.LogLevel); err != nil {
		return err
	}
	var cfgVal atomic.Value
	cfgVal.Store(cfg)

	// an explicit -data-dir wins over app.data_dir
	ledgerDir := cfg.App.DataDir
	if ledgerDir == "" || flagSet("data-dir") {
		ledgerDir = *dataDir
	}
	if err := os.MkdirAll(ledgerDir, 0o755); err != nil {
		return err
	}
	dbPath := filepath.Join(ledgerDir, "ledger.db")
	store, err := ledger.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	writer, err := ledger.NewWriter(store, cfg.Retry.Ledger.Controller(), log.Named("ledger"))
	if err != nil {
		return err
	}

	e := &engine{
		cfgVal:  &cfgVal,
		store:   store,
		writer:  writer,
		hub:     events.NewHub(),
		metrics: metrics.Default(),
		log:     log,
	}
	runs := orchestrator.NewService(e.plan)
	runs.OnFinish = e.afterRun

	if *once {
		sum, err := runs.RunNow(ctx)
		if sum.RunID != "" {
			if werr := writeJSON(os.Stdout, sum); werr != nil {
				return werr
			}
		}
		return err
	}
	return serve(ctx, e, runs, userCfgPath, loadCfg, dbPath)
}

func serve(ctx context.Context, e *engine, runs *orchestrator.Service, userCfgPath string, loadCfg func() (config.Config, error), dbPath string) error {
	cfg := e.cfgVal.Load().(config.Config)
	// also cancelled when /shutdown stops the server
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mux := httpapi.NewMux(httpapi.Deps{
		DB:          e.store.DB(),
		Ledger:      e.store,
		Runs:        runs,
		Hub:         e.hub,
		Metrics:     e.metrics.Handler(),
		CfgVal:      e.cfgVal,
		UserCfgPath: userCfgPath,
		LoadCfg:     loadCfg,
	})

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.App.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler: httpapi.Chain(mux,
			httpapi.RequestID,
			httpapi.Recover(e.log.Named("http")),
			httpapi.AccessLog(e.log.Named("http")),
			httpapi.Cors),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if token := os.Getenv("JOBAPPLY_SHUTDOWN_TOKEN"); token != "" {
		mux.HandleFunc("/shutdown", shutdownHandler(token, srv))
	}

	var wg sync.WaitGroup
	if every := cfg.Engine.RunEvery.Std(); every > 0 {
		var opts []scheduler.Option
		if cfg.Engine.RunOnStart {
			opts = append(opts, scheduler.Immediately())
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			scheduler.Every(ctx, every, "runs", func(ctx context.Context) error {
				_, err := runs.RunNow(ctx)
				if errors.Is(err, orchestrator.ErrRunInProgress) {
					return nil
				}
				return err
			}, append(opts, scheduler.WithLogger(e.log.Named("scheduler")))...)
		}()
	} else if cfg.Engine.RunOnStart {
		if err := runs.Start(ctx); err != nil {
			e.log.Warn(ctx, "run on start", logger.Error(err))
		}
	}
	if c := cfg.Confirm; c.Enabled && c.Interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			scheduler.Every(ctx, c.Interval.Std(), "confirm", e.scanConfirmations,
				scheduler.WithLogger(e.log.Named("scheduler")))
		}()
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		runs.Cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	e.log.Info(ctx, "engine listening",
		logger.String("addr", "http://"+addr),
		logger.String("ledger", dbPath),
		logger.String("config", userCfgPath))
	err = srv.Serve(ln)
	cancel()
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	// let in-flight attempts record their outcome before the ledger closes
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer waitCancel()
	runs.Cancel()
	if err := runs.Wait(waitCtx); err != nil {
		e.log.Warn(waitCtx, "run did not finish before shutdown", logger.Error(err))
	}
	wg.Wait()
	return nil
}
