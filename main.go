package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"driver-state-service/api"
	"driver-state-service/cache"
	"driver-state-service/config"
	"driver-state-service/database"
	"driver-state-service/dispatch"
	"driver-state-service/ledger"
	"driver-state-service/logging"
	"driver-state-service/matching"
	"driver-state-service/migration"
	"driver-state-service/presence"
	"driver-state-service/reconcile"
	"driver-state-service/retry"
	"driver-state-service/state"
)

const serviceName = "driver-state-service"

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	// Initialize configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log, serviceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := flag.Arg(0)
	switch cmd {
	case "", "serve":
		err = serve(ctx, cfg, log)
	case "migrate":
		err = migration.Run(ctx, cfg.DB, log)
	default:
		err = fmt.Errorf("unknown command %q (want serve or migrate)", cmd)
	}
	if err != nil {
		log.WithError(err).Fatal("exiting")
	}
}

func serve(ctx context.Context, cfg *config.Config, log *logrus.Entry) error {
	l, idx, closeStores, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStores()

	coord := state.NewCoordinator(l, idx, state.OptionsFromConfig(cfg.Presence), log)
	finder := matching.NewFinder(idx, cfg.Matching)

	if cfg.Reconcile.Enabled {
		go reconcile.NewSweeper(l, idx, coord, cfg.Reconcile, log).Run(ctx)
	}
	if cfg.Dispatch.Enabled {
		go func() {
			if err := dispatch.NewConsumer(cfg.Dispatch, coord, log).Run(ctx); err != nil {
				log.WithError(err).Error("dispatch consumer stopped")
			}
		}()
	}

	// Register routes
	router := api.RegisterRoutes(api.NewHandler(coord, l, idx, finder, log))
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("server started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openStores builds the ledger and presence index for the configured
// backend, each wrapped with the store deadline and retry policy.
func openStores(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (ledger.Ledger, presence.Index, func(), error) {
	policy := retry.Policy{
		Attempts: cfg.Store.RetryAttempts,
		Initial:  cfg.Store.RetryInitial,
		Max:      cfg.Store.RetryMax,
		Timeout:  cfg.Store.Timeout,
	}

	if cfg.Store.Backend == config.BackendMemory {
		log.Warn("using in-memory stores; state is lost on restart")
		return ledger.NewResilient(ledger.NewMemoryLedger(), policy),
			presence.NewResilient(presence.NewMemoryIndex(), policy),
			func() {}, nil
	}

	// Initialize database
	db, err := database.Open(ctx, cfg.DB)
	if err != nil {
		return nil, nil, nil, err
	}
	log.Info("database connected")

	// Initialize Redis
	rdb, err := cache.NewClient(ctx, cfg.Redis)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	log.Info("redis connected")

	closeAll := func() { closeQuietly(log, db, rdb) }
	return ledger.NewResilient(ledger.NewPostgresLedger(db), policy),
		presence.NewResilient(presence.NewRedisIndex(rdb), policy),
		closeAll, nil
}

func closeQuietly(log logrus.FieldLogger, db *sql.DB, rdb *redis.Client) {
	if err := db.Close(); err != nil {
		log.WithError(err).Warn("close database")
	}
	if err := rdb.Close(); err != nil {
		log.WithError(err).Warn("close redis")
	}
}
