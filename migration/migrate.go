package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"driver-state-service/config"
)

//go:embed sql/*.sql
var migrations embed.FS

const (
	connectAttempts = 10
	connectWait     = 3 * time.Second
)

// Source returns the embedded migration files.
func Source() (source.Driver, error) {
	return iofs.New(migrations, "sql")
}

// Run applies every pending migration to the ledger database. It waits for
// the database to accept connections first, since it usually starts
// alongside it.
func Run(ctx context.Context, cfg config.DBConfig, log logrus.FieldLogger) error {
	if err := waitForDB(ctx, cfg, log); err != nil {
		return err
	}

	src, err := Source()
	if err != nil {
		return fmt.Errorf("could not load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, cfg.URL())
	if err != nil {
		return fmt.Errorf("could not start migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", err)
	}
	log.WithFields(logrus.Fields{"version": version, "dirty": dirty}).Info("migrations applied")
	return nil
}

func waitForDB(ctx context.Context, cfg config.DBConfig, log logrus.FieldLogger) error {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return fmt.Errorf("could not open the database: %w", err)
	}
	defer db.Close()
	return waitFor(ctx, db, connectPolicy(ctx), log)
}

func connectPolicy(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(connectWait), connectAttempts-1), ctx)
}

type pinger interface {
	PingContext(ctx context.Context) error
}

func waitFor(ctx context.Context, db pinger, policy backoff.BackOff, log logrus.FieldLogger) error {
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return db.PingContext(ctx)
	}, policy, func(err error, wait time.Duration) {
		log.WithError(err).WithFields(logrus.Fields{"attempt": attempt, "retry_in": wait.String()}).
			Info("waiting for the database to be ready")
	})
	if err != nil {
		return fmt.Errorf("could not connect to the database: %w", err)
	}
	return nil
}
