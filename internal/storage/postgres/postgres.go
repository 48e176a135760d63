// Package postgres implements the audit Store on PostgreSQL via GORM.
// The repository and models here are also reused by the SQLite backend.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for the readiness ping
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nvx/dynsecrets/internal/domain"
	"github.com/nvx/dynsecrets/internal/storage"
)

// Config holds PostgreSQL-specific configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db     *gorm.DB
	pingDB *sql.DB // dedicated connection for readiness pings, outside the GORM pool
	repo   *LeaseEventRepository
	logger *slog.Logger
}

// Open creates a PostgreSQL-backed Store.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening postgres database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(lifetime)

	pingDB, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening ping connection: %w", err)
	}
	pingDB.SetMaxOpenConns(1)

	slogger.Info("postgres store opened", slog.Int("max_open_conns", maxOpen))

	return &Store{
		db:     db,
		pingDB: pingDB,
		repo:   NewLeaseEventRepository(db),
		logger: slogger,
	}, nil
}

// Migrate runs GORM AutoMigrate to create/update tables.
func (s *Store) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(&LeaseEventModel{})
}

func (s *Store) RecordLeaseEvent(ctx context.Context, ev *domain.LeaseEvent) error {
	return s.repo.Record(ctx, ev)
}

func (s *Store) ListLeaseEvents(ctx context.Context, opts storage.ListOptions) ([]domain.LeaseEvent, error) {
	return s.repo.List(ctx, opts)
}

func (s *Store) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.repo.PurgeBefore(ctx, cutoff)
}

// Ping checks database reachability for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pingDB.PingContext(ctx)
}

// Close closes the underlying database connections.
func (s *Store) Close() error {
	_ = s.pingDB.Close()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "postgres".
func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
