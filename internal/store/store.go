// Package store persists archive jobs, normalized messages and media
// records through gorm. SQLite is the default backend; Postgres is used when
// storage.driver is "postgres".
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/fyrsmithlabs/archivist/internal/archive"
	"github.com/fyrsmithlabs/archivist/internal/config"
	"github.com/fyrsmithlabs/archivist/internal/logging"
)

// ErrNotFound is returned when a record does not exist or is not visible to
// the requesting owner.
var ErrNotFound = errors.New("not found")

// Drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds database configuration.
type Config struct {
	Driver        string          `koanf:"driver"`
	Path          string          `koanf:"path"` // sqlite file
	DSN           config.Secret   `koanf:"dsn"`  // postgres connection string
	MaxOpenConns  int             `koanf:"max_open_conns"`
	SlowThreshold config.Duration `koanf:"slow_threshold"`
}

// NewDefaultConfig returns a SQLite configuration under the user data dir.
func NewDefaultConfig() *Config {
	return &Config{
		Driver:        DriverSQLite,
		Path:          "~/.local/share/archivist/archivist.db",
		MaxOpenConns:  10,
		SlowThreshold: config.Duration(time.Second),
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverSQLite:
		if c.Path == "" {
			return fmt.Errorf("storage.path is required for sqlite")
		}
	case DriverPostgres:
		if !c.DSN.IsSet() {
			return fmt.Errorf("storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Driver)
	}
	return nil
}

// Store is the database handle. Repositories obtained from a Store share its
// connection, or its transaction when the Store came from Transaction.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to the configured database and migrates the schema.
func Open(cfg *Config, logger *zap.Logger) (*Store, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	gormLog := gormLogger.New(
		zap.NewStdLog(logger.Named("gorm")),
		gormLogger.Config{
			SlowThreshold:             cfg.SlowThreshold.Duration(),
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	gcfg := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(cfg.DSN.Value()), gcfg)
	default:
		path, perr := config.ExpandPath(cfg.Path)
		if perr != nil {
			return nil, perr
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=off", path)
		db, err = gorm.Open(sqlite.Open(dsn), gcfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql handle: %w", err)
	}
	if cfg.Driver == DriverPostgres {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		// SQLite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	logger.Info("store opened", openedFields(*cfg)...)
	return s, nil
}

func openedFields(cfg Config) []zap.Field {
	fields := []zap.Field{zap.String("driver", cfg.Driver)}
	if cfg.Driver == DriverPostgres {
		fields = append(fields, logging.Secret("dsn", cfg.DSN))
	} else {
		fields = append(fields, zap.String("path", cfg.Path))
	}
	return fields
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(
		&archive.Job{},
		&ConversationRecord{},
		&MessageRecord{},
		&archive.MediaAsset{},
		&archive.MediaRef{},
	); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database reachability.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Transaction runs fn inside a database transaction. The Store passed to fn
// is bound to the transaction; fn must use it rather than the outer Store.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		return fn(&Store{db: txx, logger: s.logger})
	})
}

// Jobs returns the job repository.
func (s *Store) Jobs() *JobRepo { return &JobRepo{db: s.db} }

// Messages returns the conversation and message repository.
func (s *Store) Messages() *MessageRepo { return &MessageRepo{db: s.db} }

// Media returns the media asset and ref repository.
func (s *Store) Media() *MediaRepo { return &MediaRepo{db: s.db} }

// storageErr classifies a database error as a job-fatal storage failure.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *archive.Error
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrNotFound) || errors.As(err, &ae) {
		return err
	}
	return archive.Wrap(archive.KindStorageFailure, op, err)
}
