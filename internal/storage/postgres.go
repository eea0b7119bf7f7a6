package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Blank-imported for its database/sql driver registration, matching
	// the teacher's internal/sessions/cockroach.go convention.
	_ "github.com/lib/pq"
)

// PostgresConfig configures a connection to a Postgres-wire-protocol
// database. Grounded on the teacher's CockroachConfig shape.
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPostgresConfig returns sensible defaults for local development.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "agentworld",
		Database:        "agentworld",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

func (c PostgresConfig) dsn() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// PostgresFacade is the relational Facade backend, riding database/sql +
// lib/pq.
type PostgresFacade struct {
	*sqlFacade
}

// OpenPostgres connects to the database described by cfg and runs its
// migrations.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresFacade, error) {
	db, err := sql.Open("postgres", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping postgres: %w", err)
	}

	f := &PostgresFacade{sqlFacade: newSQLFacade(db, "postgres")}
	if err := f.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return f, nil
}

// Close releases the underlying connection pool.
func (f *PostgresFacade) Close() error { return f.db.Close() }

var _ Facade = (*PostgresFacade)(nil)
