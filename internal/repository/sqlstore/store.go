package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"kaongassess/internal/config"
	"kaongassess/internal/logger"
)

// upgradeColumns are added by Migrate to tables created before they existed.
var upgradeColumns = []string{"detection_data", "ripe_image_url", "unripe_image_url", "rotten_image_url"}

// DB wraps a bounded pool of database connections.
type DB struct {
	pool    *sql.DB
	dialect dialect
	logger  *logger.Logger
}

// Open creates the connection pool described by cfg and verifies the backend is reachable.
func Open(ctx context.Context, cfg *config.Config, log *logger.Logger) (*DB, error) {
	d, err := dialectFor(cfg.DBDriver)
	if err != nil {
		return nil, err
	}

	dsn, err := d.dsn(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pool.SetMaxOpenConns(cfg.DBPoolSize)
	pool.SetMaxIdleConns(cfg.DBPoolSize)
	pool.SetConnMaxLifetime(0)

	db := &DB{pool: pool, dialect: d, logger: log}

	if err := db.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	log.Info("Database connection pool initialized (%s, size %d)", d.driver, cfg.DBPoolSize)
	return db, nil
}

// Ping checks that a pooled connection can reach the backend.
func (db *DB) Ping(ctx context.Context) error {
	return db.withConn(ctx, func(conn *sql.Conn) error {
		return conn.PingContext(ctx)
	})
}

// Migrate creates the assessments table and indexes if they don't exist
// and adds columns missing from tables created by older releases.
func (db *DB) Migrate(ctx context.Context) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range db.dialect.schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create schema: %w", err)
			}
		}

		for _, column := range upgradeColumns {
			var count int
			if err := tx.QueryRowContext(ctx, db.dialect.rebind(db.dialect.columnExists), column).Scan(&count); err != nil {
				return fmt.Errorf("failed to inspect column %s: %w", column, err)
			}
			if count > 0 {
				continue
			}

			columnType := "VARCHAR(255)"
			if column == "detection_data" {
				columnType = db.dialect.jsonType
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE assessments ADD COLUMN %s %s", column, columnType)); err != nil {
				return fmt.Errorf("failed to add column %s: %w", column, err)
			}
			db.logger.Info("Added %s column to assessments", column)
		}
		return nil
	})
}

// Close releases every pooled connection.
func (db *DB) Close() error {
	return db.pool.Close()
}

// Driver returns the name of the database driver in use.
func (db *DB) Driver() string {
	return db.dialect.driver
}

// withConn checks out one connection for the duration of fn and always returns it to the pool.
func (db *DB) withConn(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := db.pool.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	return fn(conn)
}

// withTx runs fn inside an explicit transaction on a single pooled connection.
// The transaction is committed only if fn succeeds; otherwise it is rolled back.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return db.inTx(ctx, nil, fn)
}

// withReadTx runs a read-only fn in its own transaction. Ending the transaction before the
// connection returns to the pool keeps a session with autocommit off from carrying a stale snapshot.
func (db *DB) withReadTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return db.inTx(ctx, &sql.TxOptions{ReadOnly: true}, fn)
}

func (db *DB) inTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	return db.withConn(ctx, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, opts)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}
