package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/nais/envdeploy/pkg/metrics"
)

var ErrNotFound = fmt.Errorf("database row not found")

type Database struct {
	conn *pgxpool.Pool
}

func IsErrNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func New(ctx context.Context, dsn string) (*Database, error) {
	conn, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}

	return &Database{
		conn: conn,
	}, nil
}

// Pool exposes the connection pool, e.g. for session-scoped advisory locks.
func (db *Database) Pool() *pgxpool.Pool {
	return db.conn
}

func (db *Database) Close() {
	db.conn.Close()
}

func (db *Database) Ping(ctx context.Context) error {
	return db.conn.Ping(ctx)
}

func (db *Database) timedQuery(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	now := time.Now()
	rows, err := db.conn.Query(ctx, sql, args...)
	metrics.DatabaseQuery(now, err)
	return rows, err
}

func (db *Database) timedExec(ctx context.Context, sql string, args ...interface{}) error {
	now := time.Now()
	_, err := db.conn.Exec(ctx, sql, args...)
	metrics.DatabaseQuery(now, err)
	return err
}

func (db *Database) Migrate(ctx context.Context) error {
	var version int

	query := `SELECT COALESCE(MAX(version), 0) FROM migrations`
	row := db.conn.QueryRow(ctx, query)
	err := row.Scan(&version)

	if err != nil {
		// error might be due to no schema.
		// no way to detect this, so log error and continue with migrations.
		log.Warnf("unable to get current migration version: %s", err)
	}

	for version < len(migrations) {
		log.Infof("migrating database schema to version %d", version+1)

		_, err = db.conn.Exec(ctx, migrations[version])
		if err != nil {
			return fmt.Errorf("migrating to version %d: %s", version+1, err)
		}

		version++
	}

	return nil
}
