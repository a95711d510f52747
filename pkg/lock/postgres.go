package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	log "github.com/sirupsen/logrus"
)

const (
	defaultPollInterval = 2 * time.Second
	unlockTimeout       = 10 * time.Second
)

// session is a database connection held for as long as a lock is.
type session interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	// Release hands the connection back to the pool.
	Release()
	// Close terminates the connection, dropping every lock it holds.
	Close(ctx context.Context) error
}

type pooledSession struct {
	conn *pgxpool.Conn
}

func (s *pooledSession) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return s.conn.QueryRow(ctx, sql, args...)
}

func (s *pooledSession) Release() {
	s.conn.Release()
}

// The pool destroys closed connections on release instead of reusing them.
func (s *pooledSession) Close(ctx context.Context) error {
	return s.conn.Conn().Close(ctx)
}

// Postgres holds session level advisory locks, so that several daemon replicas
// sharing a database also share environment locks.
type Postgres struct {
	Timeout      time.Duration
	PollInterval time.Duration

	connect func(ctx context.Context) (session, error)
}

var _ Locker = &Postgres{}

func NewPostgres(pool *pgxpool.Pool, timeout time.Duration) *Postgres {
	return &Postgres{
		Timeout:      timeout,
		PollInterval: defaultPollInterval,
		connect: func(ctx context.Context) (session, error) {
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return nil, err
			}
			return &pooledSession{conn: conn}, nil
		},
	}
}

func (p *Postgres) Acquire(ctx context.Context, name string) (Lease, error) {
	// Advisory locks belong to the session, so the connection is kept until release.
	conn, err := p.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire database connection: %w", err)
	}

	interval := p.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	deadline := time.Now().Add(p.Timeout)

	for {
		var locked bool
		err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, name).Scan(&locked)
		if err != nil {
			discard(conn)
			return nil, fmt.Errorf("try advisory lock: %w", err)
		}
		if locked {
			return &postgresLease{conn: conn, name: name}, nil
		}
		if !time.Now().Add(interval).Before(deadline) {
			conn.Release()
			return nil, ErrContended
		}

		log.Debugf("Environment %q is locked; retrying in %s", name, interval)

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			conn.Release()
			return nil, ctx.Err()
		}
	}
}

// discard closes a session whose lock state is unknown, so that no lock outlives it in the pool.
func discard(conn session) {
	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		log.Warnf("Close database session: %s", err)
	}
	conn.Release()
}

type postgresLease struct {
	conn session
	name string
	once sync.Once
}

func (l *postgresLease) Release() error {
	var err error
	l.once.Do(func() {
		// Unlock even if the run's context is gone.
		ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()

		var unlocked bool
		err = l.conn.QueryRow(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, l.name).Scan(&unlocked)
		if err != nil {
			discard(l.conn)
			err = fmt.Errorf("unlock %q, closed the session instead: %w", l.name, err)
			return
		}

		l.conn.Release()
		if !unlocked {
			err = fmt.Errorf("advisory lock for %q was not held", l.name)
		}
	})
	return err
}
