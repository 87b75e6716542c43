package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// locks tracks the single leased *sql.Conn backing each held advisory lock.
// Postgres advisory locks are session-scoped: the unlock call must run on
// the same physical connection that acquired the lock, so a lock held from
// a pooled connection has to pin that connection until Release.
type locks struct {
	mu    sync.Mutex
	conns map[string]*sql.Conn
}

func newLocks() *locks {
	return &locks{conns: make(map[string]*sql.Conn)}
}

// TryAdvisoryLock attempts to acquire the run-scoped Postgres advisory lock
// (spec §5: "Postgres advisory lock keyed by run-id"). hashtext folds the
// run id into the int32 key pg_try_advisory_lock expects.
func (p *Postgres) TryAdvisoryLock(ctx context.Context, id string) (bool, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("store: advisory lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, id).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("store: advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}

	p.locks.mu.Lock()
	p.locks.conns[id] = conn
	p.locks.mu.Unlock()
	return true, nil
}

// Release gives up a lock acquired by TryAdvisoryLock, releasing its pinned
// connection back to the pool. Releasing an id with no held lock is a no-op.
func (p *Postgres) Release(ctx context.Context, id string) error {
	p.locks.mu.Lock()
	conn, ok := p.locks.conns[id]
	if ok {
		delete(p.locks.conns, id)
	}
	p.locks.mu.Unlock()
	if !ok {
		return nil
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, id); err != nil {
		return fmt.Errorf("store: advisory unlock: %w", err)
	}
	return nil
}
