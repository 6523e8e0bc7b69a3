package storage

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

const checkpointSQL = "PRAGMA wal_checkpoint(TRUNCATE)"

// checkpointer forces WAL contents into the main database file on a
// time-based policy.
type checkpointer struct {
	db       *sql.DB
	interval time.Duration
	now      func() time.Time

	mu        sync.Mutex
	lastFlush time.Time
}

func newCheckpointer(db *sql.DB, interval time.Duration, now func() time.Time) *checkpointer {
	return &checkpointer{
		db:        db,
		interval:  interval,
		now:       now,
		lastFlush: now(),
	}
}

// due reports whether a checkpoint should run at t.
func (c *checkpointer) due(t time.Time) bool {
	if c.interval <= 0 {
		return true
	}
	return t.Sub(c.lastFlush) > c.interval
}

// maybeFlush runs a checkpoint if one is due. It reports whether the WAL was
// fully checkpointed; a checkpoint blocked by another connection leaves
// lastFlush alone so the next mutation tries again.
func (c *checkpointer) maybeFlush(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now()
	if !c.due(t) {
		return false, nil
	}

	// wal_checkpoint returns a (busy, log, checkpointed) row.
	var busy, logFrames, checkpointed int64
	if err := c.db.QueryRowContext(ctx, checkpointSQL).Scan(&busy, &logFrames, &checkpointed); err != nil {
		return false, err
	}
	if busy != 0 {
		return false, nil
	}
	c.lastFlush = t
	return true, nil
}
