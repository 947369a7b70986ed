package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// BackendKiller terminates random Postgres backends opened under one
// application_name, so only the service's own connections are disrupted.
type BackendKiller struct {
	pool    *pgxpool.Pool
	appName string
	every   time.Duration
	oneIn   int
	killed  atomic.Int64
}

// NewBackendKiller fires every interval and acts on one tick in oneIn.
func NewBackendKiller(pool *pgxpool.Pool, appName string, every time.Duration, oneIn int) *BackendKiller {
	if oneIn < 1 {
		oneIn = 1
	}
	return &BackendKiller{pool: pool, appName: appName, every: every, oneIn: oneIn}
}

// Run kills backends until ctx is done or stop is closed.
func (k *BackendKiller) Run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(k.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(k.oneIn) == 0 {
				k.killOne(ctx)
			}
		}
	}
}

func (k *BackendKiller) killOne(ctx context.Context) {
	const killSQL = `
SELECT pg_terminate_backend(pid)
FROM pg_stat_activity
WHERE datname = current_database()
  AND application_name = $1
  AND pid <> pg_backend_pid()
ORDER BY random()
LIMIT 1`
	var ok bool
	if err := k.pool.QueryRow(ctx, killSQL, k.appName).Scan(&ok); err == nil && ok {
		k.killed.Add(1)
	}
}

// Killed reports how many backends were terminated.
func (k *BackendKiller) Killed() int64 {
	return k.killed.Load()
}
