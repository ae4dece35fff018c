// Package duckdb is the single-process embedded store. Only one process may open a
// database file, so claim locks live in memory and writes are serialized with a mutex.
package duckdb

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/manthysbr/sceneforge/internal/core/ports"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Repository struct {
	db *sql.DB

	// writeMu serializes read-modify-write sequences; DuckDB aborts concurrent
	// conflicting transactions instead of blocking them.
	writeMu sync.Mutex

	lockMu       sync.Mutex
	jobLocks     map[int64]*keyedLock
	projectLocks map[int64]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

var (
	_ ports.JobStore        = (*Repository)(nil)
	_ ports.CheckpointStore = (*Repository)(nil)
)

// NewRepository opens the database at path ("" keeps it in memory) and applies the schema.
func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping duckdb: %w", err)
	}

	r := &Repository{
		db:           db,
		jobLocks:     make(map[int64]*keyedLock),
		projectLocks: make(map[int64]*keyedLock),
	}
	if err := r.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// HealthCheck pings the database.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) migrate(ctx context.Context) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		for _, stmt := range strings.Split(string(raw), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := r.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration %s: %w", name, err)
			}
		}
	}
	return nil
}

func (r *Repository) acquireLock(table map[int64]*keyedLock, key int64) *keyedLock {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	l, ok := table[key]
	if !ok {
		l = &keyedLock{}
		table[key] = l
	}
	l.refs++
	return l
}

// releaseLock drops the entry once nobody holds or waits on it.
func (r *Repository) releaseLock(table map[int64]*keyedLock, key int64, l *keyedLock) {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(table, key)
	}
}
