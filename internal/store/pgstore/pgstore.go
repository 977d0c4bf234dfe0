// Package pgstore keeps exported snapshots in PostgreSQL.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"lockstep/internal/store"
	"lockstep/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS lockstep_snapshots (
	name        TEXT PRIMARY KEY,
	world       TEXT NOT NULL,
	exported_at TIMESTAMPTZ NOT NULL,
	saved_at    TIMESTAMPTZ NOT NULL,
	modules     INTEGER NOT NULL,
	size        INTEGER NOT NULL,
	body        TEXT NOT NULL
)`

// Store is a store.Store on a pgx connection pool.
type Store struct {
	pool  *pgxpool.Pool
	clock logging.Clock
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn and creates the table when missing.
func Open(ctx context.Context, dsn string, clock logging.Clock) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect snapshot database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("prepare snapshot table: %w", err)
	}
	if clock == nil {
		clock = logging.SystemClock{}
	}
	return &Store{pool: pool, clock: clock}, nil
}

// Save upserts text under the name recorded in its header.
func (s *Store) Save(ctx context.Context, text string) (store.Info, error) {
	info, err := store.Describe(text, s.clock.Now().UTC().Truncate(time.Microsecond))
	if err != nil {
		return store.Info{}, err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO lockstep_snapshots (name, world, exported_at, saved_at, modules, size, body)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (name) DO UPDATE SET
	world = EXCLUDED.world,
	exported_at = EXCLUDED.exported_at,
	saved_at = EXCLUDED.saved_at,
	modules = EXCLUDED.modules,
	size = EXCLUDED.size,
	body = EXCLUDED.body`,
		info.Name, info.World, info.Exported, info.Saved, info.Modules, info.Size, text)
	if err != nil {
		return store.Info{}, fmt.Errorf("save snapshot %q: %w", info.Name, err)
	}
	return info, nil
}

func (s *Store) Load(ctx context.Context, name string) (string, error) {
	var body string
	err := s.pool.QueryRow(ctx, `SELECT body FROM lockstep_snapshots WHERE name = $1`, name).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load snapshot %q: %w", name, err)
	}
	return body, nil
}

// List returns every stored snapshot ordered by name.
func (s *Store) List(ctx context.Context) ([]store.Info, error) {
	rows, err := s.pool.Query(ctx, `
SELECT name, world, exported_at, saved_at, modules, size
FROM lockstep_snapshots ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	infos, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Info, error) {
		var info store.Info
		err := row.Scan(&info.Name, &info.World, &info.Exported, &info.Saved, &info.Modules, &info.Size)
		info.Exported = info.Exported.UTC()
		info.Saved = info.Saved.UTC()
		return info, err
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return infos, nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM lockstep_snapshots WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete snapshot %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
