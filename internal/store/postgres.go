package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres keeps one jsonb document per entity, keyed by (collection, id).
// Hosted deployments select it with PAO_DATABASE_URL; the schema is created
// on connect.
type Postgres struct {
	pool *pgxpool.Pool
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS entities (
  collection text NOT NULL,
  id         text NOT NULL,
  doc        jsonb NOT NULL,
  updated_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (collection, id)
)`

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Load(ctx context.Context, collection, id string, dst any) error {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM entities WHERE collection=$1 AND id=$2`, collection, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal(doc, dst)
}

func (s *Postgres) Save(ctx context.Context, collection, id string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO entities(collection,id,doc) VALUES($1,$2,$3::jsonb)
ON CONFLICT (collection,id) DO UPDATE SET doc=EXCLUDED.doc, updated_at=now()
`, collection, id, string(doc))
	return err
}

// Update runs read-modify-write inside a transaction with a row lock, which
// is the single-writer guarantee in the hosted backend.
func (s *Postgres) Update(ctx context.Context, collection, id string, fn UpdateFunc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var doc []byte
	err = tx.QueryRow(ctx,
		`SELECT doc FROM entities WHERE collection=$1 AND id=$2 FOR UPDATE`, collection, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	next, err := fn(doc)
	if err != nil {
		return err
	}
	out, err := json.Marshal(next)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE entities SET doc=$3::jsonb, updated_at=now() WHERE collection=$1 AND id=$2`,
		collection, id, string(out)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Postgres) List(ctx context.Context, collection string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM entities WHERE collection=$1 ORDER BY id`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Postgres) Close() { s.pool.Close() }
