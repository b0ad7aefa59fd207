package storage

import (
	"context"

	"chatgate/tools/errs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const pgAudioSchema = `CREATE TABLE IF NOT EXISTS audio_blobs (
	id         TEXT PRIMARY KEY,
	data       BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PgBlobStore keeps audio rows in postgres.
type PgBlobStore struct {
	pool *pgxpool.Pool
}

// NewPgBlobStore connects and makes sure the table exists.
func NewPgBlobStore(ctx context.Context, databaseURL string) (*PgBlobStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errs.WrapMsg(err, "unable to connect to database")
	}
	if _, err := pool.Exec(ctx, pgAudioSchema); err != nil {
		pool.Close()
		return nil, errs.WrapMsg(err, "create audio_blobs")
	}
	return &PgBlobStore{pool: pool}, nil
}

func (s *PgBlobStore) Put(ctx context.Context, id string, data []byte) error {
	if !ValidBlobID(id) {
		return errs.ErrArgs.WrapMsg("invalid audio id", "id", id)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audio_blobs (id, data) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`, id, data)
	if err != nil {
		return errs.WrapMsg(err, "insert audio", "id", id)
	}
	return nil
}

func (s *PgBlobStore) Get(ctx context.Context, id string) ([]byte, error) {
	if !ValidBlobID(id) {
		return nil, errs.ErrArgs.WrapMsg("invalid audio id", "id", id)
	}
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM audio_blobs WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound.WrapMsg("audio not found", "id", id)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "select audio", "id", id)
	}
	return data, nil
}

func (s *PgBlobStore) Close() { s.pool.Close() }
