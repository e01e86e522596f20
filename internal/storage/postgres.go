package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/you/bulkingest/internal/domain"
)

// RelStore is the relational target store backed by Postgres.
type RelStore struct {
	pool *pgxpool.Pool
}

func NewRelStore(pool *pgxpool.Pool) *RelStore { return &RelStore{pool: pool} }

func (s *RelStore) Name() string { return "postgres" }

// Session checks one connection out of the pool for the duration of a
// job. Close returns it.
func (s *RelStore) Session(ctx context.Context) (Session, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "acquire postgres connection")
	}
	return &relSession{conn: conn}, nil
}

type relSession struct {
	conn *pgxpool.Conn
}

// InsertMany writes a chunk as one multi-value insert. Postgres rejects
// the whole statement when any row is bad, so the writer falls back to
// InsertOne for this chunk on error.
func (s *relSession) InsertMany(ctx context.Context, recs []domain.Record) error {
	var sb strings.Builder
	sb.WriteString("insert into food_preferences(name, age, foods) values ")
	args := make([]interface{}, 0, len(recs)*3)
	for i, rec := range recs {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "($%d,$%d,$%d)", i*3+1, i*3+2, i*3+3)
		args = append(args, rec.Name, rec.Age, rec.Foods)
	}

	_, err := s.conn.Exec(ctx, sb.String(), args...)
	return s.classify(err)
}

func (s *relSession) InsertOne(ctx context.Context, rec domain.Record) error {
	_, err := s.conn.Exec(ctx,
		`insert into food_preferences(name, age, foods) values ($1,$2,$3)`,
		rec.Name, rec.Age, rec.Foods,
	)
	return s.classify(err)
}

func (s *relSession) Close(ctx context.Context) error {
	s.conn.Release()
	return nil
}

// classify separates server-reported write errors (constraint
// violations and the like, non-fatal) from transport failures, which
// are fatal for the job.
func (s *relSession) classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return err
	}
	return &UnreachableError{Store: "postgres", Err: err}
}
