// Package storage writes record batches into the two target stores:
// the document store and the relational store. Writes are chunked, a
// failing chunk degrades to per-row inserts, and the outcome of every
// row is reconciled across both stores.
package storage

import (
	"context"
	stderrors "errors"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/you/bulkingest/internal/domain"
)

// Session is the connection a store lends to a single job. It is not
// shared across concurrent jobs and must be closed when the job ends.
type Session interface {
	// InsertMany bulk-inserts one chunk with unordered semantics where
	// the backend supports them. A *BulkError return means part of the
	// chunk committed; any other error means none of it did.
	InsertMany(ctx context.Context, recs []domain.Record) error
	InsertOne(ctx context.Context, rec domain.Record) error
	Close(ctx context.Context) error
}

type Store interface {
	Name() string
	// Session acquires the connection used for one whole job.
	Session(ctx context.Context) (Session, error)
}

type WriteResult struct {
	SuccessCount int
	FailCount    int
	Errors       []domain.RowError
}

// Writer performs the dual-store write for one batch. A record counts
// as a success only when it committed to both stores; a record that
// fails either store counts once as a failure, with the first error
// kept.
type Writer struct {
	doc       Store
	rel       Store
	chunkSize int
	maxErrors int
	log       *zap.Logger
}

func NewWriter(doc, rel Store, chunkSize int, log *zap.Logger) *Writer {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	return &Writer{doc: doc, rel: rel, chunkSize: chunkSize, maxErrors: 10, log: log}
}

// Write inserts records into both stores chunk by chunk. The returned
// error is fatal (a store was unreachable); per-record failures are
// reported in the result instead. Both store sessions live for the
// whole call and are released on every exit path.
func (w *Writer) Write(ctx context.Context, records []domain.Record) (WriteResult, error) {
	docSess, err := w.doc.Session(ctx)
	if err != nil {
		return WriteResult{}, &UnreachableError{Store: w.doc.Name(), Err: err}
	}
	relSess, err := w.rel.Session(ctx)
	if err != nil {
		if cerr := docSess.Close(ctx); cerr != nil {
			w.log.Warn("closing document store session", zap.Error(cerr))
		}
		return WriteResult{}, &UnreachableError{Store: w.rel.Name(), Err: err}
	}
	defer func() {
		if cerr := multierr.Append(docSess.Close(ctx), relSess.Close(ctx)); cerr != nil {
			w.log.Warn("closing store sessions", zap.Error(cerr))
		}
	}()

	failed := make(map[int]string)
	for start := 0; start < len(records); start += w.chunkSize {
		end := start + w.chunkSize
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]

		if err := w.writeChunk(ctx, w.doc.Name(), docSess, chunk, start, failed); err != nil {
			return WriteResult{}, err
		}
		if err := w.writeChunk(ctx, w.rel.Name(), relSess, chunk, start, failed); err != nil {
			return WriteResult{}, err
		}
	}

	res := WriteResult{
		SuccessCount: len(records) - len(failed),
		FailCount:    len(failed),
	}
	for i := 0; i < len(records) && len(res.Errors) < w.maxErrors; i++ {
		if msg, ok := failed[i]; ok {
			res.Errors = append(res.Errors, domain.RowError{Row: i + 1, Error: msg})
		}
	}
	return res, nil
}

func (w *Writer) writeChunk(ctx context.Context, store string, sess Session, chunk []domain.Record, start int, failed map[int]string) error {
	err := sess.InsertMany(ctx, chunk)
	if err == nil {
		return nil
	}

	var bulk *BulkError
	if stderrors.As(err, &bulk) {
		for off, msg := range bulk.Rows {
			markFailed(failed, start+off, store+": "+msg)
		}
		return nil
	}
	if IsUnreachable(err) {
		return err
	}

	// the whole chunk was rejected: retry one record at a time against
	// this store only, so a single bad row cannot sink its neighbours
	w.log.Warn("chunk insert failed, retrying rows individually",
		zap.String("store", store),
		zap.Int("chunk_start", start),
		zap.Int("chunk_len", len(chunk)),
		zap.Error(err),
	)
	for i, rec := range chunk {
		if rerr := sess.InsertOne(ctx, rec); rerr != nil {
			if IsUnreachable(rerr) {
				return rerr
			}
			markFailed(failed, start+i, store+": "+rerr.Error())
		}
	}
	return nil
}

// markFailed keeps the first error seen for a row so a record failing
// both stores is never counted twice.
func markFailed(failed map[int]string, row int, msg string) {
	if _, ok := failed[row]; !ok {
		failed[row] = msg
	}
}
