package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/bulkingest/internal/domain"
)

type fakeStore struct {
	name       string
	sess       *fakeSession
	sessionErr error
}

func (s *fakeStore) Name() string { return s.name }

func (s *fakeStore) Session(ctx context.Context) (Session, error) {
	if s.sessionErr != nil {
		return nil, s.sessionErr
	}
	return s.sess, nil
}

type fakeSession struct {
	insertMany func(recs []domain.Record) error
	insertOne  func(rec domain.Record) error
	manyCalls  int
	oneCalls   int
	closes     int
}

func (s *fakeSession) InsertMany(ctx context.Context, recs []domain.Record) error {
	s.manyCalls++
	if s.insertMany == nil {
		return nil
	}
	return s.insertMany(recs)
}

func (s *fakeSession) InsertOne(ctx context.Context, rec domain.Record) error {
	s.oneCalls++
	if s.insertOne == nil {
		return nil
	}
	return s.insertOne(rec)
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.closes++
	return nil
}

func makeRecords(n int) []domain.Record {
	recs := make([]domain.Record, n)
	for i := range recs {
		recs[i] = domain.Record{Name: fmt.Sprintf("person-%d", i), Age: 30, Foods: "veg"}
	}
	return recs
}

func TestWrite_AllSucceed(t *testing.T) {
	doc := &fakeStore{name: "mongo", sess: &fakeSession{}}
	rel := &fakeStore{name: "postgres", sess: &fakeSession{}}
	w := NewWriter(doc, rel, 2, zap.NewNop())

	res, err := w.Write(context.Background(), makeRecords(3))
	require.NoError(t, err)
	assert.Equal(t, 3, res.SuccessCount)
	assert.Zero(t, res.FailCount)
	assert.Empty(t, res.Errors)

	// 3 records in chunks of 2 means two bulk calls per store
	assert.Equal(t, 2, doc.sess.manyCalls)
	assert.Equal(t, 2, rel.sess.manyCalls)
	assert.Equal(t, 1, doc.sess.closes)
	assert.Equal(t, 1, rel.sess.closes)
}

func TestWrite_OneDuplicateAmongThousand(t *testing.T) {
	records := makeRecords(1000)
	bad := records[499].Name

	rel := &fakeStore{name: "postgres", sess: &fakeSession{}}
	rel.sess.insertMany = func(recs []domain.Record) error {
		for _, rec := range recs {
			if rec.Name == bad {
				return errors.New("duplicate key value violates unique constraint")
			}
		}
		return nil
	}
	rel.sess.insertOne = func(rec domain.Record) error {
		if rec.Name == bad {
			return errors.New("duplicate key value violates unique constraint")
		}
		return nil
	}
	doc := &fakeStore{name: "mongo", sess: &fakeSession{}}
	w := NewWriter(doc, rel, 500, zap.NewNop())

	res, err := w.Write(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, 999, res.SuccessCount)
	assert.Equal(t, 1, res.FailCount)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 500, res.Errors[0].Row)

	// only the failing chunk degraded to row-by-row inserts
	assert.Equal(t, 500, rel.sess.oneCalls)
	assert.Zero(t, doc.sess.oneCalls)
}

func TestWrite_DocStorePartialBulkFailure(t *testing.T) {
	doc := &fakeStore{name: "mongo", sess: &fakeSession{}}
	first := true
	doc.sess.insertMany = func(recs []domain.Record) error {
		if first {
			first = false
			return &BulkError{Rows: map[int]string{1: "duplicate _id"}}
		}
		return nil
	}
	rel := &fakeStore{name: "postgres", sess: &fakeSession{}}
	w := NewWriter(doc, rel, 3, zap.NewNop())

	res, err := w.Write(context.Background(), makeRecords(5))
	require.NoError(t, err)
	assert.Equal(t, 4, res.SuccessCount)
	assert.Equal(t, 1, res.FailCount)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 2, res.Errors[0].Row)
	assert.Contains(t, res.Errors[0].Error, "mongo")
	// partial bulk failures never trigger the row-by-row fallback
	assert.Zero(t, doc.sess.oneCalls)
}

func TestWrite_RowFailingBothStoresCountsOnce(t *testing.T) {
	doc := &fakeStore{name: "mongo", sess: &fakeSession{}}
	doc.sess.insertMany = func(recs []domain.Record) error {
		return &BulkError{Rows: map[int]string{0: "duplicate _id"}}
	}
	rel := &fakeStore{name: "postgres", sess: &fakeSession{}}
	rel.sess.insertMany = func(recs []domain.Record) error { return errors.New("bad chunk") }
	rel.sess.insertOne = func(rec domain.Record) error { return errors.New("bad row") }

	w := NewWriter(doc, rel, 10, zap.NewNop())
	res, err := w.Write(context.Background(), makeRecords(1))
	require.NoError(t, err)
	assert.Equal(t, 0, res.SuccessCount)
	assert.Equal(t, 1, res.FailCount)
	require.Len(t, res.Errors, 1)
	// first error wins: the document store wrote before the relational one
	assert.Contains(t, res.Errors[0].Error, "mongo")
}

func TestWrite_ErrorListCapped(t *testing.T) {
	rel := &fakeStore{name: "postgres", sess: &fakeSession{}}
	rel.sess.insertMany = func(recs []domain.Record) error { return errors.New("bad chunk") }
	rel.sess.insertOne = func(rec domain.Record) error { return errors.New("bad row") }
	doc := &fakeStore{name: "mongo", sess: &fakeSession{}}

	w := NewWriter(doc, rel, 50, zap.NewNop())
	res, err := w.Write(context.Background(), makeRecords(40))
	require.NoError(t, err)
	assert.Equal(t, 0, res.SuccessCount)
	assert.Equal(t, 40, res.FailCount)
	assert.Len(t, res.Errors, 10)
	assert.Equal(t, 1, res.Errors[0].Row)
}

func TestWrite_UnreachableStoreIsFatal(t *testing.T) {
	doc := &fakeStore{name: "mongo", sess: &fakeSession{}}
	rel := &fakeStore{name: "postgres", sess: &fakeSession{}}
	rel.sess.insertMany = func(recs []domain.Record) error {
		return &UnreachableError{Store: "postgres", Err: errors.New("connection refused")}
	}

	w := NewWriter(doc, rel, 500, zap.NewNop())
	_, err := w.Write(context.Background(), makeRecords(10))
	require.Error(t, err)
	assert.True(t, IsUnreachable(err))

	// sessions released on the failure path too
	assert.Equal(t, 1, doc.sess.closes)
	assert.Equal(t, 1, rel.sess.closes)
}

func TestWrite_SessionAcquireFailure(t *testing.T) {
	doc := &fakeStore{name: "mongo", sess: &fakeSession{}}
	rel := &fakeStore{name: "postgres", sessionErr: errors.New("pool exhausted")}

	w := NewWriter(doc, rel, 500, zap.NewNop())
	_, err := w.Write(context.Background(), makeRecords(10))
	require.Error(t, err)
	assert.True(t, IsUnreachable(err))
	assert.Equal(t, 1, doc.sess.closes)
}

func TestWrite_CountsReconcile(t *testing.T) {
	records := makeRecords(25)
	rel := &fakeStore{name: "postgres", sess: &fakeSession{}}
	rel.sess.insertMany = func(recs []domain.Record) error { return errors.New("bad chunk") }
	rel.sess.insertOne = func(rec domain.Record) error {
		if rec.Name == "person-3" || rec.Name == "person-17" {
			return errors.New("check constraint")
		}
		return nil
	}
	doc := &fakeStore{name: "mongo", sess: &fakeSession{}}

	w := NewWriter(doc, rel, 10, zap.NewNop())
	res, err := w.Write(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, len(records), res.SuccessCount+res.FailCount)
	assert.Equal(t, 2, res.FailCount)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, 4, res.Errors[0].Row)
	assert.Equal(t, 18, res.Errors[1].Row)
}
