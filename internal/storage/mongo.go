package storage

import (
	"context"
	stderrors "errors"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/you/bulkingest/internal/domain"
)

const docCollection = "food_preferences"

// DocStore is the document target store backed by MongoDB.
type DocStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func NewDocStore(client *mongo.Client, database string) *DocStore {
	return &DocStore{
		client: client,
		coll:   client.Database(database).Collection(docCollection),
	}
}

func (s *DocStore) Name() string { return "mongo" }

// Session pins one server session for the duration of a job; Close
// returns it to the driver's pool.
func (s *DocStore) Session(ctx context.Context) (Session, error) {
	sess, err := s.client.StartSession()
	if err != nil {
		return nil, errors.Wrap(err, "start mongo session")
	}
	return &docSession{sess: sess, coll: s.coll}, nil
}

type docSession struct {
	sess mongo.Session
	coll *mongo.Collection
}

// InsertMany writes a chunk unordered: rows the server rejects come
// back as a *BulkError with their chunk offsets, the rest commit.
func (s *docSession) InsertMany(ctx context.Context, recs []domain.Record) error {
	docs := make([]interface{}, len(recs))
	for i, rec := range recs {
		docs[i] = rec
	}

	_, err := s.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		return nil
	}
	var bulk mongo.BulkWriteException
	if stderrors.As(err, &bulk) {
		rows := make(map[int]string, len(bulk.WriteErrors))
		for _, we := range bulk.WriteErrors {
			rows[we.Index] = we.Message
		}
		return &BulkError{Rows: rows}
	}
	return &UnreachableError{Store: "mongo", Err: err}
}

func (s *docSession) InsertOne(ctx context.Context, rec domain.Record) error {
	_, err := s.coll.InsertOne(ctx, rec)
	if err == nil {
		return nil
	}
	var wexc mongo.WriteException
	if stderrors.As(err, &wexc) {
		return err
	}
	return &UnreachableError{Store: "mongo", Err: err}
}

func (s *docSession) Close(ctx context.Context) error {
	s.sess.EndSession(ctx)
	return nil
}
