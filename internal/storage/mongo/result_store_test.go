package mongo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/JakeFAU/content-harvester/internal/pipeline"
)

type upsertCall struct {
	filter bson.M
	update bson.M
	upsert bool
}

type fakeCollection struct {
	calls  []upsertCall
	failAt int
}

func (f *fakeCollection) UpdateOne(_ context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	if f.failAt > 0 && len(f.calls)+1 == f.failAt {
		return nil, errors.New("write conflict")
	}
	call := upsertCall{filter: filter.(bson.M), update: update.(bson.M)}
	for _, o := range opts {
		if o.Upsert != nil {
			call.upsert = *o.Upsert
		}
	}
	f.calls = append(f.calls, call)
	return &mongo.UpdateResult{UpsertedCount: 1}, nil
}

func TestStoreResultsUpsertsPerRow(t *testing.T) {
	t.Parallel()

	coll := &fakeCollection{}
	store := newWithCollection(coll)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	results := []pipeline.ExtractionResult{
		pipeline.Success(pipeline.Target{Index: 0, Name: "Home", URL: "https://example.com"}, pipeline.SourceHTML, "hello", nil),
		pipeline.Failure(pipeline.Target{Index: 1, Name: "Gone", URL: "https://example.com/gone"},
			pipeline.NewTargetError(pipeline.NetworkFailure, "Page not found (404)", nil), nil),
	}
	require.NoError(t, store.StoreResults(context.Background(), "run-9", results))
	require.Len(t, coll.calls, 2)

	first := coll.calls[0]
	assert.True(t, first.upsert)
	assert.Equal(t, bson.M{"run_id": "run-9", "index": 0}, first.filter)
	set := first.update["$set"].(bson.M)
	assert.Equal(t, "hello", set["content"])
	assert.Equal(t, "HTML", set["type"])
	assert.Equal(t, now, set["stored_at"])
	assert.NotContains(t, set, "error_kind")

	failed := coll.calls[1].update["$set"].(bson.M)
	assert.Equal(t, false, failed["accessible"])
	assert.Equal(t, "NetworkFailure", failed["error_kind"])
	assert.Equal(t, "Page not found (404)", failed["error_reason"])
}

func TestStoreResultsStopsOnError(t *testing.T) {
	t.Parallel()

	coll := &fakeCollection{failAt: 2}
	store := newWithCollection(coll)
	results := []pipeline.ExtractionResult{
		{Index: 0, Accessible: true}, {Index: 1, Accessible: true}, {Index: 2, Accessible: true},
	}
	err := store.StoreResults(context.Background(), "run-1", results)
	require.ErrorContains(t, err, "upsert result 1")
	assert.Len(t, coll.calls, 1)
}

func TestStoreResultsRequiresRunID(t *testing.T) {
	t.Parallel()

	assert.Error(t, newWithCollection(&fakeCollection{}).StoreResults(context.Background(), "", nil))
}

func TestNewRequiresURI(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}
