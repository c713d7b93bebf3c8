// Package mongo persists extraction results as MongoDB documents.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/JakeFAU/content-harvester/internal/pipeline"
)

const (
	defaultDatabase   = "harvester"
	defaultCollection = "extraction_results"
	connectTimeout    = 10 * time.Second
)

// Config selects the deployment and collection.
type Config struct {
	URI        string
	Database   string
	Collection string
}

type collection interface {
	UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// ResultStore upserts one document per (run_id, index).
type ResultStore struct {
	client *mongo.Client
	coll   collection
	now    func() time.Time
}

// New connects, pings and ensures the (run_id, index) unique index.
func New(ctx context.Context, cfg Config) (*ResultStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo.uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = defaultDatabase
	}
	if cfg.Collection == "" {
		cfg.Collection = defaultCollection
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	index := mongo.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "index", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create result index: %w", err)
	}
	return &ResultStore{client: client, coll: coll, now: utcNow}, nil
}

func newWithCollection(coll collection) *ResultStore {
	return &ResultStore{coll: coll, now: utcNow}
}

func utcNow() time.Time { return time.Now().UTC() }

// Close disconnects the client.
func (s *ResultStore) Close(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}

// StoreResults upserts every result of runID. Re-storing a run replaces the
// documents in place.
func (s *ResultStore) StoreResults(ctx context.Context, runID string, results []pipeline.ExtractionResult) error {
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	storedAt := s.now()
	opts := options.Update().SetUpsert(true)
	for _, res := range results {
		filter := bson.M{"run_id": runID, "index": res.Index}
		update := bson.M{"$set": document(res, storedAt)}
		if _, err := s.coll.UpdateOne(ctx, filter, update, opts); err != nil {
			return fmt.Errorf("upsert result %d: %w", res.Index, err)
		}
	}
	return nil
}

func document(res pipeline.ExtractionResult, storedAt time.Time) bson.M {
	doc := bson.M{
		"title":      res.Title,
		"url":        res.URL,
		"content":    res.Content,
		"accessible": res.Accessible,
		"type":       string(res.SourceType),
		"attempts":   len(res.Attempts),
		"stored_at":  storedAt,
	}
	if !res.Accessible {
		doc["error_kind"] = string(res.ErrorKind)
		doc["error_reason"] = res.ErrorReason
	}
	return doc
}
