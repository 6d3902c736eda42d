package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BartekS5/tracksync/pkg/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	mongoStateCollection  = "pipeline_state"
	mongoLedgerCollection = "processed_entities"
	mongoWatermarkID      = "watermark"
)

// MongoWatermarkStore keeps the watermark as a single document.
type MongoWatermarkStore struct {
	coll *mongo.Collection
	now  func() time.Time
}

func NewMongoWatermarkStore(client *mongo.Client, database string) *MongoWatermarkStore {
	return &MongoWatermarkStore{
		coll: client.Database(database).Collection(mongoStateCollection),
		now:  time.Now,
	}
}

func (s *MongoWatermarkStore) Read(ctx context.Context) (models.Watermark, bool, error) {
	var wm models.Watermark
	err := s.coll.FindOne(ctx, bson.M{"_id": mongoWatermarkID}).Decode(&wm)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Watermark{}, false, nil
	}
	if err != nil {
		return models.Watermark{}, false, fmt.Errorf("failed to read watermark from mongo: %w", err)
	}
	return wm, wm.LastProcessedTimestamp > 0, nil
}

func (s *MongoWatermarkStore) Write(ctx context.Context, wm models.Watermark) error {
	if wm.LastUpdated.IsZero() {
		wm.LastUpdated = s.now().UTC()
	}
	filter := bson.M{"_id": mongoWatermarkID}
	update := bson.M{"$set": bson.M{
		"last_processed_timestamp": wm.LastProcessedTimestamp,
		"last_updated":             wm.LastUpdated,
	}}
	if _, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("failed to write watermark to mongo: %w", err)
	}
	return nil
}

// MongoLedgerStore keeps one document per processed entity id.
type MongoLedgerStore struct {
	coll *mongo.Collection
	now  func() time.Time
}

func NewMongoLedgerStore(client *mongo.Client, database string) *MongoLedgerStore {
	return &MongoLedgerStore{
		coll: client.Database(database).Collection(mongoLedgerCollection),
		now:  time.Now,
	}
}

func (s *MongoLedgerStore) Load(ctx context.Context) ([]string, error) {
	cursor, err := s.coll.Find(ctx, bson.M{}, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger from mongo: %w", err)
	}
	defer cursor.Close(ctx)

	var ids []string
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode ledger entry: %w", err)
		}
		ids = append(ids, doc.ID)
	}
	return ids, cursor.Err()
}

func (s *MongoLedgerStore) Add(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	stamp := s.now().UTC()
	writes := make([]mongo.WriteModel, 0, len(ids))
	for _, id := range ids {
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": id}).
			SetUpdate(bson.M{"$setOnInsert": bson.M{"added_at": stamp}}).
			SetUpsert(true))
	}
	if _, err := s.coll.BulkWrite(ctx, writes); err != nil {
		return fmt.Errorf("failed to add ledger entries: %w", err)
	}
	return nil
}

func (s *MongoLedgerStore) Remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
		return fmt.Errorf("failed to remove ledger entries: %w", err)
	}
	return nil
}
