package tokens

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore persists credentials in a MongoDB collection keyed by _id.
type MongoStore struct {
	coll *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a store over db.Collection("mailauth_credentials").
// Expects a connected mongo.Database.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection("mailauth_credentials")}
}

// Get fetches the stored value for key.
func (s *MongoStore) Get(ctx context.Context, key string) ([]byte, error) {
	var doc struct {
		Value primitive.Binary `bson:"value"`
	}
	err := s.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return doc.Value.Data, nil
}

// Set upserts the value under key.
func (s *MongoStore) Set(ctx context.Context, key string, value []byte) error {
	upd := bson.M{"$set": bson.M{
		"value":      primitive.Binary{Data: value},
		"updated_at": time.Now().UTC(),
	}}
	opts := options.Update().SetUpsert(true)
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": key}, upd, opts)
	return err
}

// Delete removes the document for key; missing documents are not an error.
func (s *MongoStore) Delete(ctx context.Context, key string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": key})
	return err
}
