package db

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// ConnectDB initializes and returns a MongoDB client and database instance.
func ConnectDB(uri, dbName string) (*mongo.Client, *mongo.Database, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping the primary node
	ctxPing, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(ctxPing, readpref.Primary()); err != nil {
		// Disconnect if ping fails
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(dbName)
	log.Println("Successfully connected to MongoDB!")

	return client, db, nil
}

// EnsureIndexes creates the indexes the query paths depend on. Safe to call
// on every startup; Mongo treats existing identical indexes as a no-op.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	specs := map[string][]mongo.IndexModel{
		"users": {
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "verified_until", Value: -1}}},
		},
		"listings": {
			{Keys: bson.D{{Key: "slug", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "active", Value: 1}, {Key: "promoted_until", Value: -1}}},
			{Keys: bson.D{{Key: "active", Value: 1}, {Key: "last_bumped_at", Value: -1}}},
			{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "active", Value: 1}}},
		},
		"threads": {
			{Keys: bson.D{{Key: "buyer_id", Value: 1}, {Key: "last_message_at", Value: -1}}},
			{Keys: bson.D{{Key: "seller_id", Value: 1}, {Key: "last_message_at", Value: -1}}},
			{Keys: bson.D{{Key: "listing_id", Value: 1}, {Key: "buyer_id", Value: 1}}},
		},
		"messages": {
			{Keys: bson.D{{Key: "thread_id", Value: 1}, {Key: "seq", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "thread_id", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		"favorites": {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "listing_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		"verification_requests": {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		},
	}

	for coll, models := range specs {
		if _, err := db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

// DisconnectDB closes the MongoDB client connection.
func DisconnectDB(client *mongo.Client) error {
	if client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect MongoDB: %w", err)
	}
	log.Println("MongoDB connection closed.")
	return nil
}
