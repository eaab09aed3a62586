package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	logx "wabatch/pkg/logx"
)

// userDoc is the stored shape: {_id: <user id>, numbers: [{number, isActive}]}.
type userDoc struct {
	ID      string   `bson:"_id"`
	Numbers []Number `bson:"numbers"`
}

type mongoDirectory struct {
	client *mongo.Client
	col    *mongo.Collection
	log    logx.Logger
}

func openMongo(cfg Config, log logx.Logger) (Directory, error) {
	uri := strings.TrimSpace(cfg.URI)
	if uri == "" {
		return nil, errors.New("directory.uri is required for mongo driver")
	}
	dbName := cfg.Database
	if dbName == "" {
		dbName = "wabatch"
	}
	colName := cfg.Collection
	if colName == "" {
		colName = "users"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetAppName("wabatch"))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	log.Info("mongo directory ready", logx.String("database", dbName), logx.String("collection", colName))
	return &mongoDirectory{client: client, col: client.Database(dbName).Collection(colName), log: log}, nil
}

func (d *mongoDirectory) ActiveIdentityFor(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var doc userDoc
	err := d.col.FindOne(ctx, bson.D{{Key: "_id", Value: userID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup user %s: %w", userID, err)
	}
	return activeNumber(doc.Numbers), nil
}

func (d *mongoDirectory) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.client.Disconnect(ctx)
}
