package authstate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	logx "wabatch/pkg/logx"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoStore struct {
	client *mongo.Client
	col    *mongo.Collection
	log    logx.Logger
	opT    time.Duration
}

func openMongo(cfg Config, log logx.Logger) (Store, error) {
	uri := strings.TrimSpace(cfg.URI)
	if uri == "" {
		return nil, errors.New("authstate.uri is required for mongo driver")
	}
	dbName := strings.TrimSpace(cfg.Database)
	if dbName == "" {
		dbName = "wabatch"
	}
	colName := strings.TrimSpace(cfg.Collection)
	if colName == "" {
		colName = "auth_state"
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

	col := client.Database(dbName).Collection(colName)
	_, err = col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "updated_at", Value: -1}},
		Options: options.Index().SetName("auth_state_updated_at"),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create mongo index: %w", err)
	}

	log.Info("mongo auth-state store ready", logx.String("database", dbName), logx.String("collection", colName))
	return &mongoStore{client: client, col: col, log: log, opT: cfg.opTimeout()}, nil
}

func (s *mongoStore) Load(ctx context.Context, identity string) (*Credentials, error) {
	id, err := checkIdentity(identity)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opT)
	defer cancel()

	var c Credentials
	err = s.col.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Blank(id), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials %s: %w", id, err)
	}
	return &c, nil
}

func (s *mongoStore) Persist(ctx context.Context, c *Credentials) error {
	cp, err := stamp(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opT)
	defer cancel()

	res, err := s.col.ReplaceOne(ctx, bson.D{{Key: "_id", Value: cp.Identity}}, cp, options.Replace().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("unique key conflicts: %w", err)
		}
		return fmt.Errorf("persist credentials %s: %w", cp.Identity, err)
	}
	s.log.Debug("credentials persisted",
		logx.Identity(cp.Identity),
		logx.Int64("matched", res.MatchedCount),
		logx.Bool("upserted", res.UpsertedID != nil),
	)
	return nil
}

func (s *mongoStore) Delete(ctx context.Context, identity string) error {
	id, err := checkIdentity(identity)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opT)
	defer cancel()
	if _, err := s.col.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}}); err != nil {
		return fmt.Errorf("delete credentials %s: %w", id, err)
	}
	return nil
}

func (s *mongoStore) List(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opT)
	defer cancel()

	cur, err := s.col.Find(ctx, bson.D{}, options.Find().SetProjection(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []string
	for cur.Next(ctx) {
		var row struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		out = append(out, row.ID)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *mongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
