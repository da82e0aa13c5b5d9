// Package mongodb loads batches into one collection per stream. Append-only
// loads insert, upserts replace the document matching the key properties
// and overwrite drops the collection before the first batch of a run.
package mongodb

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-singer/pkg/config"
	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
	"github.com/ajitpratap0/nebula-singer/pkg/target"
)

// Config holds the MongoDB loader settings.
type Config struct {
	URI              string `json:"uri"`
	Database         string `json:"database"`
	CollectionPrefix string `json:"collection_prefix"`
}

// Loader writes documents to MongoDB.
type Loader struct {
	client     *mongo.Client
	db         *mongo.Database
	prefix     string
	hardDelete bool
	logger     *zap.Logger
	now        func() time.Time
}

// New connects to the deployment in the uri setting.
func New(ctx context.Context, opts target.LoaderOptions) (*Loader, error) {
	cfg := Config{URI: "mongodb://localhost:27017"}
	if err := config.Decode(opts.Settings, &cfg); err != nil {
		return nil, err
	}
	if cfg.Database == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "destination.database is required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to mongodb")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(ctx)
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to ping mongodb")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{
		client:     client,
		db:         client.Database(cfg.Database),
		prefix:     cfg.CollectionPrefix,
		hardDelete: opts.HardDelete,
		logger:     log.With(zap.String("loader", "mongodb"), zap.String("database", cfg.Database)),
		now:        time.Now,
	}, nil
}

// CollectionName maps a stream to a collection name.
func (l *Loader) CollectionName(stream string) string {
	return l.prefix + strings.ReplaceAll(stream, "$", "_")
}

// Load writes b to the stream collection.
func (l *Loader) Load(ctx context.Context, b *target.Batch) error {
	coll := l.db.Collection(l.CollectionName(b.Stream))
	if b.First && b.LoadMethod == config.LoadMethodOverwrite {
		if err := coll.Drop(ctx); err != nil {
			return errors.Wrapf(err, errors.ErrorTypeQuery, "failed to drop collection %s", coll.Name())
		}
		l.logger.Info("collection dropped", zap.String("collection", coll.Name()))
	}
	if len(b.Records) == 0 {
		return nil
	}

	if b.LoadMethod == config.LoadMethodUpsert && len(b.KeyProperties) > 0 {
		models, err := ReplaceModels(b.Records, b.KeyProperties)
		if err != nil {
			return err
		}
		res, err := coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
		if err != nil {
			return errors.Wrapf(err, errors.ErrorTypeQuery, "failed to upsert into %s", coll.Name())
		}
		l.logger.Debug("documents upserted",
			zap.String("collection", coll.Name()),
			zap.Int64("matched", res.MatchedCount),
			zap.Int64("upserted", res.UpsertedCount))
		return nil
	}

	if _, err := coll.InsertMany(ctx, Documents(b.Records), options.InsertMany().SetOrdered(false)); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeQuery, "failed to insert into %s", coll.Name())
	}
	l.logger.Debug("documents inserted", zap.String("collection", coll.Name()), zap.Int("documents", len(b.Records)))
	return nil
}

// Documents converts records to BSON documents.
func Documents(records []map[string]interface{}) []interface{} {
	docs := make([]interface{}, len(records))
	for i, r := range records {
		docs[i] = Document(r)
	}
	return docs
}

// Document converts decoded JSON into BSON friendly values: numbers become
// int64 or float64.
func Document(record map[string]interface{}) bson.M {
	out := make(bson.M, len(record))
	for k, v := range record {
		out[k] = value(v)
	}
	return out
}

func value(v interface{}) interface{} {
	switch t := v.(type) {
	case jsonpool.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return string(t)
	case map[string]interface{}:
		return Document(t)
	case []interface{}:
		out := make(bson.A, len(t))
		for i, item := range t {
			out[i] = value(item)
		}
		return out
	}
	return v
}

// ReplaceModels builds one upserting replace per record, matched on keys.
func ReplaceModels(records []map[string]interface{}, keys []string) ([]mongo.WriteModel, error) {
	models := make([]mongo.WriteModel, 0, len(records))
	for _, r := range records {
		doc := Document(r)
		filter := bson.D{}
		for _, k := range keys {
			v, ok := doc[k]
			if !ok || v == nil {
				return nil, errors.Newf(errors.ErrorTypeMissingKeyProperties, "record has no value for key property %s", k)
			}
			filter = append(filter, bson.E{Key: k, Value: v})
		}
		models = append(models, mongo.NewReplaceOneModel().SetFilter(filter).SetReplacement(doc).SetUpsert(true))
	}
	return models, nil
}

// SupersededFilter matches documents of versions older than version.
func SupersededFilter(version int64) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{target.SDCTableVersion: bson.M{"$lt": version}},
		bson.M{target.SDCTableVersion: bson.M{"$exists": false}},
		bson.M{target.SDCTableVersion: nil},
	}}
}

// ActivateVersion deletes or marks documents of older versions.
func (l *Loader) ActivateVersion(ctx context.Context, stream string, version int64) error {
	coll := l.db.Collection(l.CollectionName(stream))
	filter := SupersededFilter(version)
	if l.hardDelete {
		res, err := coll.DeleteMany(ctx, filter)
		if err != nil {
			return errors.Wrapf(err, errors.ErrorTypeQuery, "failed to delete superseded documents of %s", coll.Name())
		}
		l.logger.Info("version activated", zap.String("collection", coll.Name()), zap.Int64("deleted", res.DeletedCount))
		return nil
	}
	filter = bson.M{"$and": bson.A{filter, bson.M{target.SDCDeletedAt: nil}}}
	update := bson.M{"$set": bson.M{target.SDCDeletedAt: l.now().UTC().Format(time.RFC3339Nano)}}
	res, err := coll.UpdateMany(ctx, filter, update)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeQuery, "failed to mark superseded documents of %s", coll.Name())
	}
	l.logger.Info("version activated", zap.String("collection", coll.Name()), zap.Int64("marked", res.ModifiedCount))
	return nil
}

// Close disconnects the client.
func (l *Loader) Close(ctx context.Context) error {
	if err := l.client.Disconnect(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to disconnect from mongodb")
	}
	return nil
}
