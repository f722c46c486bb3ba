package storage

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoOptions carries the export-side parameters that differ between a
// plain MongoDB and an AWS DocumentDB deployment.
type MongoOptions struct {
	// Set for DocumentDB: exports go over TLS with explicit credentials.
	DocumentDB bool
	Host       string
	Username   string
	Password   string
	SSLCAFile  string
}

// MongoDatabase is the document-database backend: one collection per
// bucket. Exports shell out to mongoexport; the command arguments are
// fixed at construction.
type MongoDatabase struct {
	name   string
	client *mongo.Client
	db     *mongo.Database

	exportArgs []string
}

// OpenMongo connects to the given MongoDB URL and binds the database.
func OpenMongo(ctx context.Context, url, name string, opts MongoOptions) (*MongoDatabase, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	var args []string
	if opts.DocumentDB {
		args = []string{
			"--ssl",
			"--host=" + opts.Host,
			"--db=" + name,
			"--username=" + opts.Username,
			"--password=" + opts.Password,
			"--sslCAFile", opts.SSLCAFile,
		}
	} else {
		args = []string{"--db=" + name}
	}

	return &MongoDatabase{
		name:       name,
		client:     client,
		db:         client.Database(name),
		exportArgs: args,
	}, nil
}

func (d *MongoDatabase) Open(name string) (Bucket, error) {
	return &mongoBucket{name: name, coll: d.db.Collection(name)}, nil
}

func (d *MongoDatabase) List(pattern string) ([]string, error) {
	filter := bson.D{{Key: "name", Value: bson.D{{Key: "$regex", Value: pattern}}}}
	names, err := d.db.ListCollectionNames(context.Background(), filter)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	return names, nil
}

// Export runs mongoexport for one collection and returns the output path.
func (d *MongoDatabase) Export(ctx context.Context, name, outDir string) (string, error) {
	out := filepath.Join(outDir, name+".json")
	args := append([]string{}, d.exportArgs...)
	args = append(args, "--collection="+name, "--out="+out)
	cmd := exec.CommandContext(ctx, "mongoexport", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("mongoexport %s: %w: %s", name, err, output)
	}
	return out, nil
}

func (d *MongoDatabase) Drop(name string) error {
	if err := d.db.Collection(name).Drop(context.Background()); err != nil {
		return fmt.Errorf("drop collection %s: %w", name, err)
	}
	return nil
}

func (d *MongoDatabase) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

type mongoBucket struct {
	name string
	coll *mongo.Collection
}

func (b *mongoBucket) Name() string { return b.name }

func (b *mongoBucket) Insert(ctx context.Context, rec Record) error {
	if _, err := b.coll.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("insert into %s: %w", b.name, err)
	}
	return nil
}
