package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const gridfsScheme = "gridfs:"

// GridFS stores blobs in a MongoDB GridFS bucket
type GridFS struct {
	client     *mongo.Client
	db         *mongo.Database
	bucketName string
}

// DialGridFS connects to MongoDB and selects the bucket
func DialGridFS(ctx context.Context, uri, database, bucket string) (*GridFS, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	return &GridFS{
		client:     client,
		db:         client.Database(database),
		bucketName: bucket,
	}, nil
}

// A bucket carries its own deadlines, so each call gets a fresh one
func (g *GridFS) bucket(ctx context.Context) (*gridfs.Bucket, error) {
	bucket, err := gridfs.NewBucket(g.db, options.GridFSBucket().SetName(g.bucketName))
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := bucket.SetWriteDeadline(deadline); err != nil {
			return nil, err
		}
		if err := bucket.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
	}
	return bucket, nil
}

// Put uploads data with the key and content type as file metadata
func (g *GridFS) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	bucket, err := g.bucket(ctx)
	if err != nil {
		return "", err
	}

	opts := options.GridFSUpload().SetMetadata(bson.D{
		{Key: "key", Value: key},
		{Key: "content_type", Value: contentType},
	})
	id, err := bucket.UploadFromStream(sanitizeKey(key)+extensionFor(contentType), bytes.NewReader(data), opts)
	if err != nil {
		return "", fmt.Errorf("failed to upload blob: %w", err)
	}
	return gridfsScheme + id.Hex(), nil
}

// Get downloads a blob by reference
func (g *GridFS) Get(ctx context.Context, ref string) ([]byte, error) {
	hex, ok := strings.CutPrefix(ref, gridfsScheme)
	if !ok {
		return nil, ErrInvalidRef
	}
	id, err := primitive.ObjectIDFromHex(hex)
	if err != nil {
		return nil, ErrInvalidRef
	}

	bucket, err := g.bucket(ctx)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := bucket.DownloadToStream(id, &buf); err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to download blob: %w", err)
	}
	return buf.Bytes(), nil
}

// Close disconnects the client
func (g *GridFS) Close() error {
	return g.client.Disconnect(context.Background())
}
