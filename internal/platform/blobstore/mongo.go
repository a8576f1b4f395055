package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoBucket = "records"

// MongoStore keeps files in a GridFS bucket named by their CID, so an upload
// of identical content is stored once.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	bucket *gridfs.Bucket
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	db := client.Database(database)
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(mongoBucket))
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("gridfs bucket: %w", err)
	}
	return &MongoStore{client: client, db: db, bucket: bucket}, nil
}

func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(60 * time.Second)
}

func (s *MongoStore) exists(ctx context.Context, cid string) (bool, error) {
	n, err := s.db.Collection(mongoBucket+".files").CountDocuments(ctx, bson.M{"filename": cid})
	return n > 0, err
}

func (s *MongoStore) Upload(ctx context.Context, p *Payload) (string, error) {
	ok, err := s.exists(ctx, p.CID)
	if err != nil {
		return "", uploadFailed("mongo", err)
	}
	if ok {
		return p.CID, nil
	}
	if err := s.bucket.SetWriteDeadline(deadline(ctx)); err != nil {
		return "", uploadFailed("mongo", err)
	}
	opts := options.GridFSUpload().SetMetadata(bson.M{
		"file_name":    p.FileName,
		"content_type": p.ContentType,
	})
	if _, err := s.bucket.UploadFromStream(p.CID, bytes.NewReader(p.Data), opts); err != nil {
		return "", uploadFailed("mongo", err)
	}
	return p.CID, nil
}

type gridMeta struct {
	Length     int64     `bson:"length"`
	UploadDate time.Time `bson:"uploadDate"`
	Metadata   struct {
		FileName    string `bson:"file_name"`
		ContentType string `bson:"content_type"`
	} `bson:"metadata"`
}

func (s *MongoStore) Open(ctx context.Context, cid string) (io.ReadCloser, *Object, error) {
	var meta gridMeta
	err := s.db.Collection(mongoBucket+".files").FindOne(ctx, bson.M{"filename": cid}).Decode(&meta)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("find %s: %w", cid, err)
	}
	if err := s.bucket.SetReadDeadline(deadline(ctx)); err != nil {
		return nil, nil, err
	}
	stream, err := s.bucket.OpenDownloadStreamByName(cid)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil, nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", cid, err)
	}
	return stream, &Object{
		CID:         cid,
		FileName:    meta.Metadata.FileName,
		ContentType: meta.Metadata.ContentType,
		Size:        meta.Length,
		CreatedAt:   meta.UploadDate,
	}, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
