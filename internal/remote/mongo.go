package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoConfig selects the database holding the conversation documents and
// the GridFS bucket holding voice payloads.
type MongoConfig struct {
	URI            string
	Database       string
	PayloadBucket  string
	ConnectTimeout time.Duration
}

// Mongo implements Contract on MongoDB: documents in the conversations,
// messages and participants collections, payloads in GridFS.
type Mongo struct {
	client        *mongo.Client
	conversations *mongo.Collection
	messages      *mongo.Collection
	participants  *mongo.Collection
	bucket        *gridfs.Bucket
	bucketName    string
}

type participantDoc struct {
	ID              string   `bson:"_id"`
	ConversationIDs []string `bson:"conversation_ids"`
}

// DialMongo connects to MongoDB. The connection is lazy: an unreachable
// server surfaces through Ping and the operations, not here.
func DialMongo(ctx context.Context, cfg MongoConfig) (*Mongo, error) {
	if cfg.Database == "" {
		return nil, errors.New("mongo: database name required")
	}
	if cfg.PayloadBucket == "" {
		cfg.PayloadBucket = "voice"
	}
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
		opts.SetServerSelectionTimeout(cfg.ConnectTimeout)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}

	m, err := newMongo(client, client.Database(cfg.Database), cfg.PayloadBucket)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return m, nil
}

func newMongo(client *mongo.Client, db *mongo.Database, bucketName string) (*Mongo, error) {
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(bucketName))
	if err != nil {
		return nil, fmt.Errorf("gridfs bucket: %w", err)
	}
	return &Mongo{
		client:        client,
		conversations: db.Collection("conversations"),
		messages:      db.Collection("messages"),
		participants:  db.Collection("participants"),
		bucket:        bucket,
		bucketName:    bucketName,
	}, nil
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

func (m *Mongo) FetchConversation(ctx context.Context, id string) (*ConversationRecord, error) {
	var rec ConversationRecord
	err := m.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("conversation %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation %q: %w", id, err)
	}
	return &rec, nil
}

func (m *Mongo) FetchMessage(ctx context.Context, id string) (*MessageRecord, error) {
	var rec MessageRecord
	err := m.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("message %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find message %q: %w", id, err)
	}
	return &rec, nil
}

func (m *Mongo) UpsertConversation(ctx context.Context, rec *ConversationRecord) error {
	_, err := m.conversations.ReplaceOne(ctx, bson.M{"_id": rec.ID}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert conversation %q: %w", rec.ID, err)
	}
	return nil
}

func (m *Mongo) InsertMessage(ctx context.Context, rec *MessageRecord) error {
	_, err := m.messages.InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("message %q: %w", rec.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert message %q: %w", rec.ID, err)
	}
	return nil
}

// UploadPayload streams the local file into GridFS and returns
// gridfs://<bucket>/<object id>.
func (m *Mongo) UploadPayload(ctx context.Context, localRef string) (string, error) {
	f, err := os.Open(localRef)
	if err != nil {
		return "", fmt.Errorf("open payload: %w", err)
	}
	defer func() { _ = f.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		if err := m.bucket.SetWriteDeadline(deadline); err != nil {
			return "", fmt.Errorf("set write deadline: %w", err)
		}
	}
	id, err := m.bucket.UploadFromStream(filepath.Base(localRef), f)
	if err != nil {
		return "", fmt.Errorf("upload payload: %w", err)
	}
	return fmt.Sprintf("gridfs://%s/%s", m.bucketName, id.Hex()), nil
}

func (m *Mongo) FetchParticipantConversationList(ctx context.Context, participantID string) ([]string, error) {
	var doc participantDoc
	err := m.participants.FindOne(ctx, bson.M{"_id": participantID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find participant %q: %w", participantID, err)
	}
	return doc.ConversationIDs, nil
}

func (m *Mongo) UpdateParticipantConversationList(ctx context.Context, participantID string, ids []string) error {
	_, err := m.participants.UpdateOne(ctx,
		bson.M{"_id": participantID},
		bson.M{"$set": bson.M{"conversation_ids": ids}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("update participant %q: %w", participantID, err)
	}
	return nil
}

var _ Contract = (*Mongo)(nil)
