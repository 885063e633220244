// Package mongo provides a MongoDB-backed [store.Store].
//
// Contacts are keyed by phone number. Messages and transcription results use
// int64 identifiers drawn from a counters collection, so IDs are
// interchangeable with the PostgreSQL backend and fit the in-memory session's
// pending-result field.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/rtemirbulat/voice-transcribing/pkg/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

const (
	collContacts = "contacts"
	collMessages = "messages"
	collResults  = "transcription_results"
	collCounters = "counters"
)

type contactDoc struct {
	ID          string    `bson:"_id"`
	DisplayName string    `bson:"display_name"`
	ProfileName string    `bson:"profile_name"`
	CreatedAt   time.Time `bson:"created_at"`
}

type messageDoc struct {
	ID                int64     `bson:"_id"`
	ContactID         string    `bson:"contact_id"`
	ProviderMessageID string    `bson:"provider_message_id"`
	Kind              string    `bson:"kind"`
	Body              string    `bson:"body"`
	HasAttachment     bool      `bson:"has_attachment"`
	AttachmentPath    string    `bson:"attachment_path"`
	SentAt            time.Time `bson:"sent_at"`
	RecognizedText    *string   `bson:"recognized_text,omitempty"`
	CreatedAt         time.Time `bson:"created_at"`
}

type resultDoc struct {
	ID          int64      `bson:"_id"`
	MessageID   int64      `bson:"message_id"`
	AudioPath   string     `bson:"audio_path"`
	AudioName   string     `bson:"audio_name"`
	ModelOutput string     `bson:"model_output"`
	Corrected   bool       `bson:"corrected"`
	HumanOutput *string    `bson:"human_output,omitempty"`
	ResolvedAt  *time.Time `bson:"resolved_at,omitempty"`
	CreatedAt   time.Time  `bson:"created_at"`
}

type counterDoc struct {
	ID  string `bson:"_id"`
	Seq int64  `bson:"seq"`
}

// Store is the MongoDB-backed [store.Store]. All operations are safe for
// concurrent use.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	now    func() time.Time
}

// NewStore connects to uri, verifies the connection and ensures indexes on
// database.
func NewStore(ctx context.Context, uri, database string) (*Store, error) {
	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(10).
		SetMinPoolSize(1).
		SetMaxConnIdleTime(30 * time.Minute).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("mongo store: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo store: ping: %w", err)
	}

	s := &Store{client: client, db: client.Database(database), now: time.Now}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo store: indexes: %w", err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	if _, err := s.db.Collection(collMessages).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "contact_id", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "provider_message_id", Value: 1}}},
	}); err != nil {
		return err
	}
	_, err := s.db.Collection(collResults).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "message_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// Drop removes every collection. Intended for integration tests.
func (s *Store) Drop(ctx context.Context) error {
	return s.db.Drop(ctx)
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// nextID atomically increments the named counter.
func (s *Store) nextID(ctx context.Context, name string) (int64, error) {
	var c counterDoc
	err := s.db.Collection(collCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&c)
	if err != nil {
		return 0, fmt.Errorf("next %s id: %w", name, err)
	}
	return c.Seq, nil
}

// GetContact implements [store.Store].
func (s *Store) GetContact(ctx context.Context, id string) (store.Contact, error) {
	var d contactDoc
	err := s.db.Collection(collContacts).FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.Contact{}, store.ErrNotFound
	}
	if err != nil {
		return store.Contact{}, fmt.Errorf("mongo store: get contact: %w", err)
	}
	return store.Contact{ID: d.ID, DisplayName: d.DisplayName, ProfileName: d.ProfileName, CreatedAt: d.CreatedAt}, nil
}

// CreateContact implements [store.Store].
func (s *Store) CreateContact(ctx context.Context, c store.Contact) (store.Contact, error) {
	if c.ID == "" {
		return store.Contact{}, fmt.Errorf("%w: empty contact id", store.ErrInvalid)
	}
	coll := s.db.Collection(collContacts)
	_, err := coll.UpdateOne(ctx,
		bson.M{"_id": c.ID},
		bson.M{"$setOnInsert": bson.M{
			"display_name": c.DisplayName,
			"profile_name": c.ProfileName,
			"created_at":   s.now().UTC(),
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return store.Contact{}, fmt.Errorf("mongo store: create contact: %w", err)
	}
	if c.ProfileName != "" {
		if _, err := coll.UpdateOne(ctx,
			bson.M{"_id": c.ID, "profile_name": ""},
			bson.M{"$set": bson.M{"profile_name": c.ProfileName}},
		); err != nil {
			return store.Contact{}, fmt.Errorf("mongo store: backfill profile name: %w", err)
		}
	}
	return s.GetContact(ctx, c.ID)
}

// AppendMessage implements [store.Store].
func (s *Store) AppendMessage(ctx context.Context, m store.Message) (store.Message, error) {
	if strings.Contains(m.AttachmentPath, ",") {
		return store.Message{}, fmt.Errorf("%w: attachment path contains a comma", store.ErrInvalid)
	}
	n, err := s.db.Collection(collContacts).CountDocuments(ctx, bson.M{"_id": m.ContactID})
	if err != nil {
		return store.Message{}, fmt.Errorf("mongo store: append message: %w", err)
	}
	if n == 0 {
		return store.Message{}, fmt.Errorf("%w: contact %q", store.ErrNotFound, m.ContactID)
	}

	id, err := s.nextID(ctx, collMessages)
	if err != nil {
		return store.Message{}, fmt.Errorf("mongo store: append message: %w", err)
	}
	m.ID = id
	m.CreatedAt = s.now().UTC()
	doc := messageDoc{
		ID:                m.ID,
		ContactID:         m.ContactID,
		ProviderMessageID: m.ProviderMessageID,
		Kind:              m.Kind,
		Body:              m.Body,
		HasAttachment:     m.HasAttachment,
		AttachmentPath:    m.AttachmentPath,
		SentAt:            m.Timestamp,
		RecognizedText:    m.RecognizedText,
		CreatedAt:         m.CreatedAt,
	}
	if _, err := s.db.Collection(collMessages).InsertOne(ctx, doc); err != nil {
		return store.Message{}, fmt.Errorf("mongo store: append message: %w", err)
	}
	return m, nil
}

// ListMessages implements [store.Store].
func (s *Store) ListMessages(ctx context.Context, contactID string, limit int) ([]store.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.db.Collection(collMessages).Find(ctx, bson.M{"contact_id": contactID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo store: list messages: %w", err)
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo store: list messages: %w", err)
	}
	out := make([]store.Message, 0, len(docs))
	for _, d := range docs {
		out = append(out, store.Message{
			ID:                d.ID,
			ContactID:         d.ContactID,
			ProviderMessageID: d.ProviderMessageID,
			Kind:              d.Kind,
			Body:              d.Body,
			HasAttachment:     d.HasAttachment,
			AttachmentPath:    d.AttachmentPath,
			Timestamp:         d.SentAt,
			RecognizedText:    d.RecognizedText,
			CreatedAt:         d.CreatedAt,
		})
	}
	return out, nil
}

// CreateTranscriptionResult implements [store.Store].
func (s *Store) CreateTranscriptionResult(ctx context.Context, r store.TranscriptionResult) (store.TranscriptionResult, error) {
	if strings.TrimSpace(r.ModelOutput) == "" {
		return store.TranscriptionResult{}, fmt.Errorf("%w: empty model output", store.ErrInvalid)
	}
	n, err := s.db.Collection(collMessages).CountDocuments(ctx, bson.M{"_id": r.MessageID})
	if err != nil {
		return store.TranscriptionResult{}, fmt.Errorf("mongo store: create transcription result: %w", err)
	}
	if n == 0 {
		return store.TranscriptionResult{}, fmt.Errorf("%w: message %d", store.ErrNotFound, r.MessageID)
	}

	id, err := s.nextID(ctx, collResults)
	if err != nil {
		return store.TranscriptionResult{}, fmt.Errorf("mongo store: create transcription result: %w", err)
	}
	r.ID = id
	r.CreatedAt = s.now().UTC()
	r.Corrected = false
	r.HumanOutput = nil
	r.ResolvedAt = nil
	doc := resultDoc{
		ID:          r.ID,
		MessageID:   r.MessageID,
		AudioPath:   r.AudioPath,
		AudioName:   r.AudioName,
		ModelOutput: r.ModelOutput,
		CreatedAt:   r.CreatedAt,
	}
	if _, err := s.db.Collection(collResults).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.TranscriptionResult{}, fmt.Errorf("%w: message %d already has a result", store.ErrInvalid, r.MessageID)
		}
		return store.TranscriptionResult{}, fmt.Errorf("mongo store: create transcription result: %w", err)
	}
	return r, nil
}

// GetTranscriptionResult implements [store.Store].
func (s *Store) GetTranscriptionResult(ctx context.Context, id int64) (store.TranscriptionResult, error) {
	var d resultDoc
	err := s.db.Collection(collResults).FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.TranscriptionResult{}, store.ErrNotFound
	}
	if err != nil {
		return store.TranscriptionResult{}, fmt.Errorf("mongo store: get transcription result: %w", err)
	}
	return store.TranscriptionResult{
		ID:          d.ID,
		MessageID:   d.MessageID,
		AudioPath:   d.AudioPath,
		AudioName:   d.AudioName,
		ModelOutput: d.ModelOutput,
		Corrected:   d.Corrected,
		HumanOutput: d.HumanOutput,
		ResolvedAt:  d.ResolvedAt,
		CreatedAt:   d.CreatedAt,
	}, nil
}

// ResolveTranscriptionResult implements [store.Store]. Matching on an absent
// resolved_at makes the update apply at most once.
func (s *Store) ResolveTranscriptionResult(ctx context.Context, id int64, res store.Resolution) error {
	set := bson.M{
		"corrected":   res.Corrected,
		"resolved_at": s.now().UTC(),
	}
	if res.HumanOutput != nil {
		set["human_output"] = *res.HumanOutput
	}
	coll := s.db.Collection(collResults)
	upd, err := coll.UpdateOne(ctx,
		bson.M{"_id": id, "resolved_at": bson.M{"$exists": false}},
		bson.M{"$set": set},
	)
	if err != nil {
		return fmt.Errorf("mongo store: resolve transcription result: %w", err)
	}
	if upd.MatchedCount == 1 {
		return nil
	}
	n, err := coll.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongo store: resolve transcription result: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return store.ErrAlreadyResolved
}
