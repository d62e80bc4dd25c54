package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	ConversationSingle = "single"
	ConversationGroup  = "group"
)

type Conversation struct {
	ID        string    `bson:"_id"`
	Kind      string    `bson:"kind"`
	UserA     string    `bson:"userA,omitempty"`
	UserB     string    `bson:"userB,omitempty"`
	GroupID   string    `bson:"groupId,omitempty"`
	CreatedAt time.Time `bson:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// PairConversationID is stable for the unordered user pair.
func PairConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "s:" + a + ":" + b
}

func GroupConversationID(groupID string) string {
	return "g:" + groupID
}

// GetOrCreateSingle makes the pair conversation on first contact. Upsert with
// $setOnInsert keeps concurrent first sends from racing.
func (s *Store) GetOrCreateSingle(ctx context.Context, userA, userB string) (*Conversation, error) {
	a, b := userA, userB
	if b < a {
		a, b = b, a
	}
	id := PairConversationID(a, b)
	now := time.Now()
	filter := bson.M{"_id": id}
	update := bson.M{"$setOnInsert": bson.M{
		"kind":      ConversationSingle,
		"userA":     a,
		"userB":     b,
		"createdAt": now,
		"updatedAt": now,
	}}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)
	var conv Conversation
	if err := s.coll(collConversations).FindOneAndUpdate(ctx, filter, update, opts).Decode(&conv); err != nil {
		return nil, errors.Wrap(err, "get or create single conversation")
	}
	return &conv, nil
}

func (s *Store) GetOrCreateGroup(ctx context.Context, groupID string) (*Conversation, error) {
	id := GroupConversationID(groupID)
	now := time.Now()
	update := bson.M{"$setOnInsert": bson.M{
		"kind":      ConversationGroup,
		"groupId":   groupID,
		"createdAt": now,
		"updatedAt": now,
	}}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)
	var conv Conversation
	if err := s.coll(collConversations).FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&conv); err != nil {
		return nil, errors.Wrap(err, "get or create group conversation")
	}
	return &conv, nil
}

// TouchUpdatedAt bumps last-activity; callers debounce this under bursty chat.
func (s *Store) TouchUpdatedAt(ctx context.Context, conversationID string, ts time.Time) error {
	_, err := s.coll(collConversations).UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$max": bson.M{"updatedAt": ts}})
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return errors.Wrap(err, "touch conversation")
	}
	return nil
}
