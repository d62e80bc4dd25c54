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
	MsgStatusSaved     = "SAVED"
	MsgStatusDelivered = "DELIVERED"
	MsgStatusRead      = "READ"
	MsgStatusRevoked   = "REVOKED"
)

type Message struct {
	ID             string    `bson:"_id"` // serverMsgId
	ConversationID string    `bson:"conversationId"`
	GroupID        string    `bson:"groupId,omitempty"`
	From           string    `bson:"from"`
	To             string    `bson:"to,omitempty"`
	Body           string    `bson:"body"`
	MsgType        string    `bson:"msgType,omitempty"`
	Status         string    `bson:"status"`
	MsgSeq         int64     `bson:"msgSeq"`
	ClientMsgID    string    `bson:"clientMsgId"`
	Mentions       []string  `bson:"mentions,omitempty"`
	ReplyTo        string    `bson:"replyToServerMsgId,omitempty"`
	CreatedAt      time.Time `bson:"createdAt"`
	RevokedAt      time.Time `bson:"revokedAt,omitempty"`
}

var ErrMessageExists = errors.New("message already persisted")

// SaveMessage inserts exactly once; a duplicate serverMsgId comes back as
// ErrMessageExists so retrying save stages can treat it as success.
func (s *Store) SaveMessage(ctx context.Context, m *Message) error {
	_, err := s.coll(collMessages).InsertOne(ctx, m)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrMessageExists
		}
		return errors.Wrap(err, "save message")
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, serverMsgID string) (*Message, error) {
	var m Message
	err := s.coll(collMessages).FindOne(ctx, bson.M{"_id": serverMsgID}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get message")
	}
	return &m, nil
}

// MarkStatus moves the lifecycle forward; DELIVERED/READ transitions are
// best-effort since the member cursor is the authoritative receipt state.
func (s *Store) MarkStatus(ctx context.Context, serverMsgID, status string) error {
	_, err := s.coll(collMessages).UpdateOne(ctx,
		bson.M{"_id": serverMsgID},
		bson.M{"$set": bson.M{"status": status}})
	return errors.Wrap(err, "mark status")
}

// MarkRevoked keeps the stored body; clients render the placeholder off the
// REVOKED status.
func (s *Store) MarkRevoked(ctx context.Context, serverMsgID string, at time.Time) error {
	_, err := s.coll(collMessages).UpdateOne(ctx,
		bson.M{"_id": serverMsgID},
		bson.M{"$set": bson.M{"status": MsgStatusRevoked, "revokedAt": at}})
	return errors.Wrap(err, "mark revoked")
}

// MessagesAfterSeq returns the conversation slice past a delivered cursor,
// oldest first, capped at limit. REVOKED entries stay in the slice so replay
// can hand the recipient the tombstone instead of silently skipping a seq.
func (s *Store) MessagesAfterSeq(ctx context.Context, conversationID string, afterSeq, limit int64) ([]Message, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "msgSeq", Value: 1}}).
		SetLimit(limit)
	cur, err := s.coll(collMessages).Find(ctx, bson.M{
		"conversationId": conversationID,
		"msgSeq":         bson.M{"$gt": afterSeq},
	}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "messages after seq")
	}
	defer cur.Close(ctx)
	var out []Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode messages")
	}
	return out, nil
}
