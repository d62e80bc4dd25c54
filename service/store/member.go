package store

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MemberCursor struct {
	ConversationID   string `bson:"conversationId"`
	UserID           string `bson:"userId"`
	LastDeliveredSeq int64  `bson:"lastDeliveredSeq"`
	LastReadSeq      int64  `bson:"lastReadSeq"`
}

// AdvanceDelivered moves the member's delivered cursor forward with $max so
// late or duplicate ACKs can never rewind it. Missing rows are created.
func (s *Store) AdvanceDelivered(ctx context.Context, conversationID, userID string, seq int64) error {
	_, err := s.coll(collMembers).UpdateOne(ctx,
		bson.M{"conversationId": conversationID, "userId": userID},
		bson.M{"$max": bson.M{"lastDeliveredSeq": seq}},
		options.Update().SetUpsert(true))
	return errors.Wrap(err, "advance delivered")
}

// AdvanceRead also lifts delivered: a read message was necessarily delivered.
func (s *Store) AdvanceRead(ctx context.Context, conversationID, userID string, seq int64) error {
	_, err := s.coll(collMembers).UpdateOne(ctx,
		bson.M{"conversationId": conversationID, "userId": userID},
		bson.M{"$max": bson.M{"lastReadSeq": seq, "lastDeliveredSeq": seq}},
		options.Update().SetUpsert(true))
	return errors.Wrap(err, "advance read")
}

func (s *Store) GetCursor(ctx context.Context, conversationID, userID string) (*MemberCursor, error) {
	var c MemberCursor
	err := s.coll(collMembers).FindOne(ctx,
		bson.M{"conversationId": conversationID, "userId": userID}).Decode(&c)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return &MemberCursor{ConversationID: conversationID, UserID: userID}, nil
		}
		return nil, errors.Wrap(err, "get cursor")
	}
	return &c, nil
}

// EnsureMemberCursors materializes zero-valued cursor rows for every
// conversation the user belongs to. Rows normally appear on the member's
// first ACK, so a recipient who was offline for the opening message of a
// conversation owns no row yet and the resend walk would never visit it.
func (s *Store) EnsureMemberCursors(ctx context.Context, userID string) error {
	ids, err := s.conversationIDsForUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		_, err := s.coll(collMembers).UpdateOne(ctx,
			bson.M{"conversationId": id, "userId": userID},
			bson.M{"$setOnInsert": bson.M{"lastDeliveredSeq": int64(0), "lastReadSeq": int64(0)}},
			options.Update().SetUpsert(true))
		if err != nil {
			return errors.Wrap(err, "ensure member cursor")
		}
	}
	return nil
}

// conversationIDsForUser derives membership from the source collections:
// single conversations by participant match, group ones through group_members.
func (s *Store) conversationIDsForUser(ctx context.Context, userID string) ([]string, error) {
	cur, err := s.coll(collConversations).Find(ctx,
		bson.M{"$or": []bson.M{{"userA": userID}, {"userB": userID}}},
		options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, errors.Wrap(err, "conversations for user")
	}
	defer cur.Close(ctx)
	var convRows []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &convRows); err != nil {
		return nil, errors.Wrap(err, "decode conversation ids")
	}
	out := make([]string, 0, len(convRows))
	for _, r := range convRows {
		out = append(out, r.ID)
	}

	gcur, err := s.coll(collGroupMembers).Find(ctx, bson.M{"userId": userID})
	if err != nil {
		return nil, errors.Wrap(err, "groups for user")
	}
	defer gcur.Close(ctx)
	var groupRows []struct {
		GroupID string `bson:"groupId"`
	}
	if err := gcur.All(ctx, &groupRows); err != nil {
		return nil, errors.Wrap(err, "decode group ids")
	}
	for _, r := range groupRows {
		out = append(out, GroupConversationID(r.GroupID))
	}
	return out, nil
}

// CursorsForUser lists every conversation the user has a cursor row in; the
// resend path walks these to find undelivered ranges.
func (s *Store) CursorsForUser(ctx context.Context, userID string) ([]MemberCursor, error) {
	cur, err := s.coll(collMembers).Find(ctx, bson.M{"userId": userID})
	if err != nil {
		return nil, errors.Wrap(err, "cursors for user")
	}
	defer cur.Close(ctx)
	var out []MemberCursor
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode cursors")
	}
	return out, nil
}
