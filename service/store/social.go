package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

type FriendRequest struct {
	ID        string    `bson:"_id"`
	From      string    `bson:"from"`
	To        string    `bson:"to"`
	Message   string    `bson:"message,omitempty"`
	CreatedAt time.Time `bson:"createdAt"`
}

// AreFriends checks the mutual link. Friend rows are written by the social
// service; the gateway only reads them.
func (s *Store) AreFriends(ctx context.Context, a, b string) (bool, error) {
	n, err := s.coll(collFriends).CountDocuments(ctx, bson.M{
		"ownerId": a, "friendId": b,
	})
	if err != nil {
		return false, errors.Wrap(err, "are friends")
	}
	return n > 0, nil
}

func (s *Store) SaveFriendRequest(ctx context.Context, r *FriendRequest) error {
	_, err := s.coll(collFriendReqs).InsertOne(ctx, r)
	return errors.Wrap(err, "save friend request")
}

func (s *Store) IsGroupMember(ctx context.Context, groupID, userID string) (bool, error) {
	n, err := s.coll(collGroupMembers).CountDocuments(ctx, bson.M{
		"groupId": groupID, "userId": userID,
	})
	if err != nil {
		return false, errors.Wrap(err, "is group member")
	}
	return n > 0, nil
}

func (s *Store) GroupMemberIDs(ctx context.Context, groupID string) ([]string, error) {
	cur, err := s.coll(collGroupMembers).Find(ctx, bson.M{"groupId": groupID})
	if err != nil {
		return nil, errors.Wrap(err, "group members")
	}
	defer cur.Close(ctx)
	var rows []struct {
		UserID string `bson:"userId"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, errors.Wrap(err, "decode group members")
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.UserID)
	}
	return out, nil
}
