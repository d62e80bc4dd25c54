package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

type CallRecord struct {
	ID         string    `bson:"_id"` // callId
	CallerID   string    `bson:"callerId"`
	CalleeID   string    `bson:"calleeId"`
	Kind       string    `bson:"kind"` // audio | video
	State      string    `bson:"state"`
	Reason     string    `bson:"reason,omitempty"`
	CreatedAt  time.Time `bson:"createdAt"`
	AcceptedAt time.Time `bson:"acceptedAt,omitempty"`
	EndedAt    time.Time `bson:"endedAt,omitempty"`
}

func (s *Store) SaveCallRecord(ctx context.Context, r *CallRecord) error {
	_, err := s.coll(collCalls).InsertOne(ctx, r)
	return errors.Wrap(err, "save call record")
}

// UpdateCallState records terminal and accept transitions; signaling itself
// never waits on this write.
func (s *Store) UpdateCallState(ctx context.Context, callID, state, reason string, at time.Time) error {
	set := bson.M{"state": state}
	if reason != "" {
		set["reason"] = reason
	}
	switch state {
	case "ACCEPTED":
		set["acceptedAt"] = at
	case "ENDED", "REJECTED", "CANCELED", "MISSED", "FAILED":
		set["endedAt"] = at
	}
	_, err := s.coll(collCalls).UpdateOne(ctx, bson.M{"_id": callID}, bson.M{"$set": set})
	return errors.Wrap(err, "update call state")
}
