package store

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type counterDoc struct {
	ID  string `bson:"_id"`
	Seq int64  `bson:"seq"`
}

// NextSeq advances the conversation's counter and returns the new value in
// one round trip. FindOneAndUpdate with $inc is linearizable on a single
// document, so concurrent senders across instances never see gaps or repeats.
func (s *Store) NextSeq(ctx context.Context, conversationID string) (int64, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)
	var doc counterDoc
	err := s.coll(collCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		opts).Decode(&doc)
	if err != nil {
		return 0, errors.Wrap(err, "next seq")
	}
	return doc.Seq, nil
}
