package mongostore

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	usagelogdomain "github.com/smallbiznis/creditmeter/internal/usagelog/domain"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func sessionFilter(key usagelogdomain.SessionKey) bson.M {
	return bson.M{
		"user_id":    key.UserID,
		"feature":    key.Feature,
		"session_id": key.SessionID,
	}
}

func (s *Store) InsertEntry(ctx context.Context, entry *usagelogdomain.Entry) (bool, error) {
	res, err := s.entries.UpdateOne(ctx,
		sessionFilter(entry.Key()),
		bson.M{"$setOnInsert": toEntryModel(entry)},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, wrapErr("insert entry", err)
	}
	return res.UpsertedCount > 0, nil
}

func (s *Store) FindEntry(ctx context.Context, key usagelogdomain.SessionKey) (*usagelogdomain.Entry, error) {
	var m entryModel
	if err := s.entries.FindOne(ctx, sessionFilter(key)).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, usagelogdomain.ErrEntryNotFound
		}
		return nil, wrapErr("find entry", err)
	}
	return fromEntryModel(&m), nil
}

func (s *Store) SetEntryOutcome(ctx context.Context, key usagelogdomain.SessionKey, outcome usagelogdomain.Outcome, metadata map[string]any, at time.Time) (bool, error) {
	filter := sessionFilter(key)
	filter["outcome"] = string(usagelogdomain.OutcomePending)

	set := bson.M{
		"outcome":    string(outcome),
		"outcome_at": at.UTC(),
	}
	if metadata != nil {
		set["metadata"] = metadata
	}
	res, err := s.entries.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return false, wrapErr("set outcome", err)
	}
	return res.ModifiedCount > 0, nil
}

func (s *Store) SetEntryRefunded(ctx context.Context, key usagelogdomain.SessionKey, at time.Time) (bool, error) {
	filter := sessionFilter(key)
	filter["refunded"] = false

	res, err := s.entries.UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"refunded":    true,
		"refunded_at": at.UTC(),
	}})
	if err != nil {
		return false, wrapErr("set refunded", err)
	}
	return res.ModifiedCount > 0, nil
}

func (s *Store) SumActiveCost(ctx context.Context, userID string, since time.Time) (int64, error) {
	pipeline := bson.A{
		bson.M{"$match": bson.M{
			"user_id":     userID,
			"refunded":    false,
			"recorded_at": bson.M{"$gte": since.UTC()},
		}},
		bson.M{"$group": bson.M{
			"_id":   nil,
			"total": bson.M{"$sum": "$cost"},
		}},
	}
	cursor, err := s.entries.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, wrapErr("sum active cost", err)
	}
	var rows []struct {
		Total int64 `bson:"total"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return 0, wrapErr("sum active cost", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Total, nil
}

func (s *Store) ListEntries(ctx context.Context, userID string, beforeID snowflake.ID, limit int) ([]usagelogdomain.Entry, error) {
	filter := bson.M{"user_id": userID}
	if beforeID != 0 {
		filter["_id"] = bson.M{"$lt": beforeID.Int64()}
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cursor, err := s.entries.Find(ctx, filter, opts)
	if err != nil {
		return nil, wrapErr("list entries", err)
	}
	var models []entryModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, wrapErr("list entries", err)
	}
	out := make([]usagelogdomain.Entry, 0, len(models))
	for i := range models {
		out = append(out, *fromEntryModel(&models[i]))
	}
	return out, nil
}
