package mongostore

import (
	"context"
	"time"

	accountdomain "github.com/smallbiznis/creditmeter/internal/account/domain"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func (s *Store) InsertAccountIfAbsent(ctx context.Context, account *accountdomain.CreditAccount) (bool, error) {
	res, err := s.accounts.UpdateOne(ctx,
		bson.M{"_id": account.UserID},
		bson.M{"$setOnInsert": toAccountModel(account)},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, wrapErr("insert account", err)
	}
	return res.UpsertedCount > 0, nil
}

func (s *Store) GetAccount(ctx context.Context, userID string) (*accountdomain.CreditAccount, error) {
	var m accountModel
	if err := s.accounts.FindOne(ctx, bson.M{"_id": userID}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, accountdomain.ErrAccountNotFound
		}
		return nil, wrapErr("get account", err)
	}
	return fromAccountModel(&m), nil
}

func (s *Store) ApplyAccountDelta(ctx context.Context, userID string, delta int64, now time.Time) (*accountdomain.CreditAccount, error) {
	filter := bson.M{
		"_id":               userID,
		"available_credits": bson.M{"$gte": delta},
		"used_credits":      bson.M{"$gte": -delta},
	}
	update := bson.M{
		"$inc": bson.M{
			"used_credits":      delta,
			"available_credits": -delta,
			"version":           int64(1),
		},
		"$set": bson.M{"updated_at": now.UTC()},
	}

	var m accountModel
	err := s.accounts.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err == nil {
		return fromAccountModel(&m), nil
	}
	if !isNoDocuments(err) {
		return nil, wrapErr("apply delta", err)
	}

	account, err := s.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if delta > 0 {
		return account, accountdomain.ErrInsufficientCredits
	}
	return account, accountdomain.ErrNegativeUsage
}

func (s *Store) ResetAccount(ctx context.Context, userID string, spec accountdomain.ResetSpec, now time.Time) (*accountdomain.CreditAccount, error) {
	set := bson.M{
		"plan_tier":         spec.PlanTier,
		"total_credits":     spec.TotalCredits,
		"used_credits":      int64(0),
		"available_credits": spec.TotalCredits,
		"last_reset":        spec.LastReset.UTC(),
		"updated_at":        now.UTC(),
	}
	update := bson.M{
		"$set": set,
		"$inc": bson.M{"version": int64(1)},
	}
	if spec.ExpiresAt != nil {
		set["expires_at"] = spec.ExpiresAt.UTC()
	} else {
		update["$unset"] = bson.M{"expires_at": ""}
	}

	var m accountModel
	err := s.accounts.FindOneAndUpdate(ctx,
		bson.M{"_id": userID, "expires_at": bson.M{"$lte": now.UTC()}},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err == nil {
		return fromAccountModel(&m), nil
	}
	if !isNoDocuments(err) {
		return nil, wrapErr("reset account", err)
	}

	account, err := s.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	return account, accountdomain.ErrResetNotDue
}

func (s *Store) ListAccountsDueForReset(ctx context.Context, now time.Time, afterUserID string, limit int) ([]accountdomain.CreditAccount, error) {
	return s.findAccounts(ctx, "list due accounts", bson.M{
		"_id":        bson.M{"$gt": afterUserID},
		"expires_at": bson.M{"$lte": now.UTC()},
	}, limit)
}

func (s *Store) ListAccounts(ctx context.Context, afterUserID string, limit int) ([]accountdomain.CreditAccount, error) {
	return s.findAccounts(ctx, "list accounts", bson.M{"_id": bson.M{"$gt": afterUserID}}, limit)
}

func (s *Store) findAccounts(ctx context.Context, op string, filter bson.M, limit int) ([]accountdomain.CreditAccount, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cursor, err := s.accounts.Find(ctx, filter, opts)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	var models []accountModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, wrapErr(op, err)
	}
	out := make([]accountdomain.CreditAccount, 0, len(models))
	for i := range models {
		out = append(out, *fromAccountModel(&models[i]))
	}
	return out, nil
}
