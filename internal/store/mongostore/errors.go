package mongostore

import (
	"context"
	"errors"
	"fmt"

	storedomain "github.com/smallbiznis/creditmeter/internal/store/domain"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// isTransient reports driver failures that may succeed on retry.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		return se.HasErrorLabel("TransientTransactionError") ||
			se.HasErrorLabel("UnknownTransactionCommitResult") ||
			se.HasErrorLabel("RetryableWriteError")
	}
	return false
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return fmt.Errorf("mongostore %s: %w: %w", op, storedomain.ErrTransient, err)
	}
	return fmt.Errorf("mongostore %s: %w", op, err)
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}
