// Package context carries request-scoped identifiers that logs and spans share.
package context

import (
	"context"
	"strings"
)

// Gin context keys handlers set so request logs and spans can carry them.
const (
	GinKeyFeature = "feature"
	GinKeyUserID  = "user_id"
)

type fieldsKey struct{}

// Fields are the identifiers attached to one request or job run.
type Fields struct {
	RequestID string
	UserID    string
	ActorType string
	ActorID   string
}

// Get returns the fields stored on ctx, or the zero value.
func Get(ctx context.Context) Fields {
	if ctx == nil {
		return Fields{}
	}
	f, _ := ctx.Value(fieldsKey{}).(Fields)
	return f
}

func with(ctx context.Context, update func(*Fields)) context.Context {
	if ctx == nil {
		return ctx
	}
	f := Get(ctx)
	update(&f)
	return context.WithValue(ctx, fieldsKey{}, f)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return with(ctx, func(f *Fields) { f.RequestID = requestID })
}

// WithUserID tags the context with the metered user.
func WithUserID(ctx context.Context, userID string) context.Context {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ctx
	}
	return with(ctx, func(f *Fields) { f.UserID = userID })
}

// WithActor records who initiated the work, e.g. ("system", "scheduler").
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	if actorType == "" && actorID == "" {
		return ctx
	}
	return with(ctx, func(f *Fields) {
		f.ActorType = actorType
		f.ActorID = actorID
	})
}

func RequestIDFromContext(ctx context.Context) string {
	return Get(ctx).RequestID
}
