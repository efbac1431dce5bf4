package context

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFieldsAccumulateWithoutMutatingParent(t *testing.T) {
	parent := WithRequestID(context.Background(), " req-1 ")
	child := WithActor(WithUserID(parent, "user-7"), "system", "scheduler")

	assert.Equal(t, Fields{RequestID: "req-1"}, Get(parent))
	assert.Equal(t, Fields{
		RequestID: "req-1",
		UserID:    "user-7",
		ActorType: "system",
		ActorID:   "scheduler",
	}, Get(child))
}

func TestBlankValuesAreIgnored(t *testing.T) {
	ctx := WithUserID(WithRequestID(context.Background(), "  "), "")
	assert.Equal(t, Fields{}, Get(ctx))
}
