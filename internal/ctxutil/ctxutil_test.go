package ctxutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAutologCallMarker(t *testing.T) {
	ctx := context.Background()
	_, ok := InAutologCall(ctx)
	assert.False(t, ok)
	assert.Empty(t, RunIDFromContext(ctx))

	ctx = WithAutologCall(ctx, "keras", "abc123")
	flavor, ok := InAutologCall(ctx)
	assert.True(t, ok)
	assert.Equal(t, "keras", flavor)
	assert.Equal(t, "abc123", RunIDFromContext(ctx))
}
