package statuslist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()

	revoked, err := l.IsRevoked(ctx, "urn:uuid:1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, l.Revoke(ctx, "urn:uuid:1"))
	require.NoError(t, l.Revoke(ctx, "urn:uuid:1"))
	revoked, err = l.IsRevoked(ctx, "urn:uuid:1")
	require.NoError(t, err)
	assert.True(t, revoked)
}
