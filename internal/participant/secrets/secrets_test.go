package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "idhub/pkg/domain"
	dErrors "idhub/pkg/domain-errors"
)

func TestAPIKeyCarriesParticipant(t *testing.T) {
	key, err := NewAPIKey("super-user")
	require.NoError(t, err)
	assert.True(t, WellFormed(key))

	pid, err := ParticipantOf(key)
	require.NoError(t, err)
	assert.Equal(t, id.ParticipantID("super-user"), pid)

	pid, err = ParticipantOf("c3VwZXItdXNlcg==.override-api-key")
	require.NoError(t, err)
	assert.Equal(t, id.ParticipantID("super-user"), pid)

	assert.False(t, WellFormed("invalid-key-without-dot"))
	assert.False(t, WellFormed("!!!.secret"))
}

func TestHashAndVerify(t *testing.T) {
	hash, err := Hash("s3cret")
	require.NoError(t, err)
	require.NoError(t, Verify("s3cret", hash))

	err = Verify("wrong", hash)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))

	_, err = Hash("")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func TestVaultAlias(t *testing.T) {
	assert.Equal(t, "super-user-apikey", VaultAlias("super-user"))
}

func TestAPIKeyHashHandlesLongKeys(t *testing.T) {
	key, err := NewAPIKey(id.NewParticipantID())
	require.NoError(t, err)
	require.Greater(t, len(key), 72)

	hash, err := HashAPIKey(key)
	require.NoError(t, err)
	require.NoError(t, VerifyAPIKey(key, hash))
	assert.Error(t, VerifyAPIKey(key+"x", hash))
}
