package approval_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflowkernel/internal/approval"
	"workflowkernel/internal/domain"
)

func TestMintAndVerifyToken(t *testing.T) {
	id := uuid.New()
	token, err := approval.MintToken("secret", id)
	require.NoError(t, err)

	got, err := approval.VerifyToken("secret", token)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestVerifyToken_WrongKey(t *testing.T) {
	token, err := approval.MintToken("secret", uuid.New())
	require.NoError(t, err)

	_, err = approval.VerifyToken("other-secret", token)
	assert.ErrorIs(t, err, domain.ErrTokenInvalid)
}

func TestVerifyToken_Malformed(t *testing.T) {
	_, err := approval.VerifyToken("secret", "not-a-token")
	assert.ErrorIs(t, err, domain.ErrTokenInvalid)
}

func TestMintToken_FailsClosedWithoutSigningKey(t *testing.T) {
	_, err := approval.MintToken("", uuid.New())
	assert.ErrorIs(t, err, domain.ErrTokenInvalid)

	_, err = approval.VerifyToken("", "anything:at:all")
	assert.ErrorIs(t, err, domain.ErrTokenInvalid)
}

func TestMintToken_Unique(t *testing.T) {
	id := uuid.New()
	a, err := approval.MintToken("secret", id)
	require.NoError(t, err)
	b, err := approval.MintToken("secret", id)
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "two mints for the same approval must not collide")
}
