package identity_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loomd/internal/identity"
)

func TestIssueTokenRoundTripsProjectAndAgentScope(t *testing.T) {
	mgr, err := identity.NewManager("test-signing-key", time.Hour)
	require.NoError(t, err)

	token, exp, err := mgr.IssueToken(42, 7)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, exp.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.ProjectID)
	assert.Equal(t, int64(7), claims.AgentID)
}

func TestNewManagerGeneratesEphemeralKeyWhenEmpty(t *testing.T) {
	mgr, err := identity.NewManager("", time.Hour)
	require.NoError(t, err)

	token, _, err := mgr.IssueToken(1, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestValidateTokenRejectsTokenFromDifferentSigningKey(t *testing.T) {
	mgrA, err := identity.NewManager("key-a", time.Hour)
	require.NoError(t, err)
	mgrB, err := identity.NewManager("key-b", time.Hour)
	require.NoError(t, err)

	token, _, err := mgrA.IssueToken(1, 1)
	require.NoError(t, err)

	_, err = mgrB.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpiredToken(t *testing.T) {
	mgr, err := identity.NewManager("test-signing-key", time.Nanosecond)
	require.NoError(t, err)

	token, _, err := mgr.IssueToken(1, 1)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = mgr.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsGarbageInput(t *testing.T) {
	mgr, err := identity.NewManager("test-signing-key", time.Hour)
	require.NoError(t, err)

	_, err = mgr.ValidateToken("not-a-jwt")
	assert.Error(t, err)
}
