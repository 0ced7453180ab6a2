package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/summitlabs/bastion/internal/models"
)

func testUser() *models.User {
	return &models.User{
		ID:       "user-1",
		TenantID: "tenant-1",
		Email:    "user@example.com",
		Role:     "user",
		Status:   "active",
	}
}

func TestGenerateAndValidateToken(t *testing.T) {
	tm := NewTokenManager("test-secret", 15*time.Minute)

	token, err := tm.GenerateToken(testUser())
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := tm.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "tenant-1", claims.TenantID)
	assert.Equal(t, "user@example.com", claims.Email)
	assert.Equal(t, "user", claims.Role)
	assert.NotEmpty(t, claims.ID)
}

func TestValidateTokenWrongSecret(t *testing.T) {
	tm := NewTokenManager("test-secret", 15*time.Minute)

	token, err := tm.GenerateToken(testUser())
	require.NoError(t, err)

	other := NewTokenManager("different-secret", 15*time.Minute)
	_, err = other.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateExpiredToken(t *testing.T) {
	tm := NewTokenManager("test-secret", -1*time.Minute)

	token, err := tm.GenerateToken(testUser())
	require.NoError(t, err)

	_, err = tm.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateGarbageToken(t *testing.T) {
	tm := NewTokenManager("test-secret", 15*time.Minute)

	_, err := tm.ValidateToken("not-a-token")
	assert.Error(t, err)
}

func TestUniqueTokenIDs(t *testing.T) {
	tm := NewTokenManager("test-secret", 15*time.Minute)

	first, err := tm.GenerateToken(testUser())
	require.NoError(t, err)
	second, err := tm.GenerateToken(testUser())
	require.NoError(t, err)

	a, err := tm.ValidateToken(first)
	require.NoError(t, err)
	b, err := tm.ValidateToken(second)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}
