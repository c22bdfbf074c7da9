package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevAuthenticator(t *testing.T) {
	auth := DevAuthenticator{}

	userID, err := auth.Authenticate(context.Background(), "dev:user-alice")
	require.NoError(t, err)
	assert.Equal(t, "user-alice", userID)

	_, err = auth.Authenticate(context.Background(), "user-alice")
	require.Error(t, err)

	_, err = auth.Authenticate(context.Background(), "dev:")
	require.Error(t, err)
}

func TestHTTPAuthenticatorRejectsEmptyToken(t *testing.T) {
	auth := NewHTTPAuthenticator("http://app.internal/api/session")
	_, err := auth.Authenticate(context.Background(), "")
	require.Error(t, err)
}
