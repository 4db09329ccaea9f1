package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokens(t *testing.T, ttl time.Duration) *TokenService {
	t.Helper()
	store, _, _ := newTestStore(t)
	return NewTokenService(store, "test-secret", ttl)
}

func TestMintAndValidate(t *testing.T) {
	tokens := newTestTokens(t, time.Minute)
	ctx := context.Background()

	token, err := tokens.Mint(ctx, "u1", "ev1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	assert.NoError(t, tokens.Validate(ctx, token, "u1", "ev1"))
}

func TestValidateRejectsMismatchedUserOrEvent(t *testing.T) {
	tokens := newTestTokens(t, time.Minute)
	ctx := context.Background()

	token, err := tokens.Mint(ctx, "u1", "ev1")
	require.NoError(t, err)

	assert.ErrorIs(t, tokens.Validate(ctx, token, "u2", "ev1"), ErrBadEntryToken)
	assert.ErrorIs(t, tokens.Validate(ctx, token, "u1", "ev2"), ErrBadEntryToken)
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	tokens := newTestTokens(t, time.Minute)
	ctx := context.Background()

	token, err := tokens.Mint(ctx, "u1", "ev1")
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + "." + parts[1] + ".AAAA"
	assert.ErrorIs(t, tokens.Validate(ctx, tampered, "u1", "ev1"), ErrBadEntryToken)
	assert.ErrorIs(t, tokens.Validate(ctx, "", "u1", "ev1"), ErrBadEntryToken)
}

func TestValidateRejectsRevokedToken(t *testing.T) {
	tokens := newTestTokens(t, time.Minute)
	ctx := context.Background()

	token, err := tokens.Mint(ctx, "u1", "ev1")
	require.NoError(t, err)
	require.NoError(t, tokens.Drop(ctx, "u1"))

	assert.ErrorIs(t, tokens.Validate(ctx, token, "u1", "ev1"), ErrBadEntryToken)
}

func TestReMintSupersedesOldToken(t *testing.T) {
	tokens := newTestTokens(t, time.Minute)
	ctx := context.Background()

	first, err := tokens.Mint(ctx, "u1", "ev1")
	require.NoError(t, err)
	second, err := tokens.Mint(ctx, "u1", "ev1")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	// Only the latest stored copy passes the revocation check.
	assert.ErrorIs(t, tokens.Validate(ctx, first, "u1", "ev1"), ErrBadEntryToken)
	assert.NoError(t, tokens.Validate(ctx, second, "u1", "ev1"))
}
