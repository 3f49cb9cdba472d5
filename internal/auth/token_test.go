package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/fiberstack/fiber/internal/kv"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.New(kv.Config{Addr: mr.Addr()})
	require.NoError(t, store.LoadScripts(context.Background()))
	t.Cleanup(func() { store.Close() })

	return NewCodec("test-secret", "fiber", "fiber-dashboard", 15*time.Minute, 7*24*time.Hour, store)
}

func TestIssueAndVerifyTokens(t *testing.T) {
	codec := newTestCodec(t)

	pair, err := codec.IssueTokens("alice", RoleOperator)
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.Equal(t, RoleOperator, pair.Role)

	claims, err := codec.Verify(pair.AccessToken, TokenAccess)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
	require.Equal(t, RoleOperator, claims.Role)
	require.NotEmpty(t, claims.Jti)

	_, err = codec.Verify(pair.RefreshToken, TokenAccess)
	require.ErrorIs(t, err, ErrWrongTokenType)
}

func TestVerify_RejectsTamperedSignature(t *testing.T) {
	codec := newTestCodec(t)

	pair, err := codec.IssueTokens("alice", RoleAdmin)
	require.NoError(t, err)

	tampered := pair.AccessToken[:len(pair.AccessToken)-2] + "xx"
	_, err = codec.Verify(tampered, TokenAccess)
	require.Error(t, err)
}

func TestVerify_RejectsExpired(t *testing.T) {
	codec := newTestCodec(t)
	codec.accessTTL = -time.Second

	pair, err := codec.IssueTokens("alice", RoleAdmin)
	require.NoError(t, err)

	_, err = codec.Verify(pair.AccessToken, TokenAccess)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerify_RejectsWrongAudience(t *testing.T) {
	codec := newTestCodec(t)
	other := NewCodec("test-secret", "fiber", "someone-else", 15*time.Minute, 7*24*time.Hour, nil)

	pair, err := codec.IssueTokens("alice", RoleAdmin)
	require.NoError(t, err)

	_, err = other.Verify(pair.AccessToken, TokenAccess)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRevokeAndCheck(t *testing.T) {
	codec := newTestCodec(t)
	ctx := context.Background()

	pair, err := codec.IssueTokens("alice", RoleAdmin)
	require.NoError(t, err)

	claims, err := codec.VerifyAndCheckRevoked(ctx, pair.AccessToken, TokenAccess)
	require.NoError(t, err)

	require.NoError(t, codec.Revoke(ctx, claims))

	_, err = codec.VerifyAndCheckRevoked(ctx, pair.AccessToken, TokenAccess)
	require.ErrorIs(t, err, ErrTokenRevoked)
}

func TestRotateRefresh_RevokesOldJti(t *testing.T) {
	codec := newTestCodec(t)
	ctx := context.Background()

	pair, err := codec.IssueTokens("alice", RoleOperator)
	require.NoError(t, err)

	newPair, err := codec.RotateRefresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, pair.RefreshToken, newPair.RefreshToken)

	_, err = codec.RotateRefresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, ErrTokenRevoked, "reusing a rotated refresh token must be rejected as replay")
}

func TestSplitToken(t *testing.T) {
	require.Nil(t, splitToken("a.b"))
	require.Nil(t, splitToken("a.b.c.d"))
	require.Nil(t, splitToken("a..c"))
	require.Equal(t, []string{"a", "b", "c"}, splitToken("a.b.c"))
}
