package cryptox

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestResolveKeyIsStablePerUserAndDistinctAcrossUsers(t *testing.T) {
	resolver, err := NewHKDFKeyResolver(testMasterKey)
	require.NoError(t, err)

	first, err := resolver.ResolveKey(context.Background(), "user_1")
	require.NoError(t, err)
	again, err := resolver.ResolveKey(context.Background(), "user_1")
	require.NoError(t, err)
	other, err := resolver.ResolveKey(context.Background(), "user_2")
	require.NoError(t, err)

	require.Len(t, first, KeySize)
	require.Equal(t, first, again)
	require.NotEqual(t, first, other)
}

func TestNewHKDFKeyResolverRejectsBadMasterKeys(t *testing.T) {
	for _, raw := range []string{"", "zz", strings.Repeat("ab", 8)} {
		_, err := NewHKDFKeyResolver(raw)
		require.True(t, errors.Is(err, ErrInvalidKey), "expected ErrInvalidKey for %q, got %v", raw, err)
	}
}

func TestAESGCMRoundTripAndWrongKey(t *testing.T) {
	resolver, err := NewHKDFKeyResolver(testMasterKey)
	require.NoError(t, err)
	key, err := resolver.ResolveKey(context.Background(), "user_1")
	require.NoError(t, err)
	otherKey, err := resolver.ResolveKey(context.Background(), "user_2")
	require.NoError(t, err)

	sealed, err := AESGCM{}.Encrypt("remember this", key)
	require.NoError(t, err)
	require.NotContains(t, sealed, "remember")

	opened, err := AESGCM{}.Decrypt(sealed, key)
	require.NoError(t, err)
	require.Equal(t, "remember this", opened)

	_, err = AESGCM{}.Decrypt(sealed, otherKey)
	require.Error(t, err)
}

func TestAESGCMDecryptEdgeCases(t *testing.T) {
	key := make([]byte, KeySize)

	opened, err := AESGCM{}.Decrypt("", key)
	require.NoError(t, err)
	require.Empty(t, opened)

	_, err = AESGCM{}.Decrypt("AAAA", key)
	require.ErrorIs(t, err, ErrCiphertextTooShort)

	_, err = AESGCM{}.Decrypt("not base64!", key)
	require.Error(t, err)

	_, err = AESGCM{}.Decrypt("AAAA", key[:16])
	require.ErrorIs(t, err, ErrInvalidKey)
}
