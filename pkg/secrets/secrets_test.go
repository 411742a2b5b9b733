package secrets

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Setenv("TEST_SECRETS_KEY", "correct-horse-battery-staple")
	store := NewStore("TEST_SECRETS_KEY")

	stored, err := store.Encrypt("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", stored)
	assert.Equal(t, "hunter2", store.Decrypt(stored))
}

func TestEncryptMissingKey(t *testing.T) {
	require.NoError(t, os.Unsetenv("UNSET_SECRETS_KEY"))
	store := NewStore("UNSET_SECRETS_KEY")
	_, err := store.Encrypt("hunter2")
	assert.ErrorIs(t, err, ErrSecretsKeyMissing)
}

func TestDecryptLegacyPlaintext(t *testing.T) {
	store := NewStore("IRRELEVANT_KEY")
	assert.Equal(t, "plain-old-value", store.Decrypt("plain-old-value"))
}

func TestDecryptWrongKeyFails(t *testing.T) {
	t.Setenv("TEST_SECRETS_KEY_A", "key-a")
	storeA := NewStore("TEST_SECRETS_KEY_A")
	stored, err := storeA.Encrypt("hunter2")
	require.NoError(t, err)

	t.Setenv("TEST_SECRETS_KEY_B", "key-b")
	storeB := NewStore("TEST_SECRETS_KEY_B")
	assert.Equal(t, "", storeB.Decrypt(stored))
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("sup3r-secret")
	require.NoError(t, err)
	assert.True(t, VerifyPassword("sup3r-secret", hash))
	assert.False(t, VerifyPassword("wrong", hash))
}

func TestVerifyPasswordRejectsOtherScheme(t *testing.T) {
	assert.False(t, VerifyPassword("anything", `{"scheme":"bcrypt","hash":"x"}`))
}
