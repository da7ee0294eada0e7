package encryption

import (
	"crypto/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	testKeyOnce sync.Once
	testKey     *KeyPair
	testKeyErr  error
)

// sharedKey returns one 1024-bit key per test binary; generating a key per
// test makes the suite slow.
func sharedKey(t *testing.T) *KeyPair {
	t.Helper()
	testKeyOnce.Do(func() {
		testKey, testKeyErr = GenerateKeyPair(rand.Reader, MinKeyBits)
	})
	require.NoError(t, testKeyErr)
	return testKey
}
