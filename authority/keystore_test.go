package authority

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"voting-ledger/encryption"
)

func TestKeys_SaveLoad(t *testing.T) {
	k := testKeys(t)
	path := filepath.Join(t.TempDir(), "keys", "authority.json")
	require.NoError(t, SaveKeys(path, k))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadKeys(path)
	require.NoError(t, err)
	require.True(t, k.Blind.Public.Equal(&loaded.Blind.Public))
	require.Equal(t, 0, k.Blind.Private.D.Cmp(loaded.Blind.Private.D))
	require.Equal(t, k.Admin.Address(), loaded.Admin.Address())
}

func TestLoadOrGenerateKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authority.json")

	first, err := LoadOrGenerateKeys(path, encryption.MinKeyBits)
	require.NoError(t, err)
	require.Equal(t, encryption.MinKeyBits, first.Blind.Public.N.BitLen())

	second, err := LoadOrGenerateKeys(path, encryption.MinKeyBits)
	require.NoError(t, err)
	require.True(t, first.Blind.Public.Equal(&second.Blind.Public))
	require.Equal(t, first.Admin.Address(), second.Admin.Address())
}

func TestLoadKeys_RejectsMismatchedKey(t *testing.T) {
	k := testKeys(t)
	path := filepath.Join(t.TempDir(), "authority.json")
	require.NoError(t, SaveKeys(path, k))

	var creds credentials
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &creds))
	creds.RSA.D = append([]byte{0x01}, creds.RSA.D...)
	data, err = json.Marshal(creds)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	_, err = LoadKeys(path)
	require.Error(t, err)

	_, err = LoadKeys(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
