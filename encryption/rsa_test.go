package encryption

import (
	"crypto/rand"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

func TestModPow_SmallValues(t *testing.T) {
	r, err := ModPow(big.NewInt(4), big.NewInt(13), big.NewInt(497))
	require.NoError(t, err)
	require.Equal(t, int64(445), r.Int64())

	r, err = ModPow(big.NewInt(7), big.NewInt(0), big.NewInt(13))
	require.NoError(t, err)
	require.Equal(t, int64(1), r.Int64())

	_, err = ModPow(big.NewInt(2), big.NewInt(3), big.NewInt(0))
	require.ErrorIs(t, err, ErrInvalidModulus)

	_, err = ModPow(big.NewInt(2), big.NewInt(-1), big.NewInt(7))
	require.ErrorIs(t, err, ErrNegativeExponent)
}

func TestModInverse(t *testing.T) {
	inv, err := ModInverse(big.NewInt(3), big.NewInt(11))
	require.NoError(t, err)
	require.Equal(t, int64(4), inv.Int64())

	inv, err = ModInverse(big.NewInt(17), big.NewInt(3120))
	require.NoError(t, err)
	require.Equal(t, int64(2753), inv.Int64())

	_, err = ModInverse(big.NewInt(6), big.NewInt(9))
	require.ErrorIs(t, err, ErrNotInvertible)
}

func TestKeyPairFromPrimes_AdjustsExponent(t *testing.T) {
	// phi = 60*52 = 3120 = 2^4 * 3 * 5 * 13, so e = 3 and e = 5 are rejected
	kp, err := keyPairFromPrimes(big.NewInt(61), big.NewInt(53), big.NewInt(3))
	require.NoError(t, err)
	require.Equal(t, int64(7), kp.Public.E.Int64())
	require.Equal(t, int64(3233), kp.Public.N.Int64())

	phi := big.NewInt(3120)
	check := new(big.Int).Mul(kp.Public.E, kp.Private.D)
	require.Equal(t, int64(1), check.Mod(check, phi).Int64())
}

func TestGenerateKeyPair(t *testing.T) {
	kp := sharedKey(t)

	require.Equal(t, MinKeyBits, kp.Public.N.BitLen())
	require.Equal(t, 0, kp.Public.N.Cmp(kp.Private.N))
	require.Equal(t, 0, new(big.Int).Mul(kp.Private.P, kp.Private.Q).Cmp(kp.Public.N))
	require.True(t, kp.Private.P.ProbablyPrime(20))
	require.True(t, kp.Private.Q.ProbablyPrime(20))
	require.NoError(t, kp.Public.Validate())

	phi := new(big.Int).Mul(
		new(big.Int).Sub(kp.Private.P, big.NewInt(1)),
		new(big.Int).Sub(kp.Private.Q, big.NewInt(1)))
	ed := new(big.Int).Mul(kp.Public.E, kp.Private.D)
	require.Equal(t, int64(1), ed.Mod(ed, phi).Int64())
}

func TestGenerateKeyPair_TooSmall(t *testing.T) {
	_, err := GenerateKeyPair(rand.Reader, 512)
	require.ErrorIs(t, err, ErrKeyTooSmall)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	kp := sharedKey(t)

	m := big.NewInt(424242)
	c, err := Encrypt(m, &kp.Public)
	require.NoError(t, err)
	require.NotEqual(t, 0, c.Cmp(m))

	got, err := Decrypt(c, &kp.Private)
	require.NoError(t, err)
	require.Equal(t, 0, got.Cmp(m))
}

func TestEncrypt_OutOfRange(t *testing.T) {
	kp := sharedKey(t)

	_, err := Encrypt(big.NewInt(-1), &kp.Public)
	require.ErrorIs(t, err, ErrMessageOutOfRange)

	_, err = Encrypt(new(big.Int).Set(kp.Public.N), &kp.Public)
	require.ErrorIs(t, err, ErrMessageOutOfRange)

	_, err = Decrypt(new(big.Int).Add(kp.Private.N, big.NewInt(1)), &kp.Private)
	require.ErrorIs(t, err, ErrMessageOutOfRange)
}

func TestPublicKey_JSON(t *testing.T) {
	kp := sharedKey(t)

	buf, err := json.Marshal(kp.Public)
	require.NoError(t, err)
	require.Contains(t, string(buf), `"e":"`+hexutil.Encode(kp.Public.E.Bytes())+`"`)

	var decoded PublicKey
	require.NoError(t, json.Unmarshal(buf, &decoded))
	require.True(t, decoded.Equal(&kp.Public))

	require.Error(t, json.Unmarshal([]byte(`{"n":"0x0b"}`), &decoded))
}
