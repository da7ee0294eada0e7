package encryption

import (
	"crypto/rand"
	"encoding/json"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/xerrors"
)

const (
	DefaultKeyBits = 2048
	MinKeyBits     = 1024

	// DefaultPublicExponent is tried first; it is bumped by two until it is
	// coprime with phi(n).
	DefaultPublicExponent = 65537

	maxExponentAdjustments = 64
	maxPrimeAttempts       = 8
)

var (
	ErrKeyTooSmall       = xerrors.New("key size below minimum")
	ErrKeyGeneration     = xerrors.New("key generation failed")
	ErrMessageOutOfRange = xerrors.New("message outside [0, n)")
	ErrNotInvertible     = xerrors.New("value has no modular inverse")
	ErrInvalidModulus    = xerrors.New("modulus must be positive")
	ErrNegativeExponent  = xerrors.New("exponent must be non-negative")
)

var (
	one = big.NewInt(1)
	two = big.NewInt(2)
)

// PublicKey is the authority's verification key.
type PublicKey struct {
	N *big.Int
	E *big.Int
}

// PrivateKey carries the signing exponent. P and Q are kept so the key can
// be persisted and re-checked.
type PrivateKey struct {
	N *big.Int
	D *big.Int
	P *big.Int
	Q *big.Int
}

type KeyPair struct {
	Public  PublicKey
	Private PrivateKey
}

// Moduli exceed the 256-bit limit of hexutil.Big, so integers travel as
// big-endian hexutil.Bytes.
type publicKeyJSON struct {
	N hexutil.Bytes `json:"n"`
	E hexutil.Bytes `json:"e"`
}

func (pk PublicKey) MarshalJSON() ([]byte, error) {
	if pk.N == nil || pk.E == nil {
		return nil, xerrors.New("incomplete public key")
	}
	return json.Marshal(publicKeyJSON{N: pk.N.Bytes(), E: pk.E.Bytes()})
}

func (pk *PublicKey) UnmarshalJSON(data []byte) error {
	var aux publicKeyJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return xerrors.Errorf("decode public key: %w", err)
	}
	if len(aux.N) == 0 || len(aux.E) == 0 {
		return xerrors.New("public key requires n and e")
	}
	pk.N = new(big.Int).SetBytes(aux.N)
	pk.E = new(big.Int).SetBytes(aux.E)
	return nil
}

// Size returns the modulus length in bytes.
func (pk *PublicKey) Size() int {
	return (pk.N.BitLen() + 7) / 8
}

// Equal reports whether both keys share modulus and exponent.
func (pk *PublicKey) Equal(other *PublicKey) bool {
	if pk == nil || other == nil {
		return pk == other
	}
	return pk.N.Cmp(other.N) == 0 && pk.E.Cmp(other.E) == 0
}

// Validate checks the structural sanity of a key received from elsewhere.
func (pk *PublicKey) Validate() error {
	if pk == nil || pk.N == nil || pk.E == nil {
		return xerrors.New("public key is incomplete")
	}
	if pk.N.Sign() <= 0 || pk.N.Bit(0) == 0 {
		return xerrors.New("public modulus must be odd and positive")
	}
	if pk.E.Cmp(two) <= 0 || pk.E.Cmp(pk.N) >= 0 {
		return xerrors.New("public exponent out of range")
	}
	return nil
}

// GenerateKeyPair creates an RSA key with a modulus of the requested size.
// Primes come from crypto/rand.Prime (Miller-Rabin plus Baillie-PSW).
func GenerateKeyPair(random io.Reader, bits int) (*KeyPair, error) {
	if bits < MinKeyBits {
		return nil, xerrors.Errorf("%d bits: %w", bits, ErrKeyTooSmall)
	}
	if random == nil {
		random = rand.Reader
	}

	for attempt := 0; attempt < maxPrimeAttempts; attempt++ {
		p, err := rand.Prime(random, bits/2)
		if err != nil {
			return nil, xerrors.Errorf("generate p: %w", err)
		}
		q, err := rand.Prime(random, bits-bits/2)
		if err != nil {
			return nil, xerrors.Errorf("generate q: %w", err)
		}
		if p.Cmp(q) == 0 {
			continue
		}

		kp, err := keyPairFromPrimes(p, q, big.NewInt(DefaultPublicExponent))
		if xerrors.Is(err, ErrNotInvertible) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if kp.Public.N.BitLen() != bits {
			continue
		}
		return kp, nil
	}
	return nil, ErrKeyGeneration
}

// keyPairFromPrimes derives n, e and d. The exponent starts at e and moves
// to the next odd value while gcd(e, phi) != 1.
func keyPairFromPrimes(p, q, e *big.Int) (*KeyPair, error) {
	n := new(big.Int).Mul(p, q)
	phi := new(big.Int).Mul(
		new(big.Int).Sub(p, one),
		new(big.Int).Sub(q, one),
	)

	exp := new(big.Int).Set(e)
	for i := 0; i < maxExponentAdjustments; i++ {
		if exp.Cmp(phi) >= 0 {
			break
		}
		d, err := ModInverse(exp, phi)
		if err == nil {
			return &KeyPair{
				Public: PublicKey{N: n, E: new(big.Int).Set(exp)},
				Private: PrivateKey{
					N: new(big.Int).Set(n),
					D: d,
					P: new(big.Int).Set(p),
					Q: new(big.Int).Set(q),
				},
			}, nil
		}
		exp.Add(exp, two)
	}
	return nil, xerrors.Errorf("no public exponent coprime with phi: %w", ErrNotInvertible)
}

// ModPow computes base^exp mod m with arbitrary precision operands.
func ModPow(base, exp, m *big.Int) (*big.Int, error) {
	if m == nil || m.Sign() <= 0 {
		return nil, ErrInvalidModulus
	}
	if exp.Sign() < 0 {
		return nil, ErrNegativeExponent
	}
	b := new(big.Int).Mod(base, m)
	return new(big.Int).Exp(b, exp, m), nil
}

// ModInverse returns a^-1 mod m using the Bezout coefficient of the extended
// Euclidean algorithm.
func ModInverse(a, m *big.Int) (*big.Int, error) {
	if m == nil || m.Sign() <= 0 {
		return nil, ErrInvalidModulus
	}
	reduced := new(big.Int).Mod(a, m)
	x := new(big.Int)
	g := new(big.Int).GCD(x, nil, reduced, m)
	if g.Cmp(one) != 0 {
		return nil, ErrNotInvertible
	}
	return x.Mod(x, m), nil
}

// Encrypt computes m^e mod n.
func Encrypt(m *big.Int, pub *PublicKey) (*big.Int, error) {
	if m.Sign() < 0 || m.Cmp(pub.N) >= 0 {
		return nil, ErrMessageOutOfRange
	}
	return ModPow(m, pub.E, pub.N)
}

// Decrypt computes c^d mod n.
func Decrypt(c *big.Int, priv *PrivateKey) (*big.Int, error) {
	if c.Sign() < 0 || c.Cmp(priv.N) >= 0 {
		return nil, ErrMessageOutOfRange
	}
	return ModPow(c, priv.D, priv.N)
}
