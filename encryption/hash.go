package encryption

import (
	"crypto/sha256"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
	"golang.org/x/xerrors"
)

// HashFunc digests the concatenation of its arguments. Merkle leaves, block
// hashes, transaction ids and commitments all go through a HashFunc so the
// algorithm can be swapped without touching the callers.
type HashFunc func(data ...[]byte) []byte

const (
	HashSHA256    = "sha256"
	HashKeccak256 = "keccak256"
	HashSHA3_256  = "sha3-256"
)

var ErrUnknownHash = xerrors.New("unknown hash algorithm")

// SHA256 is the default hash of the ledger.
func SHA256(data ...[]byte) []byte {
	h := sha256.New()
	for _, b := range data {
		h.Write(b)
	}
	return h.Sum(nil)
}

// Keccak256 computes the legacy Keccak-256 digest used by Ethereum.
func Keccak256(data ...[]byte) []byte {
	return crypto.Keccak256(data...)
}

// SHA3_256 computes the FIPS-202 SHA3-256 digest.
func SHA3_256(data ...[]byte) []byte {
	h := sha3.New256()
	for _, b := range data {
		h.Write(b)
	}
	return h.Sum(nil)
}

// HashFuncByName resolves a configured algorithm name.
func HashFuncByName(name string) (HashFunc, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", HashSHA256:
		return SHA256, nil
	case HashKeccak256:
		return Keccak256, nil
	case HashSHA3_256:
		return SHA3_256, nil
	default:
		return nil, xerrors.Errorf("hash %q: %w", name, ErrUnknownHash)
	}
}
