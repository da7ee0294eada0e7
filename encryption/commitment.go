package encryption

import (
	"bytes"
	"crypto/rand"
	"io"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/xerrors"
)

// NonceSize is the length of commitment and ballot nonces.
const NonceSize = 32

// Reveal opens a commitment.
type Reveal struct {
	Vote  string        `json:"vote"`
	Nonce hexutil.Bytes `json:"nonce"`
}

// VoteCommitment hides a vote behind H(vote || nonce). The nonce has a fixed
// length so the concatenation is unambiguous.
type VoteCommitment struct {
	Commitment hexutil.Bytes `json:"commitment"`
	Reveal     Reveal        `json:"reveal"`
}

// GenerateNonce reads NonceSize random bytes.
func GenerateNonce(random io.Reader) ([]byte, error) {
	if random == nil {
		random = rand.Reader
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(random, nonce); err != nil {
		return nil, xerrors.Errorf("read nonce: %w", err)
	}
	return nonce, nil
}

// Commit builds a commitment to vote with a fresh nonce.
func Commit(hash HashFunc, random io.Reader, vote string) (*VoteCommitment, error) {
	if vote == "" {
		return nil, ErrEmptyMessage
	}
	nonce, err := GenerateNonce(random)
	if err != nil {
		return nil, err
	}
	return &VoteCommitment{
		Commitment: hash([]byte(vote), nonce),
		Reveal:     Reveal{Vote: vote, Nonce: nonce},
	}, nil
}

// VerifyCommitment reports whether reveal opens commitment.
func VerifyCommitment(hash HashFunc, commitment []byte, reveal Reveal) bool {
	if len(commitment) == 0 || len(reveal.Nonce) != NonceSize || reveal.Vote == "" {
		return false
	}
	return bytes.Equal(hash([]byte(reveal.Vote), reveal.Nonce), commitment)
}
