package service

import (
	"crypto/rand"
	"io"
	"math/big"

	"golang.org/x/xerrors"

	"voting-ledger/models"
)

// Anonymizer breaks the link between submission order and block order.
type Anonymizer struct {
	random io.Reader
}

// NewAnonymizer creates an anonymizer drawing from random, or crypto/rand when nil.
func NewAnonymizer(random io.Reader) *Anonymizer {
	if random == nil {
		random = rand.Reader
	}
	return &Anonymizer{random: random}
}

// Shuffle returns a uniformly permuted copy of txs (Fisher-Yates over
// crypto/rand) whose timestamps are all set to sealedAt.
func (a *Anonymizer) Shuffle(txs []models.Transaction, sealedAt int64) ([]models.Transaction, error) {
	out := make([]models.Transaction, len(txs))
	copy(out, txs)

	for i := len(out) - 1; i > 0; i-- {
		j, err := rand.Int(a.random, big.NewInt(int64(i+1)))
		if err != nil {
			return nil, xerrors.Errorf("shuffle: %w", err)
		}
		out[i], out[j.Int64()] = out[j.Int64()], out[i]
	}
	for i := range out {
		out[i].Timestamp = sealedAt
	}
	return out, nil
}
