package models

import (
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

type keySigner struct {
	key *ecdsa.PrivateKey
}

func newKeySigner(t *testing.T) *keySigner {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &keySigner{key: key}
}

func (s *keySigner) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

func (s *keySigner) SignDigest(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, s.key)
}

func TestAdminTransaction_RoundTrip(t *testing.T) {
	admin := newKeySigner(t)

	tx, err := NewAdminTransaction(admin, TxAddCandidate, "3", CandidatePayload{CandidateID: "3", Name: "C"}, 1)
	require.NoError(t, err)
	require.Equal(t, admin.Address().Hex(), tx.Sender)
	require.NoError(t, tx.Validate())
	require.NoError(t, VerifyAdminTransaction(tx, admin.Address()))

	p, err := DecodeCandidatePayload(tx)
	require.NoError(t, err)
	require.Equal(t, "3", p.CandidateID)
	require.Equal(t, "C", p.Name)

	_, err = DecodeVotePayload(tx)
	require.True(t, xerrors.Is(err, ErrWrongPayloadType))
	_, err = DecodeElectionPayload(tx)
	require.True(t, xerrors.Is(err, ErrWrongPayloadType))

	end, err := NewAdminTransaction(admin, TxEndElection, "", ElectionPayload{ElectionID: "e"}, 2)
	require.NoError(t, err)
	e, err := DecodeElectionPayload(end)
	require.NoError(t, err)
	require.Equal(t, "e", e.ElectionID)
}

func TestAdminTransaction_RejectsForgery(t *testing.T) {
	admin := newKeySigner(t)
	mallory := newKeySigner(t)

	tx, err := NewAdminTransaction(mallory, TxAddCandidate, "9", CandidatePayload{CandidateID: "9"}, 1)
	require.NoError(t, err)
	require.True(t, xerrors.Is(VerifyAdminTransaction(tx, admin.Address()), ErrBadAdminSignature))

	// claims the admin as sender but carries mallory's signature
	tx.Sender = admin.Address().Hex()
	require.True(t, xerrors.Is(VerifyAdminTransaction(tx, admin.Address()), ErrBadAdminSignature))

	genuine, err := NewAdminTransaction(admin, TxAddCandidate, "1", CandidatePayload{CandidateID: "1"}, 1)
	require.NoError(t, err)
	genuine.Receiver = "2"
	require.True(t, xerrors.Is(VerifyAdminTransaction(genuine, admin.Address()), ErrBadAdminSignature))

	_, err = NewAdminTransaction(admin, TxVote, "1", CandidatePayload{}, 1)
	require.True(t, xerrors.Is(err, ErrUnknownTransaction))
}
