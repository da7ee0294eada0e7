package models

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"voting-ledger/encryption"
)

func TestVoteTransaction(t *testing.T) {
	h := encryption.SHA256
	sig := []byte{0x01, 0x02, 0x03}

	tx, err := NewVoteTransaction(h, "2", "VOTE:2:abcd", sig, 5)
	require.NoError(t, err)
	require.Empty(t, tx.Sender)
	require.Equal(t, "2", tx.Receiver)
	require.Equal(t, TxVote, tx.Type)
	require.Equal(t, VoteTransactionID(h, "VOTE:2:abcd", sig), tx.ID)

	again, err := NewVoteTransaction(h, "2", "VOTE:2:abcd", sig, 9)
	require.NoError(t, err)
	require.Equal(t, tx.ID, again.ID)

	other, err := NewVoteTransaction(h, "2", "VOTE:2:abcd", []byte{0x01, 0x02, 0x04}, 5)
	require.NoError(t, err)
	require.NotEqual(t, tx.ID, other.ID)

	p, err := DecodeVotePayload(tx)
	require.NoError(t, err)
	require.Equal(t, "VOTE:2:abcd", p.Ballot)
	require.Equal(t, sig, []byte(p.Signature))
	require.Contains(t, tx.Payload, `"signature":"0x010203"`)
}

func TestVoteTransaction_Rejects(t *testing.T) {
	h := encryption.SHA256
	_, err := NewVoteTransaction(h, "2", "", []byte{1}, 0)
	require.Error(t, err)
	_, err = NewVoteTransaction(h, "2", "VOTE:2:aa", nil, 0)
	require.Error(t, err)
	_, err = NewVoteTransaction(h, "", "VOTE:2:aa", []byte{1}, 0)
	require.True(t, xerrors.Is(err, ErrVoteMissingCandidate))
}

func TestTransaction_Validate(t *testing.T) {
	tx := NewTransaction(TxStartElection, "admin", "", `{"election_id":"e1"}`, 1)
	require.NoError(t, tx.Validate())
	require.NotEmpty(t, tx.ID)

	bad := tx
	bad.ID = ""
	require.True(t, xerrors.Is(bad.Validate(), ErrMissingTransactionID))

	bad = tx
	bad.Type = "MINT"
	require.True(t, xerrors.Is(bad.Validate(), ErrUnknownTransaction))

	vote := Transaction{ID: "x", Sender: "voter-7", Receiver: "1", Type: TxVote}
	require.True(t, xerrors.Is(vote.Validate(), ErrVoteHasSender))
}

func TestCanonicalBytes(t *testing.T) {
	a := Transaction{ID: "ab", Sender: "c", Type: TxVote, Timestamp: 1}
	b := Transaction{ID: "a", Sender: "bc", Type: TxVote, Timestamp: 1}
	require.NotEqual(t, a.CanonicalBytes(), b.CanonicalBytes())

	c := a
	c.Timestamp = 2
	require.NotEqual(t, a.CanonicalBytes(), c.CanonicalBytes())
	require.Equal(t, a.CanonicalBytes(), a.CanonicalBytes())
}
