package models

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"voting-ledger/encryption"
)

type TxType string

const (
	TxVote          TxType = "VOTE"
	TxAddCandidate  TxType = "ADD_CANDIDATE"
	TxStartElection TxType = "START_ELECTION"
	TxEndElection   TxType = "END_ELECTION"
)

func (t TxType) Valid() bool {
	switch t {
	case TxVote, TxAddCandidate, TxStartElection, TxEndElection:
		return true
	}
	return false
}

var (
	ErrMissingTransactionID = xerrors.New("transaction id is empty")
	ErrUnknownTransaction   = xerrors.New("unknown transaction type")
	ErrVoteHasSender        = xerrors.New("vote transaction must not carry a sender")
	ErrVoteMissingCandidate = xerrors.New("vote transaction has no candidate")
)

// Transaction is a ledger entry. Values are copied in and out of blocks, so a
// Transaction held by a caller never aliases chain state.
type Transaction struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Payload   string `json:"payload"`
	Type      TxType `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// NewTransaction creates a non-vote transaction with a random id.
func NewTransaction(txType TxType, sender, receiver, payload string, timestamp int64) Transaction {
	return Transaction{
		ID:        uuid.New().String(),
		Sender:    sender,
		Receiver:  receiver,
		Payload:   payload,
		Type:      txType,
		Timestamp: timestamp,
	}
}

// NewVoteTransaction builds the anonymous transaction for a signed ballot.
// The sender stays empty and the id is derived from ballot and signature, so
// resubmitting the same pair yields the same id.
func NewVoteTransaction(hash encryption.HashFunc, candidateID, ballot string, signature []byte, timestamp int64) (Transaction, error) {
	payload, err := EncodeVotePayload(ballot, signature)
	if err != nil {
		return Transaction{}, err
	}
	tx := Transaction{
		ID:        VoteTransactionID(hash, ballot, signature),
		Receiver:  candidateID,
		Payload:   payload,
		Type:      TxVote,
		Timestamp: timestamp,
	}
	if err := tx.Validate(); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// VoteTransactionID is hex(H(ballot || 0x00 || signature)). Ballots never
// contain a zero byte, which keeps the split unambiguous.
func VoteTransactionID(hash encryption.HashFunc, ballot string, signature []byte) string {
	return hex.EncodeToString(hash([]byte(ballot), []byte{0}, signature))
}

func (tx Transaction) Validate() error {
	if tx.ID == "" {
		return ErrMissingTransactionID
	}
	if !tx.Type.Valid() {
		return xerrors.Errorf("type %q: %w", tx.Type, ErrUnknownTransaction)
	}
	if tx.Type == TxVote {
		if tx.Sender != "" {
			return ErrVoteHasSender
		}
		if tx.Receiver == "" {
			return ErrVoteMissingCandidate
		}
	}
	return nil
}

// CanonicalBytes is the Merkle leaf encoding: id, sender, receiver, type and
// payload each prefixed by a u32 big-endian length, then the timestamp as
// i64 big-endian.
func (tx Transaction) CanonicalBytes() []byte {
	buffer := new(bytes.Buffer)
	for _, field := range []string{tx.ID, tx.Sender, tx.Receiver, string(tx.Type), tx.Payload} {
		binary.Write(buffer, binary.BigEndian, uint32(len(field)))
		buffer.WriteString(field)
	}
	binary.Write(buffer, binary.BigEndian, tx.Timestamp)
	return buffer.Bytes()
}
