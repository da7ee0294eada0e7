package models

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/xerrors"
)

var ErrWrongPayloadType = xerrors.New("payload does not belong to this transaction type")

// VotePayload is the public part of an anonymous vote.
type VotePayload struct {
	Ballot    string        `json:"ballot"`
	Signature hexutil.Bytes `json:"signature"`
}

// CandidatePayload announces a candidate that votes may name.
type CandidatePayload struct {
	CandidateID string `json:"candidate_id"`
	Name        string `json:"name"`
}

// ElectionPayload opens or closes an election.
type ElectionPayload struct {
	ElectionID string `json:"election_id"`
	EndsAt     int64  `json:"ends_at,omitempty"`
}

func EncodeVotePayload(ballot string, signature []byte) (string, error) {
	if ballot == "" {
		return "", xerrors.New("vote payload: empty ballot")
	}
	if len(signature) == 0 {
		return "", xerrors.New("vote payload: empty signature")
	}
	data, err := json.Marshal(VotePayload{Ballot: ballot, Signature: signature})
	if err != nil {
		return "", xerrors.Errorf("vote payload: %w", err)
	}
	return string(data), nil
}

func DecodeVotePayload(tx Transaction) (*VotePayload, error) {
	if tx.Type != TxVote {
		return nil, xerrors.Errorf("%s: %w", tx.Type, ErrWrongPayloadType)
	}
	var p VotePayload
	if err := json.Unmarshal([]byte(tx.Payload), &p); err != nil {
		return nil, xerrors.Errorf("decode vote payload %s: %w", tx.ID, err)
	}
	return &p, nil
}

func DecodeCandidatePayload(tx Transaction) (*CandidatePayload, error) {
	if tx.Type != TxAddCandidate {
		return nil, xerrors.Errorf("%s: %w", tx.Type, ErrWrongPayloadType)
	}
	env, err := decodeAdminEnvelope(tx)
	if err != nil {
		return nil, err
	}
	var p CandidatePayload
	if err := json.Unmarshal(env.Body, &p); err != nil {
		return nil, xerrors.Errorf("decode candidate payload %s: %w", tx.ID, err)
	}
	return &p, nil
}

func DecodeElectionPayload(tx Transaction) (*ElectionPayload, error) {
	if tx.Type != TxStartElection && tx.Type != TxEndElection {
		return nil, xerrors.Errorf("%s: %w", tx.Type, ErrWrongPayloadType)
	}
	env, err := decodeAdminEnvelope(tx)
	if err != nil {
		return nil, err
	}
	var p ElectionPayload
	if err := json.Unmarshal(env.Body, &p); err != nil {
		return nil, xerrors.Errorf("decode election payload %s: %w", tx.ID, err)
	}
	return &p, nil
}
