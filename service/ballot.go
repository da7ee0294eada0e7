package service

import (
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/xerrors"

	"voting-ledger/encryption"
)

// BallotPrefix starts every canonical ballot.
const BallotPrefix = "VOTE"

var (
	ErrMalformedCandidate = xerrors.New("candidate id must be a decimal number")
	ErrMalformedBallot    = xerrors.New("ballot is not canonical")

	candidatePattern = regexp.MustCompile(`^(0|[1-9][0-9]*)$`)
)

// ValidateCandidateID accepts decimal ids without sign or leading zeros, so
// every candidate has exactly one spelling.
func ValidateCandidateID(candidateID string) error {
	if !candidatePattern.MatchString(candidateID) {
		return xerrors.Errorf("%q: %w", candidateID, ErrMalformedCandidate)
	}
	return nil
}

// CreateCanonicalBallot returns "VOTE:<candidate>:<nonce as lowercase hex>".
// The nonce keeps two votes for the same candidate distinct.
func CreateCanonicalBallot(candidateID string, nonce []byte) (string, error) {
	if err := ValidateCandidateID(candidateID); err != nil {
		return "", err
	}
	if len(nonce) == 0 {
		return "", xerrors.Errorf("empty nonce: %w", ErrMalformedBallot)
	}
	return BallotPrefix + ":" + candidateID + ":" + hex.EncodeToString(nonce), nil
}

// NewBallot draws a fresh nonce and builds the ballot for candidateID.
func NewBallot(candidateID string) (string, error) {
	nonce, err := encryption.GenerateNonce(nil)
	if err != nil {
		return "", err
	}
	return CreateCanonicalBallot(candidateID, nonce)
}

// ParseBallot splits a canonical ballot. Anything CreateCanonicalBallot
// would not have produced is rejected.
func ParseBallot(ballot string) (candidateID string, nonce []byte, err error) {
	parts := strings.Split(ballot, ":")
	if len(parts) != 3 || parts[0] != BallotPrefix {
		return "", nil, xerrors.Errorf("%q: %w", ballot, ErrMalformedBallot)
	}
	if err := ValidateCandidateID(parts[1]); err != nil {
		return "", nil, xerrors.Errorf("%v: %w", err, ErrMalformedBallot)
	}
	nonce, err = hex.DecodeString(parts[2])
	if err != nil || len(nonce) == 0 || hex.EncodeToString(nonce) != parts[2] {
		return "", nil, xerrors.Errorf("%q: bad nonce: %w", ballot, ErrMalformedBallot)
	}
	return parts[1], nonce, nil
}

// CreateVoteCommitment commits to candidateID with a fresh nonce.
func CreateVoteCommitment(hash encryption.HashFunc, candidateID string) (*encryption.VoteCommitment, error) {
	if err := ValidateCandidateID(candidateID); err != nil {
		return nil, err
	}
	return encryption.Commit(hash, nil, candidateID)
}

// VerifyVoteCommitment reports whether c opens to a well-formed candidate.
func VerifyVoteCommitment(hash encryption.HashFunc, c *encryption.VoteCommitment) bool {
	if c == nil || ValidateCandidateID(c.Reveal.Vote) != nil {
		return false
	}
	return encryption.VerifyCommitment(hash, c.Commitment, c.Reveal)
}
