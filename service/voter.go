package service

import (
	"context"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"

	"voting-ledger/authority"
	"voting-ledger/encryption"
)

var ErrInvalidAuthoritySignature = xerrors.New("authority returned an invalid signature")

// Signer is the voter's view of the signing authority.
type Signer interface {
	AuthorityKey(ctx context.Context) (*encryption.PublicKey, error)
	RequestSignature(ctx context.Context, credential string, blinded *big.Int) (*big.Int, error)
}

// Submitter is the voter's view of the ledger boundary.
type Submitter interface {
	Submit(ctx context.Context, ballot string, signature []byte) (*Receipt, error)
}

// LocalAuthority serves an in-process authority as a Signer.
type LocalAuthority struct {
	Authority *authority.Authority
}

func (l LocalAuthority) AuthorityKey(context.Context) (*encryption.PublicKey, error) {
	return l.Authority.PublicKey(), nil
}

func (l LocalAuthority) RequestSignature(ctx context.Context, credential string, blinded *big.Int) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.Authority.SignBlinded(credential, blinded)
}

// CastResult is what a voter keeps after casting. Ballot and Signature are
// enough to resubmit if the ledger was unreachable.
type CastResult struct {
	Ballot     string                     `json:"ballot"`
	Signature  hexutil.Bytes              `json:"signature"`
	Commitment *encryption.VoteCommitment `json:"commitment"`
	Receipt    *Receipt                   `json:"receipt,omitempty"`
}

// AnonymousVoter runs the client side of a vote: build a ballot, have it
// blind-signed against a credential, unblind, submit the ballot with no
// link back to the credential.
type AnonymousVoter struct {
	hash      encryption.HashFunc
	signer    Signer
	submitter Submitter
	random    io.Reader
	metrics   *MetricsCollector

	mu  sync.Mutex
	key *encryption.PublicKey
}

type VoterOption func(*AnonymousVoter)

func WithRandom(random io.Reader) VoterOption {
	return func(v *AnonymousVoter) { v.random = random }
}

func WithMetrics(m *MetricsCollector) VoterOption {
	return func(v *AnonymousVoter) { v.metrics = m }
}

func NewAnonymousVoter(hash encryption.HashFunc, signer Signer, submitter Submitter, opts ...VoterOption) *AnonymousVoter {
	v := &AnonymousVoter{hash: hash, signer: signer, submitter: submitter}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// AuthorityKey fetches the authority key once and caches it.
func (v *AnonymousVoter) AuthorityKey(ctx context.Context) (*encryption.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key != nil {
		return v.key, nil
	}
	key, err := v.signer.AuthorityKey(ctx)
	if err != nil {
		return nil, xerrors.Errorf("fetch authority key: %w", err)
	}
	if err := key.Validate(); err != nil {
		return nil, xerrors.Errorf("authority key: %w", err)
	}
	v.key = key
	return key, nil
}

// CastVote casts one vote for candidateID using credential. When signing
// succeeds but submission fails, the returned result still carries the
// signed ballot alongside the error.
func (v *AnonymousVoter) CastVote(ctx context.Context, credential, candidateID string) (*CastResult, error) {
	session := xid.New().String()
	logger := log.With().Str("session", session).Logger()

	key, err := v.AuthorityKey(ctx)
	if err != nil {
		return nil, err
	}

	ballot, err := NewBallot(candidateID)
	if err != nil {
		return nil, err
	}
	commitment, err := CreateVoteCommitment(v.hash, candidateID)
	if err != nil {
		return nil, err
	}

	blind, err := encryption.NewBlindSession(v.hash, key, []byte(ballot))
	if err != nil {
		return nil, err
	}
	blinded, err := blind.Blind(v.random)
	if err != nil {
		return nil, xerrors.Errorf("blind ballot: %w", err)
	}

	start := time.Now()
	signed, err := v.signer.RequestSignature(ctx, credential, blinded)
	if v.metrics != nil {
		v.metrics.RecordSigning(start, time.Since(start))
	}
	if err != nil {
		logger.Info().Err(err).Msg("signature request failed")
		return nil, err
	}

	if err := blind.SetSigned(signed); err != nil {
		return nil, xerrors.Errorf("%v: %w", err, ErrInvalidAuthoritySignature)
	}
	sig, err := blind.Unblind()
	if err != nil {
		return nil, xerrors.Errorf("%v: %w", err, ErrInvalidAuthoritySignature)
	}
	if !blind.Verify() {
		logger.Warn().Msg("unblinded signature does not verify")
		return nil, ErrInvalidAuthoritySignature
	}

	res := &CastResult{
		Ballot:     ballot,
		Signature:  sig.FillBytes(make([]byte, key.Size())),
		Commitment: commitment,
	}

	receipt, err := v.submitter.Submit(ctx, ballot, res.Signature)
	if err != nil {
		logger.Info().Err(err).Msg("ballot submission failed")
		return res, xerrors.Errorf("submit ballot: %w", err)
	}
	res.Receipt = receipt
	logger.Info().Str("tx", receipt.TransactionID).Bool("pending", receipt.Pending).Msg("vote cast")
	return res, nil
}
