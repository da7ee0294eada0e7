// Package authority issues blind signatures to eligible voters, at most once
// per voter.
package authority

import (
	"math/big"

	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"

	"voting-ledger/encryption"
	"voting-ledger/registry"
)

var (
	ErrNotEligible          = xerrors.New("voter is not eligible")
	ErrAlreadyIssued        = xerrors.New("credential already issued to voter")
	ErrAuthorityUnavailable = xerrors.New("signing authority unavailable")
	ErrInvalidBlinded       = xerrors.New("blinded value outside (0, n)")
)

// Authority owns one election's signing key. It checks the voter before
// signing because the blinded value reveals nothing it could check later.
type Authority struct {
	keys     *Keys
	registry registry.Registry
	issued   *IssuanceLog
}

func New(keys *Keys, reg registry.Registry, issued *IssuanceLog) *Authority {
	if issued == nil {
		issued = &IssuanceLog{issued: newSet()}
	}
	return &Authority{keys: keys, registry: reg, issued: issued}
}

// PublicKey returns the verification key handed to voters and to the
// ledger boundary.
func (a *Authority) PublicKey() *encryption.PublicKey {
	pub := a.keys.Blind.Public
	return &encryption.PublicKey{N: new(big.Int).Set(pub.N), E: new(big.Int).Set(pub.E)}
}

func (a *Authority) Admin() *AdminKey {
	return a.keys.Admin
}

// SignBlinded signs blinded for voterID if the voter is eligible and has not
// been served yet.
func (a *Authority) SignBlinded(voterID string, blinded *big.Int) (*big.Int, error) {
	if blinded == nil || blinded.Sign() <= 0 || blinded.Cmp(a.keys.Blind.Public.N) >= 0 {
		return nil, ErrInvalidBlinded
	}
	if err := a.registry.CheckEligible(voterID); err != nil {
		log.Info().Err(err).Msg("credential refused")
		return nil, xerrors.Errorf("%v: %w", err, ErrNotEligible)
	}

	var signed *big.Int
	err := a.issued.issue(voterID, func() error {
		var err error
		signed, err = encryption.SignBlinded(&a.keys.Blind.Private, blinded)
		return err
	})
	if err != nil {
		if xerrors.Is(err, ErrAlreadyIssued) {
			log.Info().Msg("credential refused: already issued")
		}
		return nil, err
	}

	log.Info().Int("issued", a.issued.Len()).Msg("blind signature issued")
	return signed, nil
}

func (a *Authority) Issued() int {
	return a.issued.Len()
}
