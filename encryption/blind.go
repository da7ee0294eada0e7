package encryption

import (
	"crypto/rand"
	"io"
	"math/big"

	"golang.org/x/xerrors"
)

// MaxBlindAttempts bounds the search for a blinding factor coprime with n.
// Running out means the modulus is unusable.
const MaxBlindAttempts = 32

var (
	ErrBlindingExhausted = xerrors.New("no invertible blinding factor found")
	ErrInvalidState      = xerrors.New("blind session step out of order")
	ErrEmptyMessage      = xerrors.New("message is empty")
	ErrInvalidFactor     = xerrors.New("blinding factor outside (1, n-1)")
)

// BlindState tracks the position of a BlindSession in the handshake.
type BlindState int

const (
	StateInit BlindState = iota
	StateBlinded
	StateSigned
	StateUnblinded
	StateVerified
)

func (s BlindState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateBlinded:
		return "BLINDED"
	case StateSigned:
		return "SIGNED"
	case StateUnblinded:
		return "UNBLINDED"
	case StateVerified:
		return "VERIFIED"
	default:
		return "UNKNOWN"
	}
}

// MessageRepresentative maps a message to the integer H(message) that gets
// signed. The digest must be smaller than n.
func MessageRepresentative(hash HashFunc, message []byte, pub *PublicKey) (*big.Int, error) {
	if len(message) == 0 {
		return nil, ErrEmptyMessage
	}
	m := new(big.Int).SetBytes(hash(message))
	if m.Cmp(pub.N) >= 0 {
		return nil, ErrMessageOutOfRange
	}
	return m, nil
}

// BlindingFactor draws r with 1 < r < n-1 and gcd(r, n) = 1.
func BlindingFactor(random io.Reader, pub *PublicKey) (*big.Int, error) {
	if random == nil {
		random = rand.Reader
	}
	// r = 2 + uniform[0, n-3) keeps r inside (1, n-1)
	span := new(big.Int).Sub(pub.N, big.NewInt(3))
	if span.Sign() <= 0 {
		return nil, ErrInvalidModulus
	}
	for i := 0; i < MaxBlindAttempts; i++ {
		r, err := rand.Int(random, span)
		if err != nil {
			return nil, xerrors.Errorf("draw blinding factor: %w", err)
		}
		r.Add(r, two)
		if new(big.Int).GCD(nil, nil, r, pub.N).Cmp(one) == 0 {
			return r, nil
		}
	}
	return nil, ErrBlindingExhausted
}

// BlindWithFactor computes m * r^e mod n.
func BlindWithFactor(m, r *big.Int, pub *PublicKey) (*big.Int, error) {
	if m.Sign() < 0 || m.Cmp(pub.N) >= 0 {
		return nil, ErrMessageOutOfRange
	}
	upper := new(big.Int).Sub(pub.N, one)
	if r.Cmp(one) <= 0 || r.Cmp(upper) >= 0 {
		return nil, ErrInvalidFactor
	}
	if new(big.Int).GCD(nil, nil, r, pub.N).Cmp(one) != 0 {
		return nil, ErrNotInvertible
	}
	re, err := ModPow(r, pub.E, pub.N)
	if err != nil {
		return nil, err
	}
	blinded := new(big.Int).Mul(m, re)
	return blinded.Mod(blinded, pub.N), nil
}

// SignBlinded is the authority side: blinded^d mod n. The signer learns
// nothing about m from the blinded value.
func SignBlinded(priv *PrivateKey, blinded *big.Int) (*big.Int, error) {
	if blinded == nil || blinded.Sign() <= 0 || blinded.Cmp(priv.N) >= 0 {
		return nil, ErrMessageOutOfRange
	}
	return ModPow(blinded, priv.D, priv.N)
}

// Unblind removes r: signedBlinded * r^-1 mod n.
func Unblind(signedBlinded, r *big.Int, pub *PublicKey) (*big.Int, error) {
	if signedBlinded == nil || signedBlinded.Sign() <= 0 || signedBlinded.Cmp(pub.N) >= 0 {
		return nil, ErrMessageOutOfRange
	}
	rInv, err := ModInverse(r, pub.N)
	if err != nil {
		return nil, err
	}
	sig := new(big.Int).Mul(signedBlinded, rInv)
	return sig.Mod(sig, pub.N), nil
}

// VerifyBlindSignature checks signature^e mod n == H(message). Wrong but
// well-formed inputs give false, never an error.
func VerifyBlindSignature(hash HashFunc, pub *PublicKey, message []byte, signature *big.Int) bool {
	if pub == nil || pub.N == nil || pub.E == nil || signature == nil {
		return false
	}
	if signature.Sign() <= 0 || signature.Cmp(pub.N) >= 0 {
		return false
	}
	m, err := MessageRepresentative(hash, message, pub)
	if err != nil {
		return false
	}
	recovered, err := ModPow(signature, pub.E, pub.N)
	if err != nil {
		return false
	}
	return recovered.Cmp(m) == 0
}

// BlindSession walks one message through INIT -> BLINDED -> SIGNED ->
// UNBLINDED -> VERIFIED. A session is single use: its blinding factor is
// wiped after unblinding and Blind cannot run twice.
type BlindSession struct {
	hash    HashFunc
	pub     *PublicKey
	message []byte
	state   BlindState

	r             *big.Int
	blinded       *big.Int
	signedBlinded *big.Int
	signature     *big.Int
}

func NewBlindSession(hash HashFunc, pub *PublicKey, message []byte) (*BlindSession, error) {
	if err := pub.Validate(); err != nil {
		return nil, xerrors.Errorf("blind session: %w", err)
	}
	if len(message) == 0 {
		return nil, ErrEmptyMessage
	}
	msg := make([]byte, len(message))
	copy(msg, message)
	return &BlindSession{hash: hash, pub: pub, message: msg, state: StateInit}, nil
}

func (s *BlindSession) State() BlindState {
	return s.state
}

// Blind draws a fresh factor and returns the value to send to the authority.
func (s *BlindSession) Blind(random io.Reader) (*big.Int, error) {
	if s.state != StateInit {
		return nil, xerrors.Errorf("blind in state %s: %w", s.state, ErrInvalidState)
	}
	m, err := MessageRepresentative(s.hash, s.message, s.pub)
	if err != nil {
		return nil, err
	}
	for i := 0; i < MaxBlindAttempts; i++ {
		r, err := BlindingFactor(random, s.pub)
		if err != nil {
			return nil, err
		}
		blinded, err := BlindWithFactor(m, r, s.pub)
		if xerrors.Is(err, ErrNotInvertible) || xerrors.Is(err, ErrInvalidFactor) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.r = r
		s.blinded = blinded
		s.state = StateBlinded
		return new(big.Int).Set(blinded), nil
	}
	return nil, ErrBlindingExhausted
}

// SetSigned records the authority's answer to Blind.
func (s *BlindSession) SetSigned(signedBlinded *big.Int) error {
	if s.state != StateBlinded {
		return xerrors.Errorf("accept signature in state %s: %w", s.state, ErrInvalidState)
	}
	if signedBlinded == nil || signedBlinded.Sign() <= 0 || signedBlinded.Cmp(s.pub.N) >= 0 {
		return ErrMessageOutOfRange
	}
	s.signedBlinded = new(big.Int).Set(signedBlinded)
	s.state = StateSigned
	return nil
}

// Unblind yields the signature over the original message.
func (s *BlindSession) Unblind() (*big.Int, error) {
	if s.state != StateSigned {
		return nil, xerrors.Errorf("unblind in state %s: %w", s.state, ErrInvalidState)
	}
	sig, err := Unblind(s.signedBlinded, s.r, s.pub)
	if err != nil {
		return nil, err
	}
	s.r.SetInt64(0)
	s.r = nil
	s.signature = sig
	s.state = StateUnblinded
	return new(big.Int).Set(sig), nil
}

// Verify checks the unblinded signature and moves to VERIFIED on success.
func (s *BlindSession) Verify() bool {
	if s.state != StateUnblinded && s.state != StateVerified {
		return false
	}
	if !VerifyBlindSignature(s.hash, s.pub, s.message, s.signature) {
		return false
	}
	s.state = StateVerified
	return true
}

// Signature returns the unblinded signature, or nil before Unblind.
func (s *BlindSession) Signature() *big.Int {
	if s.signature == nil {
		return nil
	}
	return new(big.Int).Set(s.signature)
}
