package authority

import (
	"crypto/ecdsa"
	"io"
	"math/big"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"

	"voting-ledger/encryption"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// AdminKey signs election management transactions.
type AdminKey struct {
	key *ecdsa.PrivateKey
}

func GenerateAdminKey() (*AdminKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, xerrors.Errorf("generate admin key: %w", err)
	}
	return &AdminKey{key: key}, nil
}

func (a *AdminKey) Address() common.Address {
	return crypto.PubkeyToAddress(a.key.PublicKey)
}

func (a *AdminKey) SignDigest(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, a.key)
}

// Keys is everything an authority persists: the blind-signing RSA key and
// the admin key used for election management transactions.
type Keys struct {
	Blind *encryption.KeyPair
	Admin *AdminKey
}

// credentials is the on-disk form, written with mode 0600.
type credentials struct {
	RSA struct {
		N hexutil.Bytes `json:"n"`
		E hexutil.Bytes `json:"e"`
		D hexutil.Bytes `json:"d"`
		P hexutil.Bytes `json:"p"`
		Q hexutil.Bytes `json:"q"`
	} `json:"rsa"`
	AdminAddress    string `json:"admin_address"`
	AdminPrivateKey string `json:"admin_private_key"`
}

// GenerateKeys creates a fresh RSA key of bits and a fresh admin key.
func GenerateKeys(random io.Reader, bits int) (*Keys, error) {
	kp, err := encryption.GenerateKeyPair(random, bits)
	if err != nil {
		return nil, err
	}
	admin, err := GenerateAdminKey()
	if err != nil {
		return nil, err
	}
	return &Keys{Blind: kp, Admin: admin}, nil
}

// LoadOrGenerateKeys reads the credentials at path, or generates and writes
// new ones when the file does not exist.
func LoadOrGenerateKeys(path string, bits int) (*Keys, error) {
	keys, err := LoadKeys(path)
	if err == nil {
		return keys, nil
	}
	if !xerrors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	keys, err = GenerateKeys(nil, bits)
	if err != nil {
		return nil, err
	}
	if err := SaveKeys(path, keys); err != nil {
		return nil, err
	}
	log.Info().
		Str("file", path).
		Int("bits", keys.Blind.Public.N.BitLen()).
		Str("admin", keys.Admin.Address().Hex()).
		Msg("generated authority keys")
	return keys, nil
}

func LoadKeys(path string) (*Keys, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("read authority keys: %w", err)
	}

	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, xerrors.Errorf("parse authority keys: %w", err)
	}

	adminKey, err := crypto.HexToECDSA(trim0x(creds.AdminPrivateKey))
	if err != nil {
		return nil, xerrors.Errorf("restore admin key: %w", err)
	}

	n := new(big.Int).SetBytes(creds.RSA.N)
	kp := &encryption.KeyPair{
		Public: encryption.PublicKey{N: n, E: new(big.Int).SetBytes(creds.RSA.E)},
		Private: encryption.PrivateKey{
			N: new(big.Int).Set(n),
			D: new(big.Int).SetBytes(creds.RSA.D),
			P: new(big.Int).SetBytes(creds.RSA.P),
			Q: new(big.Int).SetBytes(creds.RSA.Q),
		},
	}
	if err := checkKeyPair(kp); err != nil {
		return nil, xerrors.Errorf("%s: %w", path, err)
	}

	keys := &Keys{Blind: kp, Admin: &AdminKey{key: adminKey}}
	if creds.AdminAddress != "" && !common.IsHexAddress(creds.AdminAddress) {
		return nil, xerrors.Errorf("%s: malformed admin address %q", path, creds.AdminAddress)
	}
	if creds.AdminAddress != "" && common.HexToAddress(creds.AdminAddress) != keys.Admin.Address() {
		return nil, xerrors.Errorf("%s: admin address does not match admin key", path)
	}
	return keys, nil
}

func SaveKeys(path string, keys *Keys) error {
	var creds credentials
	creds.RSA.N = keys.Blind.Public.N.Bytes()
	creds.RSA.E = keys.Blind.Public.E.Bytes()
	creds.RSA.D = keys.Blind.Private.D.Bytes()
	creds.RSA.P = keys.Blind.Private.P.Bytes()
	creds.RSA.Q = keys.Blind.Private.Q.Bytes()
	creds.AdminAddress = keys.Admin.Address().Hex()
	creds.AdminPrivateKey = hexutil.Encode(crypto.FromECDSA(keys.Admin.key))

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return xerrors.Errorf("encode authority keys: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return xerrors.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return xerrors.Errorf("write authority keys: %w", err)
	}
	return nil
}

// checkKeyPair rejects a stored key whose parts do not fit together.
func checkKeyPair(kp *encryption.KeyPair) error {
	if err := kp.Public.Validate(); err != nil {
		return err
	}
	priv := kp.Private
	if priv.P.Sign() == 0 || priv.Q.Sign() == 0 || new(big.Int).Mul(priv.P, priv.Q).Cmp(priv.N) != 0 {
		return xerrors.New("rsa primes do not match modulus")
	}
	phi := new(big.Int).Mul(new(big.Int).Sub(priv.P, big.NewInt(1)), new(big.Int).Sub(priv.Q, big.NewInt(1)))
	ed := new(big.Int).Mul(kp.Public.E, priv.D)
	if ed.Mod(ed, phi).Cmp(big.NewInt(1)) != 0 {
		return xerrors.New("rsa exponents are not inverse")
	}
	return nil
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
