package models

import (
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/xerrors"
)

var ErrBadAdminSignature = xerrors.New("admin signature does not match sender")

// AdminSigner signs election management transactions. The sender of such a
// transaction is the signer's address.
type AdminSigner interface {
	Address() common.Address
	SignDigest(digest []byte) ([]byte, error)
}

// adminEnvelope is the payload of an admin transaction: the JSON body plus a
// recoverable secp256k1 signature over adminDigest.
type adminEnvelope struct {
	Body      json.RawMessage `json:"body"`
	Signature hexutil.Bytes   `json:"signature"`
}

// adminDigest is keccak256(type || 0x00 || receiver || 0x00 || body).
func adminDigest(txType TxType, receiver string, body []byte) []byte {
	return crypto.Keccak256([]byte(txType), []byte{0}, []byte(receiver), []byte{0}, body)
}

// NewAdminTransaction signs body and wraps it into a transaction sent from
// the signer's address.
func NewAdminTransaction(signer AdminSigner, txType TxType, receiver string, body interface{}, timestamp int64) (Transaction, error) {
	if txType == TxVote || !txType.Valid() {
		return Transaction{}, xerrors.Errorf("admin transaction of type %q: %w", txType, ErrUnknownTransaction)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Transaction{}, xerrors.Errorf("encode admin body: %w", err)
	}
	sig, err := signer.SignDigest(adminDigest(txType, receiver, raw))
	if err != nil {
		return Transaction{}, xerrors.Errorf("sign admin transaction: %w", err)
	}
	payload, err := json.Marshal(adminEnvelope{Body: raw, Signature: sig})
	if err != nil {
		return Transaction{}, xerrors.Errorf("encode admin envelope: %w", err)
	}
	return NewTransaction(txType, signer.Address().Hex(), receiver, string(payload), timestamp), nil
}

func decodeAdminEnvelope(tx Transaction) (*adminEnvelope, error) {
	var env adminEnvelope
	if err := json.Unmarshal([]byte(tx.Payload), &env); err != nil {
		return nil, xerrors.Errorf("decode admin payload %s: %w", tx.ID, err)
	}
	if len(env.Body) == 0 {
		return nil, xerrors.Errorf("admin payload %s has no body", tx.ID)
	}
	return &env, nil
}

// VerifyAdminTransaction checks that tx was signed by admin and that the
// sender field names that key.
func VerifyAdminTransaction(tx Transaction, admin common.Address) error {
	if tx.Type == TxVote {
		return xerrors.Errorf("%s: %w", tx.Type, ErrWrongPayloadType)
	}
	if !strings.EqualFold(tx.Sender, admin.Hex()) {
		return xerrors.Errorf("sender %s: %w", tx.Sender, ErrBadAdminSignature)
	}
	env, err := decodeAdminEnvelope(tx)
	if err != nil {
		return err
	}
	pub, err := crypto.SigToPub(adminDigest(tx.Type, tx.Receiver, env.Body), env.Signature)
	if err != nil {
		return xerrors.Errorf("recover admin key: %v: %w", err, ErrBadAdminSignature)
	}
	if crypto.PubkeyToAddress(*pub) != admin {
		return ErrBadAdminSignature
	}
	return nil
}
