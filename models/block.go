package models

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"

	"voting-ledger/encryption"
	"voting-ledger/merkle"
)

// GenesisPreviousHash is the previous hash of block 0.
var GenesisPreviousHash = make([]byte, 32)

var (
	ErrPreviousHashMismatch = xerrors.New("previous hash does not match")
	ErrMerkleRootMismatch   = xerrors.New("merkle root does not match transactions")
	ErrBlockHashMismatch    = xerrors.New("block hash does not match contents")
	ErrTransactionNotFound  = xerrors.New("transaction not found")
)

// Block is immutable once built. Every accessor returns a copy.
type Block struct {
	index        uint64
	timestamp    int64
	transactions []Transaction
	previousHash []byte
	merkleRoot   []byte
	hash         []byte
}

// NewBlock seals transactions into a block linked to previousHash.
func NewBlock(hash encryption.HashFunc, index uint64, timestamp int64, transactions []Transaction, previousHash []byte) *Block {
	txs := make([]Transaction, len(transactions))
	copy(txs, transactions)
	prev := append([]byte(nil), previousHash...)

	root := ComputeMerkleRoot(hash, txs)
	return &Block{
		index:        index,
		timestamp:    timestamp,
		transactions: txs,
		previousHash: prev,
		merkleRoot:   root,
		hash:         ComputeBlockHash(hash, index, timestamp, prev, root),
	}
}

// NewGenesisBlock returns block 0: no transactions, zero previous hash,
// timestamp 0. It is identical on every node using the same hash.
func NewGenesisBlock(hash encryption.HashFunc) *Block {
	return NewBlock(hash, 0, 0, []Transaction{}, GenesisPreviousHash)
}

// ComputeMerkleRoot builds the tree over canonical transaction bytes.
func ComputeMerkleRoot(hash encryption.HashFunc, txs []Transaction) []byte {
	return merkle.Root(hash, transactionLeaves(txs))
}

// ComputeBlockHash is H(index u64 BE || timestamp i64 BE || previousHash || merkleRoot).
func ComputeBlockHash(hash encryption.HashFunc, index uint64, timestamp int64, previousHash, merkleRoot []byte) []byte {
	buffer := new(bytes.Buffer)
	binary.Write(buffer, binary.BigEndian, index)
	binary.Write(buffer, binary.BigEndian, timestamp)
	buffer.Write(previousHash)
	buffer.Write(merkleRoot)
	return hash(buffer.Bytes())
}

func transactionLeaves(txs []Transaction) [][]byte {
	leaves := make([][]byte, len(txs))
	for i, tx := range txs {
		leaves[i] = tx.CanonicalBytes()
	}
	return leaves
}

func (b *Block) Index() uint64    { return b.index }
func (b *Block) Timestamp() int64 { return b.timestamp }
func (b *Block) Len() int         { return len(b.transactions) }

func (b *Block) Transactions() []Transaction {
	txs := make([]Transaction, len(b.transactions))
	copy(txs, b.transactions)
	return txs
}

func (b *Block) PreviousHash() []byte { return append([]byte(nil), b.previousHash...) }
func (b *Block) MerkleRoot() []byte   { return append([]byte(nil), b.merkleRoot...) }
func (b *Block) Hash() []byte         { return append([]byte(nil), b.hash...) }

// HashHex is the 0x-prefixed block hash.
func (b *Block) HashHex() string { return hexutil.Encode(b.hash) }

// FindTransaction returns the transaction with id and its position.
func (b *Block) FindTransaction(id string) (Transaction, int, bool) {
	for i, tx := range b.transactions {
		if tx.ID == id {
			return tx, i, true
		}
	}
	return Transaction{}, -1, false
}

// Validate recomputes the Merkle root and hash from the stored fields and
// checks the link to expectedPreviousHash.
func (b *Block) Validate(hash encryption.HashFunc, expectedPreviousHash []byte) error {
	if !bytes.Equal(b.previousHash, expectedPreviousHash) {
		return ErrPreviousHashMismatch
	}
	root := ComputeMerkleRoot(hash, b.transactions)
	if !bytes.Equal(root, b.merkleRoot) {
		return ErrMerkleRootMismatch
	}
	if !bytes.Equal(ComputeBlockHash(hash, b.index, b.timestamp, b.previousHash, root), b.hash) {
		return ErrBlockHashMismatch
	}
	return nil
}

func (b *Block) Verify(hash encryption.HashFunc, expectedPreviousHash []byte) bool {
	return b.Validate(hash, expectedPreviousHash) == nil
}

// ProveTransaction returns the inclusion proof of txID against MerkleRoot.
func (b *Block) ProveTransaction(hash encryption.HashFunc, txID string) (merkle.Proof, error) {
	_, pos, ok := b.FindTransaction(txID)
	if !ok {
		return nil, xerrors.Errorf("block %d, tx %s: %w", b.index, txID, ErrTransactionNotFound)
	}
	return merkle.BuildTree(hash, transactionLeaves(b.transactions)).ProofAt(pos)
}

// blockJSON fixes the field order of the exported form. Decoding restores the
// stored digests as they are, so a tampered file still fails verification.
type blockJSON struct {
	Index        uint64        `json:"index"`
	Timestamp    int64         `json:"timestamp"`
	Transactions []Transaction `json:"transactions"`
	PreviousHash hexutil.Bytes `json:"previous_hash"`
	MerkleRoot   hexutil.Bytes `json:"merkle_root"`
	Hash         hexutil.Bytes `json:"hash"`
}

func (b *Block) MarshalJSON() ([]byte, error) {
	return json.Marshal(blockJSON{
		Index:        b.index,
		Timestamp:    b.timestamp,
		Transactions: b.Transactions(),
		PreviousHash: b.previousHash,
		MerkleRoot:   b.merkleRoot,
		Hash:         b.hash,
	})
}

func (b *Block) UnmarshalJSON(data []byte) error {
	var aux blockJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return xerrors.Errorf("decode block: %w", err)
	}
	if aux.Transactions == nil {
		aux.Transactions = []Transaction{}
	}
	b.index = aux.Index
	b.timestamp = aux.Timestamp
	b.transactions = aux.Transactions
	b.previousHash = aux.PreviousHash
	b.merkleRoot = aux.MerkleRoot
	b.hash = aux.Hash
	return nil
}

// VerificationResult reports the first block that breaks the chain.
type VerificationResult struct {
	Valid             bool   `json:"valid"`
	FirstInvalidIndex int    `json:"first_invalid_index"`
	Reason            string `json:"reason,omitempty"`
	Blocks            int    `json:"blocks"`
}

func invalidAt(i, total int, reason string) VerificationResult {
	log.Warn().Int("index", i).Str("reason", reason).Msg("chain validation failed")
	return VerificationResult{FirstInvalidIndex: i, Reason: reason, Blocks: total}
}

// ValidateChain walks blocks in order checking index sequence, linkage,
// Merkle roots, hashes, timestamp order and transaction id uniqueness.
func ValidateChain(hash encryption.HashFunc, blocks []*Block) VerificationResult {
	if len(blocks) == 0 {
		return invalidAt(0, 0, "missing genesis block")
	}

	seen := make(map[string]struct{})
	expectedPrev := GenesisPreviousHash
	for i, b := range blocks {
		if b == nil {
			return invalidAt(i, len(blocks), "missing block")
		}
		if b.index != uint64(i) {
			return invalidAt(i, len(blocks), fmt.Sprintf("index %d at position %d", b.index, i))
		}
		if i == 0 && len(b.transactions) != 0 {
			return invalidAt(i, len(blocks), "genesis block carries transactions")
		}
		if i > 0 && b.timestamp < blocks[i-1].timestamp {
			return invalidAt(i, len(blocks), "timestamp before previous block")
		}
		if err := b.Validate(hash, expectedPrev); err != nil {
			return invalidAt(i, len(blocks), err.Error())
		}
		for _, tx := range b.transactions {
			if err := tx.Validate(); err != nil {
				return invalidAt(i, len(blocks), err.Error())
			}
			if _, dup := seen[tx.ID]; dup {
				return invalidAt(i, len(blocks), "duplicate transaction "+tx.ID)
			}
			seen[tx.ID] = struct{}{}
		}
		expectedPrev = b.hash
	}
	return VerificationResult{Valid: true, FirstInvalidIndex: -1, Blocks: len(blocks)}
}
