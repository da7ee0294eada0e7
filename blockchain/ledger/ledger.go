// Package ledger holds the append-only chain of vote blocks.
package ledger

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"

	"voting-ledger/encryption"
	"voting-ledger/merkle"
	"voting-ledger/models"
	"voting-ledger/storage"
)

var (
	ErrNilTransactions      = xerrors.New("transaction list is nil")
	ErrDuplicateTransaction = xerrors.New("transaction already on chain")
	ErrInvalidTransaction   = xerrors.New("invalid transaction")
	ErrBlockNotFound        = xerrors.New("block not found")
	ErrTransactionNotFound  = xerrors.New("transaction not found")
	ErrPersist              = xerrors.New("block could not be persisted")
	ErrTampered             = xerrors.New("stored chain failed verification")
)

// TamperedError carries the verification result of a stored chain that was
// refused on load.
type TamperedError struct {
	Result models.VerificationResult
}

func (e *TamperedError) Error() string {
	return fmt.Sprintf("block %d: %s: %v", e.Result.FirstInvalidIndex, e.Result.Reason, ErrTampered)
}

func (e *TamperedError) Unwrap() error {
	return ErrTampered
}

type txLocation struct {
	block    uint64
	position int
}

// Ledger appends blocks one at a time. Readers copy the block slice header
// under a read lock and then work on immutable blocks.
type Ledger struct {
	hash  encryption.HashFunc
	store storage.BlockStore
	now   func() time.Time

	mutex   sync.RWMutex
	blocks  []*models.Block
	txIndex map[string]txLocation
}

type Option func(*Ledger)

// WithStore persists every block to store and loads the chain from it.
func WithStore(store storage.BlockStore) Option {
	return func(l *Ledger) { l.store = store }
}

// WithClock replaces time.Now for block timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New returns a ledger. With an empty store it starts from the genesis block;
// otherwise the stored chain is loaded and fully verified, and a chain that
// fails verification is refused with a *TamperedError.
func New(hash encryption.HashFunc, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		hash:    hash,
		now:     time.Now,
		txIndex: make(map[string]txLocation),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.store == nil {
		l.store = storage.NewMemoryStore()
	}

	stored, err := l.store.LoadBlocks()
	if err != nil {
		return nil, xerrors.Errorf("load chain: %w", err)
	}

	if len(stored) == 0 {
		genesis := models.NewGenesisBlock(hash)
		if err := l.store.SaveBlock(genesis); err != nil {
			return nil, xerrors.Errorf("persist genesis: %w", err)
		}
		l.blocks = []*models.Block{genesis}
		log.Info().Str("hash", genesis.HashHex()).Msg("ledger initialised with genesis block")
		return l, nil
	}

	if res := models.ValidateChain(hash, stored); !res.Valid {
		return nil, &TamperedError{Result: res}
	}
	l.blocks = stored
	for _, b := range stored {
		l.indexBlock(b)
	}
	log.Info().Int("blocks", len(stored)).Int("transactions", len(l.txIndex)).Msg("ledger loaded from store")
	return l, nil
}

// Open loads the chain held by store.
func Open(hash encryption.HashFunc, store storage.BlockStore) (*Ledger, error) {
	return New(hash, WithStore(store))
}

func (l *Ledger) indexBlock(b *models.Block) {
	for i, tx := range b.Transactions() {
		l.txIndex[tx.ID] = txLocation{block: b.Index(), position: i}
	}
}

// Hash returns the digest the ledger was built with.
func (l *Ledger) Hash() encryption.HashFunc {
	return l.hash
}

// AddBlock seals transactions into a new block after the tail. An empty
// slice is allowed and yields an empty-root block, nil is not. The block is
// written to the store before it becomes visible.
func (l *Ledger) AddBlock(transactions []models.Transaction) (*models.Block, error) {
	if transactions == nil {
		return nil, ErrNilTransactions
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	batch := make(map[string]struct{}, len(transactions))
	for _, tx := range transactions {
		if err := tx.Validate(); err != nil {
			return nil, xerrors.Errorf("%v: %w", err, ErrInvalidTransaction)
		}
		if _, ok := l.txIndex[tx.ID]; ok {
			return nil, xerrors.Errorf("%s: %w", tx.ID, ErrDuplicateTransaction)
		}
		if _, ok := batch[tx.ID]; ok {
			return nil, xerrors.Errorf("%s repeated in batch: %w", tx.ID, ErrDuplicateTransaction)
		}
		batch[tx.ID] = struct{}{}
	}

	tail := l.blocks[len(l.blocks)-1]
	timestamp := l.now().UnixMilli()
	if timestamp < tail.Timestamp() {
		timestamp = tail.Timestamp()
	}

	block := models.NewBlock(l.hash, tail.Index()+1, timestamp, transactions, tail.Hash())
	if err := l.store.SaveBlock(block); err != nil {
		log.Error().Err(err).Uint64("index", block.Index()).Msg("failed to persist block")
		return nil, xerrors.Errorf("block %d: %v: %w", block.Index(), err, ErrPersist)
	}

	l.blocks = append(l.blocks, block)
	l.indexBlock(block)
	log.Info().
		Uint64("index", block.Index()).
		Int("transactions", block.Len()).
		Str("hash", block.HashHex()).
		Msg("block appended")
	return block, nil
}

func (l *Ledger) snapshot() []*models.Block {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.blocks[:len(l.blocks):len(l.blocks)]
}

// VerifyChain re-checks every block from genesis.
func (l *Ledger) VerifyChain() models.VerificationResult {
	return models.ValidateChain(l.hash, l.snapshot())
}

// Len is the number of blocks, genesis included.
func (l *Ledger) Len() int {
	return len(l.snapshot())
}

// Tail returns the latest block.
func (l *Ledger) Tail() *models.Block {
	blocks := l.snapshot()
	return blocks[len(blocks)-1]
}

// Block returns the block at index.
func (l *Ledger) Block(index uint64) (*models.Block, error) {
	blocks := l.snapshot()
	if index >= uint64(len(blocks)) {
		return nil, xerrors.Errorf("index %d of %d: %w", index, len(blocks), ErrBlockNotFound)
	}
	return blocks[index], nil
}

// Blocks returns the chain from genesis to tail.
func (l *Ledger) Blocks() []*models.Block {
	blocks := l.snapshot()
	out := make([]*models.Block, len(blocks))
	copy(out, blocks)
	return out
}

// FindTransaction returns a transaction and the block that holds it.
func (l *Ledger) FindTransaction(id string) (models.Transaction, *models.Block, error) {
	l.mutex.RLock()
	loc, ok := l.txIndex[id]
	blocks := l.blocks
	l.mutex.RUnlock()

	if !ok {
		return models.Transaction{}, nil, xerrors.Errorf("%s: %w", id, ErrTransactionNotFound)
	}
	b := blocks[loc.block]
	return b.Transactions()[loc.position], b, nil
}

// TransactionsByType lists every transaction of type t in chain order.
func (l *Ledger) TransactionsByType(t models.TxType) []models.Transaction {
	var out []models.Transaction
	for _, b := range l.snapshot() {
		for _, tx := range b.Transactions() {
			if tx.Type == t {
				out = append(out, tx)
			}
		}
	}
	return out
}

// TransactionProof lets a holder of a block hash check that a transaction
// is part of that block. It carries the header fields needed to recompute
// the hash.
type TransactionProof struct {
	Transaction  models.Transaction `json:"transaction"`
	BlockIndex   uint64             `json:"block_index"`
	Timestamp    int64              `json:"timestamp"`
	PreviousHash hexutil.Bytes      `json:"previous_hash"`
	BlockHash    hexutil.Bytes      `json:"block_hash"`
	MerkleRoot   hexutil.Bytes      `json:"merkle_root"`
	Proof        merkle.Proof       `json:"proof"`
}

func (l *Ledger) ProveTransaction(id string) (*TransactionProof, error) {
	tx, b, err := l.FindTransaction(id)
	if err != nil {
		return nil, err
	}
	proof, err := b.ProveTransaction(l.hash, id)
	if err != nil {
		return nil, err
	}
	return &TransactionProof{
		Transaction:  tx,
		BlockIndex:   b.Index(),
		Timestamp:    b.Timestamp(),
		PreviousHash: b.PreviousHash(),
		BlockHash:    b.Hash(),
		MerkleRoot:   b.MerkleRoot(),
		Proof:        proof,
	}, nil
}

// VerifyTransactionProof checks that the header in p hashes to BlockHash and
// that the transaction replays to the header's Merkle root. Callers still
// compare BlockHash with a chain they trust.
func VerifyTransactionProof(hash encryption.HashFunc, p *TransactionProof) bool {
	if p == nil {
		return false
	}
	header := models.ComputeBlockHash(hash, p.BlockIndex, p.Timestamp, p.PreviousHash, p.MerkleRoot)
	if !bytes.Equal(header, p.BlockHash) {
		return false
	}
	return merkle.VerifyProof(hash, p.Transaction.CanonicalBytes(), p.Proof, p.MerkleRoot)
}

func (l *Ledger) Close() error {
	return l.store.Close()
}
