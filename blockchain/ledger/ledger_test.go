package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"voting-ledger/encryption"
	"voting-ledger/merkle"
	"voting-ledger/models"
	"voting-ledger/storage"
)

func candidateTx(id string) models.Transaction {
	return models.NewTransaction(models.TxAddCandidate, "admin", id,
		`{"candidate_id":"`+id+`"}`, time.Now().UnixMilli())
}

func voteTx(t *testing.T, n int) models.Transaction {
	tx, err := models.NewVoteTransaction(encryption.SHA256, "1", fmt.Sprintf("VOTE:1:%04x", n), []byte{byte(n), 0xaa}, 0)
	require.NoError(t, err)
	return tx
}

func TestNew_Genesis(t *testing.T) {
	l, err := New(encryption.SHA256)
	require.NoError(t, err)
	require.Equal(t, 1, l.Len())
	require.Equal(t, models.NewGenesisBlock(encryption.SHA256).Hash(), l.Tail().Hash())
	require.True(t, l.VerifyChain().Valid)
}

func TestAddBlock(t *testing.T) {
	l, err := New(encryption.SHA256)
	require.NoError(t, err)

	b, err := l.AddBlock([]models.Transaction{candidateTx("1"), voteTx(t, 1)})
	require.NoError(t, err)
	require.Equal(t, uint64(1), b.Index())
	require.Equal(t, l.Blocks()[0].Hash(), b.PreviousHash())

	empty, err := l.AddBlock([]models.Transaction{})
	require.NoError(t, err)
	require.Equal(t, 0, empty.Len())
	require.Equal(t, encryption.SHA256(), empty.MerkleRoot())

	require.Equal(t, 3, l.Len())
	res := l.VerifyChain()
	require.True(t, res.Valid)
	require.Equal(t, -1, res.FirstInvalidIndex)
}

func TestAddBlock_Rejects(t *testing.T) {
	l, err := New(encryption.SHA256)
	require.NoError(t, err)

	_, err = l.AddBlock(nil)
	require.True(t, xerrors.Is(err, ErrNilTransactions))

	vote := voteTx(t, 7)
	_, err = l.AddBlock([]models.Transaction{vote})
	require.NoError(t, err)

	_, err = l.AddBlock([]models.Transaction{vote})
	require.True(t, xerrors.Is(err, ErrDuplicateTransaction))

	other := voteTx(t, 8)
	_, err = l.AddBlock([]models.Transaction{other, other})
	require.True(t, xerrors.Is(err, ErrDuplicateTransaction))

	_, err = l.AddBlock([]models.Transaction{{ID: "x", Type: "MINT"}})
	require.True(t, xerrors.Is(err, ErrInvalidTransaction))

	require.Equal(t, 2, l.Len())
}

func TestAddBlock_StoreFailureRejectsAppend(t *testing.T) {
	store := storage.NewMemoryStore()
	l, err := New(encryption.SHA256, WithStore(store))
	require.NoError(t, err)

	store.FailNext = xerrors.New("disk full")
	_, err = l.AddBlock([]models.Transaction{voteTx(t, 1)})
	require.True(t, xerrors.Is(err, ErrPersist))
	require.Equal(t, 1, l.Len())

	_, _, err = l.FindTransaction(voteTx(t, 1).ID)
	require.True(t, xerrors.Is(err, ErrTransactionNotFound))

	_, err = l.AddBlock([]models.Transaction{voteTx(t, 1)})
	require.NoError(t, err)
}

func TestAddBlock_TimestampsNeverDecrease(t *testing.T) {
	clock := time.UnixMilli(5000)
	l, err := New(encryption.SHA256, WithClock(func() time.Time { return clock }))
	require.NoError(t, err)

	first, err := l.AddBlock([]models.Transaction{})
	require.NoError(t, err)
	clock = time.UnixMilli(1000)
	second, err := l.AddBlock([]models.Transaction{})
	require.NoError(t, err)

	require.Equal(t, first.Timestamp(), second.Timestamp())
	require.True(t, l.VerifyChain().Valid)
}

func TestAddBlock_Concurrent(t *testing.T) {
	l, err := New(encryption.SHA256)
	require.NoError(t, err)

	const writers = 16
	txs := make([]models.Transaction, writers)
	for i := range txs {
		txs[i] = voteTx(t, i)
	}

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(tx models.Transaction) {
			defer wg.Done()
			_, err := l.AddBlock([]models.Transaction{tx})
			assert.NoError(t, err)
		}(txs[i])
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.VerifyChain()
		}()
	}
	wg.Wait()

	require.Equal(t, writers+1, l.Len())
	require.True(t, l.VerifyChain().Valid)
	for i, b := range l.Blocks() {
		require.Equal(t, uint64(i), b.Index())
	}
}

func TestReads(t *testing.T) {
	l, err := New(encryption.SHA256)
	require.NoError(t, err)

	cand := candidateTx("4")
	votes := []models.Transaction{voteTx(t, 1), voteTx(t, 2), voteTx(t, 3)}
	_, err = l.AddBlock([]models.Transaction{cand})
	require.NoError(t, err)
	_, err = l.AddBlock(votes)
	require.NoError(t, err)

	tx, b, err := l.FindTransaction(votes[1].ID)
	require.NoError(t, err)
	require.Equal(t, votes[1], tx)
	require.Equal(t, uint64(2), b.Index())

	require.Len(t, l.TransactionsByType(models.TxVote), 3)
	require.Equal(t, []models.Transaction{cand}, l.TransactionsByType(models.TxAddCandidate))
	require.Empty(t, l.TransactionsByType(models.TxEndElection))

	_, err = l.Block(3)
	require.True(t, xerrors.Is(err, ErrBlockNotFound))
	blk, err := l.Block(1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), blk.Index())
}

func TestProveTransaction(t *testing.T) {
	l, err := New(encryption.SHA256)
	require.NoError(t, err)

	votes := []models.Transaction{voteTx(t, 1), voteTx(t, 2), voteTx(t, 3)}
	_, err = l.AddBlock(votes)
	require.NoError(t, err)

	for _, v := range votes {
		p, err := l.ProveTransaction(v.ID)
		require.NoError(t, err)
		require.Equal(t, uint64(1), p.BlockIndex)
		require.True(t, VerifyTransactionProof(encryption.SHA256, p))

		require.Equal(t, l.Tail().Hash(), []byte(p.BlockHash))

		p.Transaction.Receiver = "2"
		require.False(t, VerifyTransactionProof(encryption.SHA256, p))
	}

	// a forged transaction with a matching root but an unrelated block hash
	forged := voteTx(t, 9)
	proof, err := merkle.GenerateProof(encryption.SHA256, [][]byte{forged.CanonicalBytes()}, forged.CanonicalBytes())
	require.NoError(t, err)
	root := merkle.Root(encryption.SHA256, [][]byte{forged.CanonicalBytes()})
	fake := &TransactionProof{
		Transaction:  forged,
		BlockIndex:   1,
		Timestamp:    l.Tail().Timestamp(),
		PreviousHash: l.Tail().PreviousHash(),
		BlockHash:    l.Tail().Hash(),
		MerkleRoot:   root,
		Proof:        proof,
	}
	require.True(t, merkle.VerifyProof(encryption.SHA256, forged.CanonicalBytes(), fake.Proof, fake.MerkleRoot))
	require.False(t, VerifyTransactionProof(encryption.SHA256, fake))

	p, err := l.ProveTransaction(votes[0].ID)
	require.NoError(t, err)
	p.Timestamp++
	require.False(t, VerifyTransactionProof(encryption.SHA256, p))

	_, err = l.ProveTransaction("nope")
	require.True(t, xerrors.Is(err, ErrTransactionNotFound))
	require.False(t, VerifyTransactionProof(encryption.SHA256, nil))
}

func TestOpen_ReloadsChain(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewJSONStore(dir)
	require.NoError(t, err)
	l, err := Open(encryption.SHA256, store)
	require.NoError(t, err)
	vote := voteTx(t, 1)
	_, err = l.AddBlock([]models.Transaction{vote})
	require.NoError(t, err)
	tail := l.Tail().Hash()
	require.NoError(t, l.Close())

	store, err = storage.NewJSONStore(dir)
	require.NoError(t, err)
	reloaded, err := Open(encryption.SHA256, store)
	require.NoError(t, err)
	require.Equal(t, 2, reloaded.Len())
	require.Equal(t, tail, reloaded.Tail().Hash())

	_, err = reloaded.AddBlock([]models.Transaction{vote})
	require.True(t, xerrors.Is(err, ErrDuplicateTransaction))
}

func TestOpen_RefusesTamperedChain(t *testing.T) {
	h := encryption.SHA256
	genesis := models.NewGenesisBlock(h)
	good := models.NewBlock(h, 1, 10, []models.Transaction{voteTx(t, 1)}, genesis.Hash())
	forged := models.NewBlock(h, 2, 20, []models.Transaction{voteTx(t, 2)}, h([]byte("not the tail")))

	_, err := Open(h, storage.NewMemoryStore(genesis, good, forged))
	require.True(t, xerrors.Is(err, ErrTampered))

	var tampered *TamperedError
	require.True(t, xerrors.As(err, &tampered))
	require.Equal(t, 2, tampered.Result.FirstInvalidIndex)

	_, err = Open(encryption.Keccak256, storage.NewMemoryStore(genesis, good))
	require.True(t, xerrors.Is(err, ErrTampered))
}

func TestOpen_RefusesChainWithMissingBlock(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chain.json"), []byte(`{"blocks":[null]}`), 0644))

	store, err := storage.NewJSONStore(dir)
	require.NoError(t, err)

	require.NotPanics(t, func() {
		_, err = Open(encryption.SHA256, store)
	})
	require.True(t, xerrors.Is(err, ErrTampered))

	var tampered *TamperedError
	require.True(t, xerrors.As(err, &tampered))
	require.Equal(t, 0, tampered.Result.FirstInvalidIndex)
	require.Equal(t, "missing block", tampered.Result.Reason)
}
