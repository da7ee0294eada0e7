package service

import (
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"voting-ledger/authority"
	"voting-ledger/blockchain/ledger"
	"voting-ledger/encryption"
	"voting-ledger/registry"
	"voting-ledger/storage"
)

var (
	keysOnce sync.Once
	keys     *authority.Keys
	keysErr  error
)

func testKeys(t *testing.T) *authority.Keys {
	t.Helper()
	keysOnce.Do(func() {
		keys, keysErr = authority.GenerateKeys(rand.Reader, encryption.MinKeyBits)
	})
	require.NoError(t, keysErr)
	return keys
}

func testRegistry(t *testing.T, ids ...string) *registry.FileRegistry {
	t.Helper()
	reg, err := registry.NewFileRegistry("")
	require.NoError(t, err)
	for _, id := range ids {
		require.NoError(t, reg.Add(&registry.Voter{
			VoterID:     id,
			FirstName:   "Test",
			LastName:    id,
			DateOfBirth: time.Now().AddDate(-30, 0, 0),
			IsActive:    true,
		}))
	}
	return reg
}

// signBallot signs ballot directly with the authority key, skipping blinding.
func signBallot(t *testing.T, ballot string) []byte {
	t.Helper()
	kp := testKeys(t).Blind
	m, err := encryption.MessageRepresentative(encryption.SHA256, []byte(ballot), &kp.Public)
	require.NoError(t, err)
	sig, err := encryption.ModPow(m, kp.Private.D, kp.Private.N)
	require.NoError(t, err)
	return sig.FillBytes(make([]byte, kp.Public.Size()))
}

func newBallot(t *testing.T, candidateID string) string {
	t.Helper()
	ballot, err := NewBallot(candidateID)
	require.NoError(t, err)
	return ballot
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newService(t *testing.T, store storage.BlockStore, opts Options) *VotingService {
	t.Helper()
	if store == nil {
		store = storage.NewMemoryStore()
	}
	l, err := ledger.Open(encryption.SHA256, store)
	require.NoError(t, err)
	vs, err := NewVotingService(l, &testKeys(t).Blind.Public, testKeys(t).Admin, opts)
	require.NoError(t, err)
	return vs
}

// openService returns a service with candidates 1 and 2 and an open election.
func openService(t *testing.T, opts Options) *VotingService {
	t.Helper()
	vs := newService(t, nil, opts)
	_, err := vs.AddCandidate("1", "Alice")
	require.NoError(t, err)
	_, err = vs.AddCandidate("2", "Bob")
	require.NoError(t, err)
	_, err = vs.StartElection(time.Time{})
	require.NoError(t, err)
	return vs
}
