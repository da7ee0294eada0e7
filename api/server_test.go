package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"voting-ledger/authority"
	"voting-ledger/blockchain/ledger"
	"voting-ledger/encryption"
	"voting-ledger/registry"
	"voting-ledger/service"
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

type fixture struct {
	server  *Server
	http    *httptest.Server
	client  *Client
	voting  *service.VotingService
	queue   *service.QueueProcessor
	ledger  *ledger.Ledger
	authKey *encryption.PublicKey
}

func newFixture(t *testing.T, voters ...string) *fixture {
	t.Helper()
	reg, err := registry.NewFileRegistry("")
	require.NoError(t, err)
	for _, id := range voters {
		require.NoError(t, reg.Add(&registry.Voter{
			VoterID:     id,
			FirstName:   "Test",
			LastName:    id,
			DateOfBirth: time.Now().AddDate(-25, 0, 0),
			IsActive:    true,
		}))
	}
	auth := authority.New(testKeys(t), reg, nil)

	l, err := ledger.New(encryption.SHA256)
	require.NoError(t, err)
	vs, err := service.NewVotingService(l, auth.PublicKey(), auth.Admin(), service.Options{ElectionID: "test"})
	require.NoError(t, err)

	qp := service.NewQueueProcessor(vs, 16)
	qp.Start()

	s := NewServer(auth, vs, qp)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		qp.Stop()
	})

	return &fixture{server: s, http: ts, client: NewClient(ts.URL, ts.Client()), voting: vs, queue: qp, ledger: l, authKey: auth.PublicKey()}
}

func (f *fixture) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

// openElection registers candidates 1 and 2 and starts voting over HTTP.
func (f *fixture) openElection(t *testing.T) {
	t.Helper()
	require.Equal(t, http.StatusCreated, f.request(t, http.MethodPost, "/api/admin/candidates", `{"id":"1","name":"Alice"}`).Code)
	require.Equal(t, http.StatusCreated, f.request(t, http.MethodPost, "/api/admin/candidates", `{"id":"2","name":"Bob"}`).Code)
	require.Equal(t, http.StatusCreated, f.request(t, http.MethodPost, "/api/admin/election/start", "").Code)
}

func TestServer_VoteOverHTTP(t *testing.T) {
	f := newFixture(t, "v1", "v2")
	f.openElection(t)
	ctx := context.Background()

	voter := service.NewAnonymousVoter(encryption.SHA256, f.client, f.client)
	cast, err := voter.CastVote(ctx, "v1", "2")
	require.NoError(t, err)
	require.False(t, cast.Receipt.Pending)

	_, err = voter.CastVote(ctx, "v1", "1")
	require.True(t, xerrors.Is(err, authority.ErrAlreadyIssued), "got %v", err)

	_, err = voter.CastVote(ctx, "stranger", "1")
	require.True(t, xerrors.Is(err, authority.ErrNotEligible), "got %v", err)

	_, err = f.client.Submit(ctx, cast.Ballot, cast.Signature)
	require.True(t, xerrors.Is(err, service.ErrDuplicateBallot), "got %v", err)

	_, err = voter.CastVote(ctx, "v2", "2")
	require.NoError(t, err)

	results, err := f.client.Results(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, results.Results.TotalVotes)
	require.Equal(t, "2", results.Results.Candidates[0].ID)
	require.Equal(t, 2, results.Results.Candidates[0].Votes)
	require.True(t, results.Verification.IsValid)
	require.Equal(t, 2, results.Verification.IssuedCredentials)

	verification, err := f.client.VerifyChain(ctx)
	require.NoError(t, err)
	require.True(t, verification.Valid)

	candidates, err := f.client.Candidates(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
}

func TestServer_TransactionProof(t *testing.T) {
	f := newFixture(t, "v1")
	f.openElection(t)

	voter := service.NewAnonymousVoter(encryption.SHA256, f.client, f.client)
	cast, err := voter.CastVote(context.Background(), "v1", "1")
	require.NoError(t, err)

	rec := f.request(t, http.MethodGet, "/api/transactions/"+cast.Receipt.TransactionID+"/proof", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var proof ledger.TransactionProof
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &proof))
	require.True(t, ledger.VerifyTransactionProof(encryption.SHA256, &proof))
	require.Equal(t, cast.Receipt.BlockIndex, proof.BlockIndex)

	metrics := f.voting.Metrics().GetMetrics()
	require.Equal(t, 1, metrics.Signing.Count)
	require.Equal(t, 1, metrics.Submission.Count)

	require.Equal(t, http.StatusNotFound, f.request(t, http.MethodGet, "/api/transactions/nope/proof", "").Code)
}

func TestServer_Blocks(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodGet, "/api/blocks/0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), f.ledger.Tail().HashHex())

	require.Equal(t, http.StatusNotFound, f.request(t, http.MethodGet, "/api/blocks/7", "").Code)
	require.Equal(t, http.StatusBadRequest, f.request(t, http.MethodGet, "/api/blocks/x", "").Code)

	rec = f.request(t, http.MethodGet, "/api/chain", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var chain ChainResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chain))
	require.Equal(t, 1, chain.Length)
	require.True(t, chain.IsValid)
}

func TestServer_RejectsVotes(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPost, "/api/votes", `{"ballot":"VOTE:1:aa","signature":"0x01"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), "election_not_open")

	f.openElection(t)
	rec = f.request(t, http.MethodPost, "/api/votes", `{"ballot":"VOTE:1:aa","signature":"0x01"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid_signature")

	rec = f.request(t, http.MethodPost, "/api/votes", `{"ballot":"VOTE:x","signature":"0x01"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(t, http.MethodPost, "/api/votes", `{"ballot":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(t, http.MethodPost, "/api/authority/sign", `{"voter_id":"v1","blinded":"0x00"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Admin(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusConflict, f.request(t, http.MethodPost, "/api/admin/election/start", "").Code)
	f.openElection(t)
	require.Equal(t, http.StatusConflict, f.request(t, http.MethodPost, "/api/admin/candidates", `{"id":"1","name":"Again"}`).Code)
	require.Equal(t, http.StatusBadRequest, f.request(t, http.MethodPost, "/api/admin/candidates", `{"id":"01","name":"Zero"}`).Code)

	require.Equal(t, http.StatusCreated, f.request(t, http.MethodPost, "/api/admin/election/end", "").Code)
	require.Equal(t, http.StatusConflict, f.request(t, http.MethodPost, "/api/admin/election/end", "").Code)

	rec := f.request(t, http.MethodGet, "/api/election", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"CLOSED"`)

	rec = f.request(t, http.MethodGet, "/api/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestClient_AuthorityUnavailable(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer down.Close()

	client := NewClient(down.URL, down.Client())
	_, err := client.AuthorityKey(context.Background())
	require.True(t, xerrors.Is(err, authority.ErrAuthorityUnavailable), "got %v", err)

	gone := httptest.NewServer(http.NotFoundHandler())
	gone.Close()
	client = NewClient(gone.URL, nil)
	voter := service.NewAnonymousVoter(encryption.SHA256, client, client)
	_, err = voter.CastVote(context.Background(), "v1", "1")
	require.True(t, xerrors.Is(err, authority.ErrAuthorityUnavailable), "got %v", err)

	_, err = client.Submit(context.Background(), "VOTE:1:aa", []byte{1})
	require.True(t, xerrors.Is(err, ErrLedgerUnavailable), "got %v", err)
}
