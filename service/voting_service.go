package service

import (
	"context"
	"io"
	"math/big"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"

	"voting-ledger/blockchain/ledger"
	"voting-ledger/encryption"
	"voting-ledger/models"
	"voting-ledger/storage"
)

var (
	ErrInvalidSignature = xerrors.New("ballot signature does not verify")
	ErrDuplicateBallot  = xerrors.New("ballot already submitted")
	ErrUnknownCandidate = xerrors.New("candidate not registered")
	ErrCandidateExists  = xerrors.New("candidate already registered")
	ErrNoCandidates     = xerrors.New("no candidates registered")
)

// Receipt tells a voter where the vote landed. Pending receipts belong to
// votes still waiting for their batch to be sealed.
type Receipt struct {
	TransactionID string        `json:"transaction_id"`
	BlockIndex    uint64        `json:"block_index"`
	BlockHash     hexutil.Bytes `json:"block_hash,omitempty"`
	Pending       bool          `json:"pending"`
}

type Candidate struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Options struct {
	// BatchSize is the number of votes sealed per block. 1 seals each vote
	// on arrival; larger batches are shuffled before sealing.
	BatchSize  int
	ElectionID string
	Archive    *storage.SnapshotArchive
	Metrics    *MetricsCollector
	Random     io.Reader
	Now        func() time.Time
}

// VotingService accepts anonymous votes for the ledger. It checks the
// ballot format, the election window, the candidate, the authority
// signature and ballot uniqueness before a vote reaches a block.
type VotingService struct {
	ledger       *ledger.Ledger
	hash         encryption.HashFunc
	authorityKey *encryption.PublicKey
	admin        models.AdminSigner
	session      *ElectionSession
	anonymizer   *Anonymizer
	counter      *VoteCounter
	metrics      *MetricsCollector
	archive      *storage.SnapshotArchive
	batchSize    int
	now          func() time.Time

	mu         sync.Mutex
	seen       mapset.Set
	candidates map[string]Candidate
	buffer     []models.Transaction
}

// NewVotingService wraps l and rebuilds candidates, election state and the
// set of used ballots from the chain.
func NewVotingService(l *ledger.Ledger, authorityKey *encryption.PublicKey, admin models.AdminSigner, opts Options) (*VotingService, error) {
	if err := authorityKey.Validate(); err != nil {
		return nil, xerrors.Errorf("authority key: %w", err)
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetricsCollector()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	vs := &VotingService{
		ledger:       l,
		hash:         l.Hash(),
		authorityKey: authorityKey,
		admin:        admin,
		session:      NewElectionSession(opts.ElectionID),
		anonymizer:   NewAnonymizer(opts.Random),
		counter:      NewVoteCounter(l.Hash(), authorityKey, admin.Address(), opts.Metrics),
		metrics:      opts.Metrics,
		archive:      opts.Archive,
		batchSize:    opts.BatchSize,
		now:          opts.Now,
		seen:         mapset.NewSet(),
		candidates:   make(map[string]Candidate),
	}
	vs.session.now = opts.Now
	vs.replay()
	return vs, nil
}

func (vs *VotingService) replay() {
	admin := vs.admin.Address()
	for _, b := range vs.ledger.Blocks() {
		for _, tx := range b.Transactions() {
			if tx.Type == models.TxVote {
				if p, err := models.DecodeVotePayload(tx); err == nil {
					vs.seen.Add(p.Ballot)
				}
				continue
			}
			if err := models.VerifyAdminTransaction(tx, admin); err != nil {
				log.Warn().Err(err).Str("tx", tx.ID).Msg("ignoring admin transaction")
				continue
			}
			vs.applyAdmin(tx)
		}
	}
	log.Info().
		Int("candidates", len(vs.candidates)).
		Int("ballots", vs.seen.Cardinality()).
		Str("state", string(vs.session.State())).
		Msg("voting state restored from chain")
}

// applyAdmin mirrors a verified admin transaction into memory.
func (vs *VotingService) applyAdmin(tx models.Transaction) {
	switch tx.Type {
	case models.TxAddCandidate:
		p, err := models.DecodeCandidatePayload(tx)
		if err != nil {
			log.Warn().Err(err).Msg("bad candidate payload")
			return
		}
		vs.candidates[p.CandidateID] = Candidate{ID: p.CandidateID, Name: p.Name}
	case models.TxStartElection:
		p, err := models.DecodeElectionPayload(tx)
		if err != nil {
			log.Warn().Err(err).Msg("bad election payload")
			return
		}
		var endsAt time.Time
		if p.EndsAt > 0 {
			endsAt = time.UnixMilli(p.EndsAt)
		}
		if err := vs.session.Start(time.UnixMilli(tx.Timestamp), endsAt); err != nil {
			log.Warn().Err(err).Str("election", p.ElectionID).Msg("ignoring start transaction")
		}
	case models.TxEndElection:
		if err := vs.session.End(time.UnixMilli(tx.Timestamp)); err != nil {
			log.Warn().Err(err).Msg("ignoring end transaction")
		}
	}
}

// SubmitVote checks and records one anonymous vote.
func (vs *VotingService) SubmitVote(ballot string, signature []byte) (*Receipt, error) {
	start := time.Now()
	receipt, err := vs.submitVote(ballot, signature)
	vs.metrics.RecordSubmission(start, time.Since(start))
	if err != nil {
		reason := rejectionReason(err)
		vs.metrics.RecordRejection(reason)
		log.Info().Str("reason", reason).Err(err).Msg("vote rejected")
		return nil, err
	}
	return receipt, nil
}

// Submit lets the service stand in for a remote ledger.
func (vs *VotingService) Submit(_ context.Context, ballot string, signature []byte) (*Receipt, error) {
	return vs.SubmitVote(ballot, signature)
}

func (vs *VotingService) submitVote(ballot string, signature []byte) (*Receipt, error) {
	candidateID, _, err := ParseBallot(ballot)
	if err != nil {
		return nil, err
	}
	if !vs.session.IsActive() {
		return nil, ErrElectionNotOpen
	}

	sig := new(big.Int).SetBytes(signature)
	if len(signature) == 0 || !encryption.VerifyBlindSignature(vs.hash, vs.authorityKey, []byte(ballot), sig) {
		return nil, ErrInvalidSignature
	}
	// one encoding per signature value, whatever padding the caller sent
	canonical := sig.FillBytes(make([]byte, vs.authorityKey.Size()))

	vs.mu.Lock()
	defer vs.mu.Unlock()

	// EndElection may have appended END_ELECTION while the signature was
	// being checked; a vote behind it would never be counted.
	if !vs.session.IsActive() {
		return nil, ErrElectionNotOpen
	}
	if _, ok := vs.candidates[candidateID]; !ok {
		return nil, xerrors.Errorf("%s: %w", candidateID, ErrUnknownCandidate)
	}
	if vs.seen.Contains(ballot) {
		return nil, ErrDuplicateBallot
	}

	tx, err := models.NewVoteTransaction(vs.hash, candidateID, ballot, canonical, vs.now().UnixMilli())
	if err != nil {
		return nil, err
	}

	if vs.batchSize <= 1 {
		block, err := vs.ledger.AddBlock([]models.Transaction{tx})
		if xerrors.Is(err, ledger.ErrDuplicateTransaction) {
			return nil, ErrDuplicateBallot
		}
		if err != nil {
			return nil, err
		}
		vs.seen.Add(ballot)
		return &Receipt{TransactionID: tx.ID, BlockIndex: block.Index(), BlockHash: block.Hash()}, nil
	}

	vs.buffer = append(vs.buffer, tx)
	vs.seen.Add(ballot)
	if len(vs.buffer) < vs.batchSize {
		return &Receipt{TransactionID: tx.ID, Pending: true}, nil
	}

	block, err := vs.flushLocked()
	if err != nil {
		// the vote stays buffered and goes out with the next flush
		log.Error().Err(err).Int("pending", len(vs.buffer)).Msg("failed to seal vote batch")
		return &Receipt{TransactionID: tx.ID, Pending: true}, nil
	}
	return &Receipt{TransactionID: tx.ID, BlockIndex: block.Index(), BlockHash: block.Hash()}, nil
}

func rejectionReason(err error) string {
	switch {
	case xerrors.Is(err, ErrMalformedBallot):
		return "malformed"
	case xerrors.Is(err, ErrElectionNotOpen):
		return "closed"
	case xerrors.Is(err, ErrInvalidSignature):
		return "signature"
	case xerrors.Is(err, ErrUnknownCandidate):
		return "candidate"
	case xerrors.Is(err, ErrDuplicateBallot):
		return "duplicate"
	default:
		return "internal"
	}
}

// Flush seals buffered votes into a block. It returns nil when nothing is
// pending.
func (vs *VotingService) Flush() (*models.Block, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.flushLocked()
}

func (vs *VotingService) flushLocked() (*models.Block, error) {
	if len(vs.buffer) == 0 {
		return nil, nil
	}
	shuffled, err := vs.anonymizer.Shuffle(vs.buffer, vs.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	block, err := vs.ledger.AddBlock(shuffled)
	if err != nil {
		return nil, err
	}
	log.Info().Int("votes", len(vs.buffer)).Uint64("index", block.Index()).Msg("vote batch sealed")
	vs.buffer = nil
	return block, nil
}

func (vs *VotingService) PendingVotes() int {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return len(vs.buffer)
}

// AddCandidate appends an ADD_CANDIDATE transaction.
func (vs *VotingService) AddCandidate(id, name string) (*models.Block, error) {
	if err := ValidateCandidateID(id); err != nil {
		return nil, err
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()

	if _, ok := vs.candidates[id]; ok {
		return nil, xerrors.Errorf("%s: %w", id, ErrCandidateExists)
	}
	if vs.session.phase() == ElectionClosed {
		return nil, ErrElectionAlreadyOver
	}

	body := models.CandidatePayload{CandidateID: id, Name: name}
	block, err := vs.appendAdmin(models.TxAddCandidate, id, body)
	if err != nil {
		return nil, err
	}
	vs.candidates[id] = Candidate{ID: id, Name: name}
	log.Info().Str("candidate", id).Str("name", name).Msg("candidate registered")
	return block, nil
}

// StartElection opens voting. A zero endsAt keeps it open until EndElection.
func (vs *VotingService) StartElection(endsAt time.Time) (*models.Block, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	switch vs.session.phase() {
	case ElectionOpen:
		return nil, ErrElectionStarted
	case ElectionClosed:
		return nil, ErrElectionAlreadyOver
	}
	if len(vs.candidates) == 0 {
		return nil, ErrNoCandidates
	}

	body := models.ElectionPayload{ElectionID: vs.session.ID()}
	if !endsAt.IsZero() {
		body.EndsAt = endsAt.UnixMilli()
	}
	block, err := vs.appendAdmin(models.TxStartElection, "", body)
	if err != nil {
		return nil, err
	}
	if err := vs.session.Start(time.UnixMilli(block.Timestamp()), endsAt); err != nil {
		return nil, err
	}
	vs.metrics.StartVotingPhase(vs.now())
	log.Info().Str("election", body.ElectionID).Time("ends_at", endsAt).Msg("election started")
	return block, nil
}

// EndElection seals pending votes, closes voting and archives the chain.
func (vs *VotingService) EndElection() (*models.Block, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	switch vs.session.phase() {
	case ElectionPending:
		return nil, ErrElectionNotStarted
	case ElectionClosed:
		return nil, ErrElectionAlreadyOver
	}
	if _, err := vs.flushLocked(); err != nil {
		return nil, xerrors.Errorf("seal pending votes: %w", err)
	}

	block, err := vs.appendAdmin(models.TxEndElection, "", models.ElectionPayload{ElectionID: vs.session.ID()})
	if err != nil {
		return nil, err
	}
	if err := vs.session.End(time.UnixMilli(block.Timestamp())); err != nil {
		return nil, err
	}
	vs.metrics.EndVotingPhase(vs.now())
	log.Info().Str("election", vs.session.ID()).Msg("election ended")

	if vs.archive != nil {
		if _, err := vs.archive.Save(vs.archivePrefix(), vs.ledger.Blocks()); err != nil {
			log.Error().Err(err).Msg("failed to archive final chain")
		}
	}
	return block, nil
}

func (vs *VotingService) archivePrefix() string {
	if id := vs.session.ID(); id != "" {
		return id
	}
	return "election"
}

func (vs *VotingService) appendAdmin(txType models.TxType, receiver string, body interface{}) (*models.Block, error) {
	tx, err := models.NewAdminTransaction(vs.admin, txType, receiver, body, vs.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	return vs.ledger.AddBlock([]models.Transaction{tx})
}

// Candidates lists registered candidates by numeric id.
func (vs *VotingService) Candidates() []Candidate {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	out := make([]Candidate, 0, len(vs.candidates))
	for _, c := range vs.candidates {
		out = append(out, c)
	}
	sortCandidates(out)
	return out
}

func sortCandidates(cs []Candidate) {
	sort.Slice(cs, func(i, j int) bool { return lessCandidateID(cs[i].ID, cs[j].ID) })
}

// lessCandidateID orders canonical decimal ids numerically.
func lessCandidateID(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func (vs *VotingService) Session() SessionInfo {
	return vs.session.Info()
}

func (vs *VotingService) IsVotingActive() bool {
	return vs.session.IsActive()
}

// Results counts the votes currently on the chain.
func (vs *VotingService) Results() *Results {
	res := vs.counter.Count(vs.ledger.Blocks())
	if res.ElectionID == "" {
		res.ElectionID = vs.session.ID()
	}
	return res
}

func (vs *VotingService) Ledger() *ledger.Ledger {
	return vs.ledger
}

func (vs *VotingService) AuthorityKey() *encryption.PublicKey {
	return vs.authorityKey
}

func (vs *VotingService) AdminAddress() common.Address {
	return vs.admin.Address()
}

func (vs *VotingService) Metrics() *MetricsCollector {
	return vs.metrics
}
