package service

import (
	"math/big"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"voting-ledger/encryption"
	"voting-ledger/models"
)

// Rejection reasons reported by the counter.
const (
	RejectBadPayload   = "payload"
	RejectOutOfWindow  = "window"
	RejectSignature    = "signature"
	RejectCandidate    = "candidate"
	RejectDuplicate    = "duplicate"
	RejectReceiverDiff = "receiver"
)

type CandidateResult struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Votes int    `json:"votes"`
}

// Results is a tally read from the chain. Only blocks before
// FirstInvalidIndex are counted when ChainValid is false.
type Results struct {
	ElectionID        string            `json:"election_id"`
	Candidates        []CandidateResult `json:"candidates"`
	TotalVotes        int               `json:"total_votes"`
	Rejected          map[string]int    `json:"rejected"`
	Final             bool              `json:"final"`
	Blocks            int               `json:"blocks"`
	ChainValid        bool              `json:"chain_valid"`
	FirstInvalidIndex int               `json:"first_invalid_index"`
}

func (r *Results) RejectedVotes() int {
	n := 0
	for _, c := range r.Rejected {
		n += c
	}
	return n
}

// VoteVerification compares counted votes with issued credentials. More
// votes than credentials means signatures were minted outside issuance.
type VoteVerification struct {
	IssuedCredentials int  `json:"issued_credentials"`
	CountedVotes      int  `json:"counted_votes"`
	IsValid           bool `json:"is_valid"`
}

// VoteCounter tallies votes straight from blocks, trusting nothing but the
// authority key and the admin address.
type VoteCounter struct {
	hash         encryption.HashFunc
	authorityKey *encryption.PublicKey
	admin        common.Address
	metrics      *MetricsCollector
}

func NewVoteCounter(hash encryption.HashFunc, authorityKey *encryption.PublicKey, admin common.Address, metrics *MetricsCollector) *VoteCounter {
	return &VoteCounter{hash: hash, authorityKey: authorityKey, admin: admin, metrics: metrics}
}

// Count replays blocks and counts every vote that was cast inside the
// election window, for a registered candidate, with a valid authority
// signature over a ballot not seen before.
func (c *VoteCounter) Count(blocks []*models.Block) *Results {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordCounting(start, time.Since(start))
		}
	}()

	res := &Results{
		Rejected:          make(map[string]int),
		Blocks:            len(blocks),
		ChainValid:        true,
		FirstInvalidIndex: -1,
	}

	verification := models.ValidateChain(c.hash, blocks)
	if !verification.Valid {
		res.ChainValid = false
		res.FirstInvalidIndex = verification.FirstInvalidIndex
		blocks = blocks[:verification.FirstInvalidIndex]
		log.Warn().
			Int("index", verification.FirstInvalidIndex).
			Str("reason", verification.Reason).
			Msg("counting only the verified prefix of the chain")
	}

	var (
		names   = make(map[string]string)
		votes   = make(map[string]int)
		seen    = mapset.NewSet()
		open    bool
		started bool
	)
	reject := func(reason string) { res.Rejected[reason]++ }

	for _, b := range blocks {
		for _, tx := range b.Transactions() {
			if tx.Type != models.TxVote {
				if err := models.VerifyAdminTransaction(tx, c.admin); err != nil {
					log.Warn().Err(err).Str("tx", tx.ID).Msg("skipping admin transaction")
					continue
				}
				switch tx.Type {
				case models.TxAddCandidate:
					if p, err := models.DecodeCandidatePayload(tx); err == nil {
						names[p.CandidateID] = p.Name
					}
				case models.TxStartElection:
					if started {
						continue
					}
					started, open = true, true
					if p, err := models.DecodeElectionPayload(tx); err == nil {
						res.ElectionID = p.ElectionID
					}
				case models.TxEndElection:
					if open {
						open = false
						res.Final = true
					}
				}
				continue
			}

			if !open {
				reject(RejectOutOfWindow)
				continue
			}
			p, err := models.DecodeVotePayload(tx)
			if err != nil {
				reject(RejectBadPayload)
				continue
			}
			candidateID, _, err := ParseBallot(p.Ballot)
			if err != nil {
				reject(RejectBadPayload)
				continue
			}
			if candidateID != tx.Receiver {
				reject(RejectReceiverDiff)
				continue
			}
			if !encryption.VerifyBlindSignature(c.hash, c.authorityKey, []byte(p.Ballot), new(big.Int).SetBytes(p.Signature)) {
				reject(RejectSignature)
				continue
			}
			if _, ok := names[candidateID]; !ok {
				reject(RejectCandidate)
				continue
			}
			if !seen.Add(p.Ballot) {
				reject(RejectDuplicate)
				continue
			}
			votes[candidateID]++
			res.TotalVotes++
		}
	}

	res.Candidates = make([]CandidateResult, 0, len(names))
	for id, name := range names {
		res.Candidates = append(res.Candidates, CandidateResult{ID: id, Name: name, Votes: votes[id]})
	}
	sort.Slice(res.Candidates, func(i, j int) bool {
		if res.Candidates[i].Votes != res.Candidates[j].Votes {
			return res.Candidates[i].Votes > res.Candidates[j].Votes
		}
		return lessCandidateID(res.Candidates[i].ID, res.Candidates[j].ID)
	})
	return res
}

// VerifyVoteCount checks that no more votes were counted than credentials
// were issued.
func VerifyVoteCount(res *Results, issuedCredentials int) *VoteVerification {
	return &VoteVerification{
		IssuedCredentials: issuedCredentials,
		CountedVotes:      res.TotalVotes,
		IsValid:           res.ChainValid && res.TotalVotes <= issuedCredentials,
	}
}
