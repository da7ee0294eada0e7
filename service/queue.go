package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

var (
	ErrQueueFull    = xerrors.New("vote queue is full")
	ErrQueueStopped = xerrors.New("vote queue stopped")
)

// VoteSink is where queued votes end up.
type VoteSink interface {
	SubmitVote(ballot string, signature []byte) (*Receipt, error)
}

type VoteRequest struct {
	ID        xid.ID
	Ballot    string
	Signature []byte
	ResultCh  chan<- *ProcessingResult
}

type ProcessingResult struct {
	RequestID string
	Receipt   *Receipt
	Err       error
	Elapsed   time.Duration
}

// QueueProcessor feeds votes to a sink from a single worker, so submissions
// are applied in arrival order without callers contending for the ledger.
type QueueProcessor struct {
	sink         VoteSink
	voteCh       chan *VoteRequest
	shutdownCh   chan struct{}
	processingWg sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// NewQueueProcessor creates a queue holding up to queueSize waiting votes.
func NewQueueProcessor(sink VoteSink, queueSize int) *QueueProcessor {
	if queueSize < 1 {
		queueSize = 1
	}
	return &QueueProcessor{
		sink:       sink,
		voteCh:     make(chan *VoteRequest, queueSize),
		shutdownCh: make(chan struct{}),
	}
}

// Start launches the worker.
func (qp *QueueProcessor) Start() {
	qp.processingWg.Add(1)
	go qp.voteWorker()
}

// Stop answers every queued request with ErrQueueStopped once the request
// in flight has finished.
func (qp *QueueProcessor) Stop() {
	qp.mu.Lock()
	if qp.stopped {
		qp.mu.Unlock()
		return
	}
	qp.stopped = true
	close(qp.shutdownCh)
	qp.mu.Unlock()
	qp.processingWg.Wait()
	qp.drain()
}

// QueueVote enqueues a vote without blocking. The returned channel yields
// exactly one result.
func (qp *QueueProcessor) QueueVote(ballot string, signature []byte) <-chan *ProcessingResult {
	resultCh := make(chan *ProcessingResult, 1)
	req := &VoteRequest{ID: xid.New(), Ballot: ballot, Signature: signature, ResultCh: resultCh}

	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.stopped {
		reply(req, &ProcessingResult{Err: ErrQueueStopped})
		return resultCh
	}
	select {
	case qp.voteCh <- req:
	default:
		log.Warn().Str("request", req.ID.String()).Msg("vote queue is full")
		reply(req, &ProcessingResult{Err: ErrQueueFull})
	}
	return resultCh
}

// Submit queues a vote and waits for its result.
func (qp *QueueProcessor) Submit(ctx context.Context, ballot string, signature []byte) (*Receipt, error) {
	select {
	case res := <-qp.QueueVote(ballot, signature):
		return res.Receipt, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending is the number of votes waiting for the worker.
func (qp *QueueProcessor) Pending() int {
	return len(qp.voteCh)
}

func reply(req *VoteRequest, res *ProcessingResult) {
	res.RequestID = req.ID.String()
	req.ResultCh <- res
	close(req.ResultCh)
}

func (qp *QueueProcessor) voteWorker() {
	defer qp.processingWg.Done()

	for {
		// shutdown wins over queued work
		select {
		case <-qp.shutdownCh:
			return
		default:
		}

		select {
		case <-qp.shutdownCh:
			return
		case req := <-qp.voteCh:
			start := time.Now()
			receipt, err := qp.sink.SubmitVote(req.Ballot, req.Signature)
			reply(req, &ProcessingResult{Receipt: receipt, Err: err, Elapsed: time.Since(start)})
		}
	}
}

func (qp *QueueProcessor) drain() {
	for {
		select {
		case req := <-qp.voteCh:
			reply(req, &ProcessingResult{Err: ErrQueueStopped})
		default:
			return
		}
	}
}
