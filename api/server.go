// Package api exposes the signing authority and the ledger over HTTP.
package api

import (
	"context"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"voting-ledger/authority"
	"voting-ledger/models"
	"voting-ledger/service"
)

type SignRequest struct {
	VoterID string        `json:"voter_id" binding:"required"`
	Blinded hexutil.Bytes `json:"blinded" binding:"required"`
}

type SignResponse struct {
	SignedBlinded hexutil.Bytes `json:"signed_blinded"`
}

type VoteRequest struct {
	Ballot    string        `json:"ballot" binding:"required"`
	Signature hexutil.Bytes `json:"signature" binding:"required"`
}

type CandidateRequest struct {
	ID   string `json:"id" binding:"required"`
	Name string `json:"name" binding:"required"`
}

type StartElectionRequest struct {
	// EndsAt in unix milliseconds; zero leaves the election open until ended.
	EndsAt int64 `json:"ends_at"`
}

type ChainResponse struct {
	Blocks   []*models.Block `json:"blocks"`
	Length   int             `json:"length"`
	IsValid  bool            `json:"is_valid"`
	LastHash string          `json:"last_hash"`
}

type ResultsResponse struct {
	Results      *service.Results          `json:"results"`
	Verification *service.VoteVerification `json:"verification"`
	Session      service.SessionInfo       `json:"session"`
}

type Server struct {
	authority *authority.Authority
	voting    *service.VotingService
	queue     *service.QueueProcessor
	engine    *gin.Engine
	srv       *http.Server
}

// NewServer wires the routes. Votes go through queue when it is non-nil.
func NewServer(auth *authority.Authority, voting *service.VotingService, queue *service.QueueProcessor) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{authority: auth, voting: voting, queue: queue, engine: gin.New()}
	s.engine.Use(gin.Recovery(), requestLogger())

	api := s.engine.Group("/api")
	api.GET("/authority/key", s.handleAuthorityKey)
	api.POST("/authority/sign", s.handleSign)

	api.POST("/votes", s.handleSubmitVote)
	api.GET("/candidates", s.handleCandidates)
	api.GET("/election", s.handleElection)
	api.GET("/results", s.handleResults)
	api.GET("/metrics", s.handleMetrics)

	api.GET("/chain", s.handleChain)
	api.GET("/chain/verify", s.handleVerifyChain)
	api.GET("/blocks/:index", s.handleBlock)
	api.GET("/transactions/:id/proof", s.handleProof)

	admin := api.Group("/admin")
	admin.POST("/candidates", s.handleAddCandidate)
	admin.POST("/election/start", s.handleStartElection)
	admin.POST("/election/end", s.handleEndElection)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	log.Info().Str("addr", addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("route", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func abort(c *gin.Context, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("route", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, errorBody{Error: err.Error(), Code: code})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: err.Error()})
}

func (s *Server) handleAuthorityKey(c *gin.Context) {
	c.JSON(http.StatusOK, s.authority.PublicKey())
}

func (s *Server) handleSign(c *gin.Context) {
	var req SignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	start := time.Now()
	signed, err := s.authority.SignBlinded(req.VoterID, new(big.Int).SetBytes(req.Blinded))
	if err != nil {
		abort(c, err)
		return
	}
	s.voting.Metrics().RecordSigning(start, time.Since(start))
	c.JSON(http.StatusOK, SignResponse{SignedBlinded: signed.FillBytes(make([]byte, s.authority.PublicKey().Size()))})
}

func (s *Server) handleSubmitVote(c *gin.Context) {
	var req VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	var (
		receipt *service.Receipt
		err     error
	)
	if s.queue != nil {
		receipt, err = s.queue.Submit(c.Request.Context(), req.Ballot, req.Signature)
	} else {
		receipt, err = s.voting.SubmitVote(req.Ballot, req.Signature)
	}
	if err != nil {
		abort(c, err)
		return
	}
	status := http.StatusCreated
	if receipt.Pending {
		status = http.StatusAccepted
	}
	c.JSON(status, receipt)
}

func (s *Server) handleCandidates(c *gin.Context) {
	c.JSON(http.StatusOK, s.voting.Candidates())
}

func (s *Server) handleElection(c *gin.Context) {
	c.JSON(http.StatusOK, s.voting.Session())
}

func (s *Server) handleResults(c *gin.Context) {
	res := s.voting.Results()
	c.JSON(http.StatusOK, ResultsResponse{
		Results:      res,
		Verification: service.VerifyVoteCount(res, s.authority.Issued()),
		Session:      s.voting.Session(),
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.voting.Metrics().GetMetrics())
}

func (s *Server) handleChain(c *gin.Context) {
	l := s.voting.Ledger()
	c.JSON(http.StatusOK, ChainResponse{
		Blocks:   l.Blocks(),
		Length:   l.Len(),
		IsValid:  l.VerifyChain().Valid,
		LastHash: l.Tail().HashHex(),
	})
}

func (s *Server) handleVerifyChain(c *gin.Context) {
	c.JSON(http.StatusOK, s.voting.Ledger().VerifyChain())
}

func (s *Server) handleBlock(c *gin.Context) {
	index, err := strconv.ParseUint(c.Param("index"), 10, 64)
	if err != nil {
		badRequest(c, err)
		return
	}
	b, err := s.voting.Ledger().Block(index)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) handleProof(c *gin.Context) {
	proof, err := s.voting.Ledger().ProveTransaction(c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, proof)
}

func (s *Server) handleAddCandidate(c *gin.Context) {
	var req CandidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	b, err := s.voting.AddCandidate(req.ID, req.Name)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (s *Server) handleStartElection(c *gin.Context) {
	var req StartElectionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	var endsAt time.Time
	if req.EndsAt > 0 {
		endsAt = time.UnixMilli(req.EndsAt)
	}
	b, err := s.voting.StartElection(endsAt)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (s *Server) handleEndElection(c *gin.Context) {
	b, err := s.voting.EndElection()
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}
