package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"

	"voting-ledger/api"
	"voting-ledger/authority"
	"voting-ledger/blockchain/ledger"
	"voting-ledger/config"
	"voting-ledger/registry"
	"voting-ledger/service"
	"voting-ledger/storage"
)

// node is one process holding the authority and the ledger.
type node struct {
	cfg       *config.Config
	ledger    *ledger.Ledger
	authority *authority.Authority
	voting    *service.VotingService
	queue     *service.QueueProcessor
	server    *api.Server
}

func newNode(cfg *config.Config) (*node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, xerrors.Errorf("create data dir: %w", err)
	}
	hash, err := cfg.HashFunc()
	if err != nil {
		return nil, err
	}

	keys, err := authority.LoadOrGenerateKeys(cfg.KeyPath(), cfg.KeyBits)
	if err != nil {
		return nil, xerrors.Errorf("authority keys: %w", err)
	}

	voters, err := registry.NewFileRegistry(cfg.VotersPath())
	if err != nil {
		return nil, xerrors.Errorf("voter registry: %w", err)
	}
	var reg registry.Registry = voters
	if cfg.RequirePersonalCodes {
		reg = registry.RequirePersonalCodes(voters)
	}

	issued, err := authority.NewIssuanceLog(cfg.IssuedPath())
	if err != nil {
		return nil, xerrors.Errorf("issuance log: %w", err)
	}
	auth := authority.New(keys, reg, issued)

	store, err := storage.Open(cfg.Storage, cfg.DataDir)
	if err != nil {
		return nil, xerrors.Errorf("open %s store: %w", cfg.Storage, err)
	}
	l, err := ledger.Open(hash, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	archive, err := storage.NewSnapshotArchive(cfg.SnapshotDir(), cfg.Snapshots)
	if err != nil {
		l.Close()
		return nil, err
	}

	vs, err := service.NewVotingService(l, auth.PublicKey(), auth.Admin(), service.Options{
		BatchSize:  cfg.BatchSize,
		ElectionID: cfg.ElectionID,
		Archive:    archive,
	})
	if err != nil {
		l.Close()
		return nil, err
	}

	if err := registerCandidates(vs, cfg.Candidates); err != nil {
		l.Close()
		return nil, err
	}

	qp := service.NewQueueProcessor(vs, cfg.QueueSize)

	log.Info().
		Str("admin", auth.Admin().Address().Hex()).
		Int("voters", voters.Len()).
		Int("blocks", l.Len()).
		Str("storage", cfg.Storage).
		Msg("node ready")

	return &node{
		cfg:       cfg,
		ledger:    l,
		authority: auth,
		voting:    vs,
		queue:     qp,
		server:    api.NewServer(auth, vs, qp),
	}, nil
}

// registerCandidates adds configured candidates the chain does not know yet.
func registerCandidates(vs *service.VotingService, candidates []config.Candidate) error {
	if len(candidates) == 0 || vs.Session().State != service.ElectionPending {
		return nil
	}
	known := make(map[string]bool)
	for _, c := range vs.Candidates() {
		known[c.ID] = true
	}
	for _, c := range candidates {
		if known[c.ID] {
			continue
		}
		if _, err := vs.AddCandidate(c.ID, c.Name); err != nil {
			return xerrors.Errorf("register candidate %s: %w", c.ID, err)
		}
	}
	return nil
}

func (n *node) close() {
	n.queue.Stop()
	if _, err := n.voting.Flush(); err != nil {
		log.Error().Err(err).Msg("failed to seal pending votes")
	}
	if err := n.ledger.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close block store")
	}
}
