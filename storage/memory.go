package storage

import (
	"sync"

	"golang.org/x/xerrors"

	"voting-ledger/models"
)

// MemoryStore keeps blocks in process. Used when no data directory is
// configured and in tests.
type MemoryStore struct {
	mu     sync.Mutex
	blocks []*models.Block
	// FailNext makes the next SaveBlock return this error.
	FailNext error
}

func NewMemoryStore(blocks ...*models.Block) *MemoryStore {
	return &MemoryStore{blocks: blocks}
}

func (s *MemoryStore) SaveBlock(block *models.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.FailNext; err != nil {
		s.FailNext = nil
		return err
	}
	if want := uint64(len(s.blocks)); block.Index() != want {
		return xerrors.Errorf("block %d, next slot %d: %w", block.Index(), want, ErrOutOfOrder)
	}
	s.blocks = append(s.blocks, block)
	return nil
}

func (s *MemoryStore) LoadBlocks() ([]*models.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blocks := make([]*models.Block, len(s.blocks))
	copy(blocks, s.blocks)
	return blocks, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
