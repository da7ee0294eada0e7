package storage

import (
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/xerrors"

	"voting-ledger/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const chainFileName = "chain.json"

// chainFile is the on-disk layout of a JSONStore.
type chainFile struct {
	Blocks []*models.Block `json:"blocks"`
}

// JSONStore keeps the whole chain in one file rewritten on every block.
type JSONStore struct {
	path   string
	mu     sync.Mutex
	blocks []*models.Block
}

func NewJSONStore(basePath string) (*JSONStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, xerrors.Errorf("create directory %s: %w", basePath, err)
	}

	store := &JSONStore{path: filepath.Join(basePath, chainFileName)}
	blocks, err := readChainFile(store.path)
	if err != nil {
		return nil, err
	}
	store.blocks = blocks
	return store, nil
}

func readChainFile(path string) ([]*models.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, xerrors.Errorf("read chain file: %w", err)
	}
	var chain chainFile
	if err := json.Unmarshal(data, &chain); err != nil {
		return nil, xerrors.Errorf("decode chain file %s: %w", path, err)
	}
	return chain.Blocks, nil
}

// SaveBlock appends block and rewrites the file. On failure the in-memory
// view is left as it was.
func (s *JSONStore) SaveBlock(block *models.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if want := uint64(len(s.blocks)); block.Index() != want {
		return xerrors.Errorf("block %d, next slot %d: %w", block.Index(), want, ErrOutOfOrder)
	}

	next := append(s.blocks[:len(s.blocks):len(s.blocks)], block)
	if err := writeChainFile(s.path, next); err != nil {
		return err
	}
	s.blocks = next
	return nil
}

func (s *JSONStore) LoadBlocks() ([]*models.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blocks := make([]*models.Block, len(s.blocks))
	copy(blocks, s.blocks)
	return blocks, nil
}

func (s *JSONStore) Close() error {
	return nil
}

func writeChainFile(path string, blocks []*models.Block) error {
	data, err := json.MarshalIndent(chainFile{Blocks: blocks}, "", "  ")
	if err != nil {
		return xerrors.Errorf("encode chain: %w", err)
	}

	// write to a temporary file, then rename over the old one
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return xerrors.Errorf("write chain file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return xerrors.Errorf("replace chain file: %w", err)
	}
	return nil
}
