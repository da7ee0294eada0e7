package storage

import (
	"encoding/binary"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/xerrors"

	"voting-ledger/models"
)

var blockPrefix = []byte("block-")

func blockKey(index uint64) []byte {
	key := make([]byte, len(blockPrefix)+8)
	copy(key, blockPrefix)
	binary.BigEndian.PutUint64(key[len(blockPrefix):], index)
	return key
}

// LevelStore writes one record per block under "block-" + index (u64 BE), so
// an iteration over the prefix yields blocks in chain order.
type LevelStore struct {
	db *leveldb.DB
}

func NewLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, xerrors.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelStore{db: db}, nil
}

func (s *LevelStore) SaveBlock(block *models.Block) error {
	key := blockKey(block.Index())
	if block.Index() > 0 {
		if ok, err := s.db.Has(blockKey(block.Index()-1), nil); err != nil {
			return xerrors.Errorf("check block %d: %w", block.Index()-1, err)
		} else if !ok {
			return xerrors.Errorf("block %d without predecessor: %w", block.Index(), ErrOutOfOrder)
		}
	}
	if ok, err := s.db.Has(key, nil); err != nil {
		return xerrors.Errorf("check block %d: %w", block.Index(), err)
	} else if ok {
		return xerrors.Errorf("block %d already stored: %w", block.Index(), ErrOutOfOrder)
	}

	data, err := json.Marshal(block)
	if err != nil {
		return xerrors.Errorf("encode block %d: %w", block.Index(), err)
	}
	if err := s.db.Put(key, data, nil); err != nil {
		return xerrors.Errorf("put block %d: %w", block.Index(), err)
	}
	return nil
}

func (s *LevelStore) LoadBlocks() ([]*models.Block, error) {
	iter := s.db.NewIterator(util.BytesPrefix(blockPrefix), nil)
	defer iter.Release()

	var blocks []*models.Block
	for iter.Next() {
		b := new(models.Block)
		if err := json.Unmarshal(iter.Value(), b); err != nil {
			return nil, xerrors.Errorf("decode block at key %x: %w", iter.Key(), err)
		}
		blocks = append(blocks, b)
	}
	if err := iter.Error(); err != nil {
		return nil, xerrors.Errorf("iterate blocks: %w", err)
	}
	return blocks, nil
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}
