package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"

	"voting-ledger/models"
)

const (
	BackendJSON    = "json"
	BackendLevelDB = "leveldb"
	BackendMemory  = "memory"
)

var (
	ErrOutOfOrder     = xerrors.New("block does not extend the stored chain")
	ErrUnknownBackend = xerrors.New("unknown storage backend")
	ErrEmptyChain     = xerrors.New("cannot archive an empty chain")
)

// BlockStore persists blocks in chain order. The ledger calls SaveBlock
// before a block becomes visible, so a store error rejects the append.
type BlockStore interface {
	SaveBlock(block *models.Block) error
	LoadBlocks() ([]*models.Block, error)
	Close() error
}

// Open returns the store for backend rooted at dataDir.
func Open(backend, dataDir string) (BlockStore, error) {
	switch strings.ToLower(backend) {
	case "", BackendJSON:
		return NewJSONStore(dataDir)
	case BackendLevelDB:
		return NewLevelStore(filepath.Join(dataDir, "blocks.ldb"))
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, xerrors.Errorf("%q: %w", backend, ErrUnknownBackend)
	}
}

const snapshotLayout = "20060102150405"

// SnapshotArchive writes frozen copies of a chain, named
// <prefix>_chain_<YYYYMMDDhhmmss>.json, and keeps the newest few.
type SnapshotArchive struct {
	dataDir string
	keep    int
	mutex   sync.RWMutex
	now     func() time.Time
}

type snapshotFile struct {
	path      string
	timestamp int64
}

type snapshotFiles []snapshotFile

func (f snapshotFiles) Len() int           { return len(f) }
func (f snapshotFiles) Less(i, j int) bool { return f[i].timestamp < f[j].timestamp }
func (f snapshotFiles) Swap(i, j int)      { f[i], f[j] = f[j], f[i] }

func NewSnapshotArchive(dataDir string, keep int) (*SnapshotArchive, error) {
	absPath, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, xerrors.Errorf("resolve %s: %w", dataDir, err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, xerrors.Errorf("create snapshot directory: %w", err)
	}
	if keep <= 0 {
		keep = 5
	}
	return &SnapshotArchive{dataDir: absPath, keep: keep, now: time.Now}, nil
}

func (s *SnapshotArchive) pattern(prefix string) string {
	return filepath.Join(s.dataDir, prefix+"_chain_*.json")
}

// listSnapshots returns the archived files for prefix, oldest first.
func (s *SnapshotArchive) listSnapshots(prefix string) (snapshotFiles, error) {
	files, err := filepath.Glob(s.pattern(prefix))
	if err != nil {
		return nil, xerrors.Errorf("list snapshots: %w", err)
	}

	var out snapshotFiles
	for _, file := range files {
		stamp := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(file), prefix+"_chain_"), ".json")
		ts, err := time.Parse(snapshotLayout, stamp)
		if err != nil {
			log.Warn().Str("file", file).Err(err).Msg("skipping snapshot with invalid timestamp")
			continue
		}
		out = append(out, snapshotFile{path: file, timestamp: ts.Unix()})
	}
	sort.Stable(out)
	return out, nil
}

// Save writes blocks as a new snapshot and prunes the oldest ones.
func (s *SnapshotArchive) Save(prefix string, blocks []*models.Block) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(blocks) == 0 {
		return "", ErrEmptyChain
	}

	filename := filepath.Join(s.dataDir, fmt.Sprintf("%s_chain_%s.json", prefix, s.now().UTC().Format(snapshotLayout)))
	data, err := json.MarshalIndent(chainFile{Blocks: blocks}, "", "    ")
	if err != nil {
		return "", xerrors.Errorf("encode snapshot: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return "", xerrors.Errorf("write snapshot: %w", err)
	}

	if err := s.cleanup(prefix); err != nil {
		log.Warn().Err(err).Str("prefix", prefix).Msg("failed to prune old snapshots")
	}
	log.Info().Int("blocks", len(blocks)).Str("file", filename).Msg("chain snapshot saved")
	return filename, nil
}

// LoadLatest reads the newest snapshot for prefix, or nil if none exists.
func (s *SnapshotArchive) LoadLatest(prefix string) ([]*models.Block, string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	files, err := s.listSnapshots(prefix)
	if err != nil {
		return nil, "", err
	}
	if len(files) == 0 {
		return nil, "", nil
	}
	latest := files[len(files)-1].path
	blocks, err := readChainFile(latest)
	if err != nil {
		return nil, "", err
	}
	return blocks, latest, nil
}

func (s *SnapshotArchive) cleanup(prefix string) error {
	files, err := s.listSnapshots(prefix)
	if err != nil {
		return err
	}
	for i := 0; i < len(files)-s.keep; i++ {
		if err := os.Remove(files[i].path); err != nil {
			log.Warn().Err(err).Str("file", files[i].path).Msg("failed to remove old snapshot")
			continue
		}
		log.Debug().Str("file", files[i].path).Msg("removed old snapshot")
	}
	return nil
}
