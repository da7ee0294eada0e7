// Package config holds the node settings: defaults, an optional TOML file and
// whatever the command line overrides on top.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"voting-ledger/encryption"
	"voting-ledger/storage"
)

var ErrInvalidConfig = xerrors.New("invalid configuration")

// Duration reads TOML strings such as "90m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Candidate struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
}

type Config struct {
	ListenAddr string `toml:"listen_addr"`
	DataDir    string `toml:"data_dir"`
	Storage    string `toml:"storage"`
	Hash       string `toml:"hash"`

	KeyBits    int    `toml:"key_bits"`
	KeyFile    string `toml:"key_file"`
	VotersFile string `toml:"voters_file"`
	IssuedFile string `toml:"issued_file"`
	// RequirePersonalCodes refuses credentials to voter ids that are not
	// valid national personal codes.
	RequirePersonalCodes bool `toml:"require_personal_codes"`

	BatchSize  int         `toml:"batch_size"`
	QueueSize  int         `toml:"queue_size"`
	Snapshots  int         `toml:"snapshots"`
	ElectionID string      `toml:"election_id"`
	Duration   Duration    `toml:"duration"`
	Candidates []Candidate `toml:"candidates"`

	LogLevel string `toml:"log_level"`
}

func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		DataDir:    "blockchain_data",
		Storage:    storage.BackendJSON,
		Hash:       encryption.HashSHA256,
		KeyBits:    encryption.DefaultKeyBits,
		BatchSize:  1,
		QueueSize:  100,
		Snapshots:  5,
		ElectionID: "election",
		LogLevel:   "info",
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
// Unknown keys are an error so typos do not pass silently.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, xerrors.Errorf("read config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, xerrors.Errorf("unknown keys %s: %w", strings.Join(keys, ", "), ErrInvalidConfig)
	}
	return cfg, cfg.Validate()
}

// Save writes cfg as TOML.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

func (c *Config) Validate() error {
	switch {
	case c.DataDir == "":
		return xerrors.Errorf("data_dir is required: %w", ErrInvalidConfig)
	case c.KeyBits < encryption.MinKeyBits:
		return xerrors.Errorf("key_bits %d below %d: %w", c.KeyBits, encryption.MinKeyBits, ErrInvalidConfig)
	case c.BatchSize < 1:
		return xerrors.Errorf("batch_size must be positive: %w", ErrInvalidConfig)
	case c.QueueSize < 1:
		return xerrors.Errorf("queue_size must be positive: %w", ErrInvalidConfig)
	case c.Duration.Duration < 0:
		return xerrors.Errorf("duration is negative: %w", ErrInvalidConfig)
	}
	switch strings.ToLower(c.Storage) {
	case storage.BackendJSON, storage.BackendLevelDB, storage.BackendMemory:
	default:
		return xerrors.Errorf("storage %q: %w", c.Storage, ErrInvalidConfig)
	}
	if _, err := encryption.HashFuncByName(c.Hash); err != nil {
		return xerrors.Errorf("%v: %w", err, ErrInvalidConfig)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return xerrors.Errorf("log_level %q: %w", c.LogLevel, ErrInvalidConfig)
	}
	seen := make(map[string]bool)
	for _, cand := range c.Candidates {
		if seen[cand.ID] {
			return xerrors.Errorf("candidate %s listed twice: %w", cand.ID, ErrInvalidConfig)
		}
		seen[cand.ID] = true
	}
	return nil
}

func (c *Config) HashFunc() (encryption.HashFunc, error) {
	return encryption.HashFuncByName(c.Hash)
}

// ApplyLogLevel sets the global zerolog level.
func (c *Config) ApplyLogLevel() error {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

func (c *Config) KeyPath() string {
	return c.inDataDir(c.KeyFile, "authority_keys.json")
}

func (c *Config) VotersPath() string {
	return c.inDataDir(c.VotersFile, "voters.json")
}

func (c *Config) IssuedPath() string {
	return c.inDataDir(c.IssuedFile, "issued_credentials.json")
}

func (c *Config) SnapshotDir() string {
	return filepath.Join(c.DataDir, "snapshots")
}

func (c *Config) inDataDir(path, fallback string) string {
	if path == "" {
		return filepath.Join(c.DataDir, fallback)
	}
	return path
}
