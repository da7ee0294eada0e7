package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
	require.Equal(t, filepath.Join("blockchain_data", "authority_keys.json"), cfg.KeyPath())
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
listen_addr = "127.0.0.1:9000"
data_dir = "/var/lib/ledger"
storage = "leveldb"
hash = "keccak256"
batch_size = 8
duration = "90m"
voters_file = "/etc/ledger/voters.json"

[[candidates]]
id = "1"
name = "Alice"

[[candidates]]
id = "2"
name = "Bob"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	require.Equal(t, "leveldb", cfg.Storage)
	require.Equal(t, 8, cfg.BatchSize)
	require.Equal(t, 90*time.Minute, cfg.Duration.Duration)
	require.Equal(t, []Candidate{{ID: "1", Name: "Alice"}, {ID: "2", Name: "Bob"}}, cfg.Candidates)
	require.Equal(t, "/etc/ledger/voters.json", cfg.VotersPath())
	require.Equal(t, filepath.Join("/var/lib/ledger", "issued_credentials.json"), cfg.IssuedPath())
	// untouched keys keep their defaults
	require.Equal(t, 100, cfg.QueueSize)

	hash, err := cfg.HashFunc()
	require.NoError(t, err)
	require.Len(t, hash([]byte("x")), 32)
}

func TestLoad_Rejects(t *testing.T) {
	tests := map[string]string{
		"unknown key":   `listen_adr = ":1"`,
		"bad storage":   `storage = "postgres"`,
		"bad hash":      `hash = "md5"`,
		"small key":     `key_bits = 512`,
		"zero batch":    `batch_size = 0`,
		"bad level":     `log_level = "loud"`,
		"dup candidate": "[[candidates]]\nid = \"1\"\n[[candidates]]\nid = \"1\"",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, content))
			require.True(t, xerrors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}

	_, err := Load(writeFile(t, `duration = "soon"`))
	require.Error(t, err)
	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestSave_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Duration = Duration{2 * time.Hour}
	cfg.Candidates = []Candidate{{ID: "3", Name: "Carol"}}

	path := filepath.Join(t.TempDir(), "conf", "node.toml")
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

func TestApplyLogLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.GlobalLevel())

	cfg := Default()
	cfg.LogLevel = "warn"
	require.NoError(t, cfg.ApplyLogLevel())
	require.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}
