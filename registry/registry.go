// Package registry answers whether a voter may receive a ballot credential.
package registry

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// VotingAge is the minimum age on the day eligibility is checked.
const VotingAge = 18

var (
	ErrVoterNotFound = xerrors.New("voter not in registry")
	ErrVoterInactive = xerrors.New("voter is not active")
	ErrUnderage      = xerrors.New("voter is under voting age")
	ErrInvalidVoter  = xerrors.New("invalid voter record")
)

// Registry is consulted by the signing authority before it issues a credential.
type Registry interface {
	CheckEligible(voterID string) error
	Voter(voterID string) (*Voter, error)
	Len() int
}

type Voter struct {
	VoterID     string    `json:"voter_id"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	DateOfBirth time.Time `json:"date_of_birth"`
	District    string    `json:"district,omitempty"`
	IsActive    bool      `json:"is_active"`
	LastUpdated time.Time `json:"last_updated"`
}

func (v *Voter) validate() error {
	switch {
	case v.VoterID == "":
		return xerrors.Errorf("voter id is required: %w", ErrInvalidVoter)
	case v.FirstName == "" || v.LastName == "":
		return xerrors.Errorf("%s: name is required: %w", v.VoterID, ErrInvalidVoter)
	case v.DateOfBirth.IsZero():
		return xerrors.Errorf("%s: date of birth is required: %w", v.VoterID, ErrInvalidVoter)
	}
	return nil
}

type votersFile struct {
	Voters []*Voter `json:"voters"`
}

// FileRegistry is a Registry backed by a JSON file.
type FileRegistry struct {
	path   string
	mu     sync.RWMutex
	voters map[string]*Voter
	now    func() time.Time
}

// NewFileRegistry loads path, writing a small default registry first if the
// file does not exist. An empty path gives an empty in-memory registry.
func NewFileRegistry(path string) (*FileRegistry, error) {
	r := &FileRegistry{
		path:   path,
		voters: make(map[string]*Voter),
		now:    time.Now,
	}
	if path == "" {
		return r, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, xerrors.Errorf("create registry directory: %w", err)
	}
	if err := r.Load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Load replaces the in-memory voters with the content of the file.
func (r *FileRegistry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return r.writeDefaults()
	}
	if err != nil {
		return xerrors.Errorf("read voters file: %w", err)
	}

	var file votersFile
	if err := json.Unmarshal(data, &file); err != nil {
		return xerrors.Errorf("decode voters file: %w", err)
	}

	voters := make(map[string]*Voter, len(file.Voters))
	for _, v := range file.Voters {
		if err := v.validate(); err != nil {
			return err
		}
		voters[v.VoterID] = v
	}
	r.voters = voters
	log.Info().Int("voters", len(voters)).Str("file", r.path).Msg("voter registry loaded")
	return nil
}

func defaultVoters(now time.Time) []*Voter {
	return []*Voter{
		{VoterID: "39001011237", FirstName: "Jonas", LastName: "Jonaitis", DateOfBirth: time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC), District: "Vilnius", IsActive: true, LastUpdated: now},
		{VoterID: "48505152345", FirstName: "Ona", LastName: "Onaite", DateOfBirth: time.Date(1985, 5, 15, 0, 0, 0, 0, time.UTC), District: "Kaunas", IsActive: true, LastUpdated: now},
		{VoterID: "37712243453", FirstName: "Petras", LastName: "Petraitis", DateOfBirth: time.Date(1977, 12, 24, 0, 0, 0, 0, time.UTC), District: "Klaipeda", IsActive: true, LastUpdated: now},
	}
}

func (r *FileRegistry) writeDefaults() error {
	file := votersFile{Voters: defaultVoters(r.now().UTC())}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return xerrors.Errorf("encode default voters: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0644); err != nil {
		return xerrors.Errorf("write default voters file: %w", err)
	}
	for _, v := range file.Voters {
		r.voters[v.VoterID] = v
	}
	log.Warn().Str("file", r.path).Int("voters", len(file.Voters)).Msg("voters file missing, wrote default registry")
	return nil
}

// CheckEligible returns nil when the voter exists, is active and is of age.
func (r *FileRegistry) CheckEligible(voterID string) error {
	r.mu.RLock()
	v, ok := r.voters[voterID]
	r.mu.RUnlock()

	if !ok {
		return xerrors.Errorf("%s: %w", voterID, ErrVoterNotFound)
	}
	if !v.IsActive {
		return xerrors.Errorf("%s: %w", voterID, ErrVoterInactive)
	}
	if v.DateOfBirth.AddDate(VotingAge, 0, 0).After(r.now()) {
		return xerrors.Errorf("%s: %w", voterID, ErrUnderage)
	}
	return nil
}

// Voter returns a copy of the stored record.
func (r *FileRegistry) Voter(voterID string) (*Voter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.voters[voterID]
	if !ok {
		return nil, xerrors.Errorf("%s: %w", voterID, ErrVoterNotFound)
	}
	cp := *v
	return &cp, nil
}

func (r *FileRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.voters)
}

// IDs lists voter ids in sorted order.
func (r *FileRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.voters))
	for id := range r.voters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Add inserts or replaces a voter in memory.
func (r *FileRegistry) Add(v *Voter) error {
	if err := v.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *v
	r.voters[v.VoterID] = &cp
	return nil
}

func (r *FileRegistry) Remove(voterID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.voters, voterID)
}
