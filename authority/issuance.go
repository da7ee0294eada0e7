package authority

import (
	"os"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set"
	"golang.org/x/xerrors"
)

// IssuanceLog remembers which voters already received a credential. Only
// voter ids are kept; blinded values are never written anywhere.
type IssuanceLog struct {
	path   string
	mu     sync.Mutex
	issued mapset.Set
}

func newSet() mapset.Set {
	return mapset.NewSet()
}

type issuanceFile struct {
	Issued []string `json:"issued"`
}

// NewIssuanceLog loads path when it exists. An empty path keeps the log in
// memory only.
func NewIssuanceLog(path string) (*IssuanceLog, error) {
	l := &IssuanceLog{path: path, issued: newSet()}
	if path == "" {
		return l, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("read issuance log: %w", err)
	}
	var file issuanceFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, xerrors.Errorf("decode issuance log: %w", err)
	}
	for _, id := range file.Issued {
		l.issued.Add(id)
	}
	return l, nil
}

// Has reports whether voterID already received a credential.
func (l *IssuanceLog) Has(voterID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.issued.Contains(voterID)
}

// Len is the number of credentials issued.
func (l *IssuanceLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.issued.Cardinality()
}

// issue runs sign while holding the log, then records voterID. Nothing is
// recorded if sign or the write fails.
func (l *IssuanceLog) issue(voterID string, sign func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.issued.Contains(voterID) {
		return xerrors.Errorf("%s: %w", voterID, ErrAlreadyIssued)
	}
	if err := sign(); err != nil {
		return err
	}

	next := l.issued.Clone()
	next.Add(voterID)
	if err := l.write(next); err != nil {
		return err
	}
	l.issued = next
	return nil
}

func (l *IssuanceLog) write(set mapset.Set) error {
	if l.path == "" {
		return nil
	}
	ids := make([]string, 0, set.Cardinality())
	for _, v := range set.ToSlice() {
		ids = append(ids, v.(string))
	}
	sort.Strings(ids)

	data, err := json.MarshalIndent(issuanceFile{Issued: ids}, "", "  ")
	if err != nil {
		return xerrors.Errorf("encode issuance log: %w", err)
	}
	tempPath := l.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return xerrors.Errorf("write issuance log: %w", err)
	}
	if err := os.Rename(tempPath, l.path); err != nil {
		os.Remove(tempPath)
		return xerrors.Errorf("replace issuance log: %w", err)
	}
	return nil
}
