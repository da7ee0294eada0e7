package service

import (
	"sync"
	"time"

	"golang.org/x/xerrors"
)

type ElectionState string

const (
	ElectionPending ElectionState = "PENDING"
	ElectionOpen    ElectionState = "OPEN"
	ElectionClosed  ElectionState = "CLOSED"
)

var (
	ErrElectionNotOpen     = xerrors.New("election is not open")
	ErrElectionStarted     = xerrors.New("election already started")
	ErrElectionNotStarted  = xerrors.New("election has not started")
	ErrElectionAlreadyOver = xerrors.New("election already ended")
)

// ElectionSession is the voting window. It opens on START_ELECTION and
// closes on END_ELECTION or when its deadline passes.
type ElectionSession struct {
	mu        sync.RWMutex
	id        string
	state     ElectionState
	startTime time.Time
	endTime   time.Time
	now       func() time.Time
}

// NewElectionSession creates a pending session for election id.
func NewElectionSession(id string) *ElectionSession {
	return &ElectionSession{id: id, state: ElectionPending, now: time.Now}
}

func (s *ElectionSession) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Start opens the window. A zero endTime leaves it open until End.
func (s *ElectionSession) Start(startTime, endTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case ElectionOpen:
		return ErrElectionStarted
	case ElectionClosed:
		return ErrElectionAlreadyOver
	}
	s.state = ElectionOpen
	s.startTime = startTime
	s.endTime = endTime
	return nil
}

// End closes the window at the given time.
func (s *ElectionSession) End(at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case ElectionPending:
		return ErrElectionNotStarted
	case ElectionClosed:
		return ErrElectionAlreadyOver
	}
	s.state = ElectionClosed
	s.endTime = at
	return nil
}

// IsActive reports whether votes are accepted now.
func (s *ElectionSession) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == ElectionOpen && (s.endTime.IsZero() || s.now().Before(s.endTime))
}

func (s *ElectionSession) State() ElectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == ElectionOpen && !s.endTime.IsZero() && !s.now().Before(s.endTime) {
		return ElectionClosed
	}
	return s.state
}

// phase is the recorded state, ignoring the deadline.
func (s *ElectionSession) phase() ElectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

type SessionInfo struct {
	ElectionID string        `json:"election_id"`
	State      ElectionState `json:"state"`
	StartTime  time.Time     `json:"start_time,omitempty"`
	EndTime    time.Time     `json:"end_time,omitempty"`
}

func (s *ElectionSession) Info() SessionInfo {
	state := s.State()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionInfo{ElectionID: s.id, State: state, StartTime: s.startTime, EndTime: s.endTime}
}
