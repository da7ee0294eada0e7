package api

import (
	"net/http"

	"golang.org/x/xerrors"

	"voting-ledger/authority"
	"voting-ledger/blockchain/ledger"
	"voting-ledger/service"
)

var ErrLedgerUnavailable = xerrors.New("ledger unavailable")

// errorBody is the JSON shape of every error response. Code names the
// sentinel so clients can map it back.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type errorCode struct {
	code   string
	status int
	err    error
}

var errorCodes = []errorCode{
	{"not_eligible", http.StatusForbidden, authority.ErrNotEligible},
	{"already_issued", http.StatusConflict, authority.ErrAlreadyIssued},
	{"invalid_blinded", http.StatusBadRequest, authority.ErrInvalidBlinded},
	{"malformed_ballot", http.StatusBadRequest, service.ErrMalformedBallot},
	{"malformed_candidate", http.StatusBadRequest, service.ErrMalformedCandidate},
	{"invalid_signature", http.StatusBadRequest, service.ErrInvalidSignature},
	{"unknown_candidate", http.StatusBadRequest, service.ErrUnknownCandidate},
	{"candidate_exists", http.StatusConflict, service.ErrCandidateExists},
	{"no_candidates", http.StatusConflict, service.ErrNoCandidates},
	{"duplicate_ballot", http.StatusConflict, service.ErrDuplicateBallot},
	{"election_not_open", http.StatusForbidden, service.ErrElectionNotOpen},
	{"election_started", http.StatusConflict, service.ErrElectionStarted},
	{"election_not_started", http.StatusConflict, service.ErrElectionNotStarted},
	{"election_over", http.StatusConflict, service.ErrElectionAlreadyOver},
	{"queue_full", http.StatusServiceUnavailable, service.ErrQueueFull},
	{"queue_stopped", http.StatusServiceUnavailable, service.ErrQueueStopped},
	{"block_not_found", http.StatusNotFound, ledger.ErrBlockNotFound},
	{"transaction_not_found", http.StatusNotFound, ledger.ErrTransactionNotFound},
}

func classify(err error) (int, string) {
	for _, c := range errorCodes {
		if xerrors.Is(err, c.err) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, ""
}

func sentinel(code string) error {
	for _, c := range errorCodes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
