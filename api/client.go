package api

import (
	"bytes"
	"context"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/xerrors"

	"voting-ledger/authority"
	"voting-ledger/encryption"
	"voting-ledger/models"
	"voting-ledger/service"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client talks to a Server. It serves an AnonymousVoter as both its Signer
// and its Submitter.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// AuthorityKey fetches the authority's public key.
func (c *Client) AuthorityKey(ctx context.Context) (*encryption.PublicKey, error) {
	var key encryption.PublicKey
	if err := c.do(ctx, http.MethodGet, "/api/authority/key", nil, &key); err != nil {
		return nil, authorityError(err)
	}
	return &key, nil
}

// RequestSignature asks the authority to sign blinded for credential.
func (c *Client) RequestSignature(ctx context.Context, credential string, blinded *big.Int) (*big.Int, error) {
	var resp SignResponse
	req := SignRequest{VoterID: credential, Blinded: blinded.Bytes()}
	if err := c.do(ctx, http.MethodPost, "/api/authority/sign", req, &resp); err != nil {
		return nil, authorityError(err)
	}
	return new(big.Int).SetBytes(resp.SignedBlinded), nil
}

// Submit hands an unblinded ballot to the ledger.
func (c *Client) Submit(ctx context.Context, ballot string, signature []byte) (*service.Receipt, error) {
	var receipt service.Receipt
	if err := c.do(ctx, http.MethodPost, "/api/votes", VoteRequest{Ballot: ballot, Signature: signature}, &receipt); err != nil {
		if unavailable(err) {
			return nil, xerrors.Errorf("%v: %w", err, ErrLedgerUnavailable)
		}
		return nil, err
	}
	return &receipt, nil
}

func (c *Client) Results(ctx context.Context) (*ResultsResponse, error) {
	var resp ResultsResponse
	if err := c.do(ctx, http.MethodGet, "/api/results", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) VerifyChain(ctx context.Context) (*models.VerificationResult, error) {
	var resp models.VerificationResult
	if err := c.do(ctx, http.MethodGet, "/api/chain/verify", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Candidates(ctx context.Context) ([]service.Candidate, error) {
	var resp []service.Candidate
	if err := c.do(ctx, http.MethodGet, "/api/candidates", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// statusError is a non-2xx answer that carried no known code.
type statusError struct {
	status int
	msg    string
}

func (e *statusError) Error() string {
	return http.StatusText(e.status) + ": " + e.msg
}

// transportError wraps failures below HTTP: dial, timeout, bad body.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func unavailable(err error) bool {
	var te *transportError
	if xerrors.As(err, &te) {
		return true
	}
	var se *statusError
	return xerrors.As(err, &se) && se.status >= http.StatusInternalServerError
}

func authorityError(err error) error {
	if unavailable(err) {
		return xerrors.Errorf("%v: %w", err, authority.ErrAuthorityUnavailable)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &transportError{err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &transportError{err: err}
	}

	if resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		if s := sentinel(eb.Code); s != nil {
			return xerrors.Errorf("%s: %w", eb.Error, s)
		}
		msg := eb.Error
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return &statusError{status: resp.StatusCode, msg: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &transportError{err: xerrors.Errorf("decode %s response: %w", path, err)}
	}
	return nil
}
