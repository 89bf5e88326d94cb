// Package cws is the bounded-connection HTTP client to the external
// Cryptographic Worker Service. Every cryptographic primitive — tally
// encryption, partial/compensated decryption, combine — is delegated
// here; this package only knows request/response envelopes.
//
// Connection pooling follows the teacher's wrap-one-real-client-behind-
// a-narrow-interface shape (internal/s3/client.go): a single struct
// owns the *http.Client and a maintenance goroutine that evicts idle
// connections on a fixed cadence.
package cws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ryanuber/go-glob"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/s3-encryption-gateway/internal/model"
)

const (
	pathCreateTally       = "/create_encrypted_tally"
	pathPartialDecrypt    = "/create_partial_decryption"
	pathCompensatedDecrypt = "/create_compensated_decryption"
	pathCombine           = "/combine_decryption_shares"
)

// Default per-operation timeouts (spec.md §4.6 / §6).
const (
	TallyTimeout      = 30 * time.Minute
	DecryptTimeout    = 10 * time.Minute
	CompensateTimeout = 10 * time.Minute
	CombineTimeout    = 10 * time.Minute
)

// PoolConfig bounds the CWS connection pool.
type PoolConfig struct {
	MaxConnections       int
	MaxPerRoute          int
	IdleEvictInterval    time.Duration
	ValidateAfterInactive time.Duration
	ConnTTL              time.Duration
}

// RouteOverride sets the timeout for requests whose path matches Pattern
// (a glob, e.g. "*tally*"). Overrides are fixed when New builds the client.
type RouteOverride struct {
	Pattern string
	Timeout time.Duration
}

// TallyRequest/.Response mirror the CWS /create_encrypted_tally envelope.
type TallyRequest struct {
	ElectionID    string   `json:"electionId"`
	JointPublicKey string  `json:"jointPublicKey"`
	CipherTexts   []string `json:"cipherTexts"`
}

type TallyResponse struct {
	EncryptedTally   string   `json:"encryptedTally"`
	SubmittedBallots []string `json:"submittedBallots"`
}

// PartialDecryptRequest/.Response mirror /create_partial_decryption.
type PartialDecryptRequest struct {
	ElectionID     string `json:"electionId"`
	GuardianID     string `json:"guardianId"`
	PrivateKey     string `json:"privateKey"`
	Polynomial     string `json:"polynomial"`
	EncryptedTally string `json:"encryptedTally"`
}

type PartialDecryptResponse struct {
	TallyShare  string `json:"tallyShare"`
	BallotShare string `json:"ballotShare"`
}

// CompensatedDecryptRequest/.Response mirror /create_compensated_decryption.
type CompensatedDecryptRequest struct {
	ElectionID          string `json:"electionId"`
	CompensatingGuardian string `json:"compensatingGuardianId"`
	MissingGuardian      string `json:"missingGuardianId"`
	PrivateKey           string `json:"privateKey"`
	Polynomial           string `json:"polynomial"`
	EncryptedTally       string `json:"encryptedTally"`
}

type CompensatedDecryptResponse struct {
	CompensatedTallyShare  string `json:"compensatedTallyShare"`
	CompensatedBallotShare string `json:"compensatedBallotShare"`
}

// CombineRequest/.Response mirror /combine_decryption_shares.
type CombineRequest struct {
	ElectionID  string   `json:"electionId"`
	TallyShares []string `json:"tallyShares"`
	BallotShares []string `json:"ballotShares"`
}

type CombineResponse struct {
	DecryptedTally   string   `json:"decryptedTally"`
	DecryptedBallots []string `json:"decryptedBallots"`
}

// apiError is the CWS's structured error body.
type apiError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// Client is the CWS contract the worker handlers depend on.
type Client interface {
	CreateEncryptedTally(ctx context.Context, req TallyRequest) (*TallyResponse, error)
	CreatePartialDecryption(ctx context.Context, req PartialDecryptRequest) (*PartialDecryptResponse, error)
	CreateCompensatedDecryption(ctx context.Context, req CompensatedDecryptRequest) (*CompensatedDecryptResponse, error)
	CombineDecryptionShares(ctx context.Context, req CombineRequest) (*CombineResponse, error)
	Close()
}

type httpClient struct {
	baseURL   string
	http      *http.Client
	transport *http.Transport
	overrides []RouteOverride
	log       *logrus.Logger
	stop      chan struct{}
}

// New builds a pooled CWS client. baseURL should not have a trailing slash.
func New(baseURL string, pool PoolConfig, overrides []RouteOverride, log *logrus.Logger) Client {
	transport := &http.Transport{
		MaxConnsPerHost:     pool.MaxPerRoute,
		MaxIdleConns:        pool.MaxConnections,
		MaxIdleConnsPerHost: pool.MaxPerRoute,
		IdleConnTimeout:     pool.ValidateAfterInactive,
	}
	c := &httpClient{
		baseURL:   baseURL,
		http:      &http.Client{Transport: transport},
		transport: transport,
		overrides: overrides,
		log:       log,
		stop:      make(chan struct{}),
	}
	evict := pool.IdleEvictInterval
	if evict <= 0 {
		evict = 30 * time.Second
	}
	go c.evictIdleLoop(evict)
	return c
}

func (c *httpClient) evictIdleLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.transport.CloseIdleConnections()
		}
	}
}

// timeoutFor resolves the request timeout for path: a matching
// RouteOverride wins, otherwise the operation-type default applies.
func (c *httpClient) timeoutFor(path string, def time.Duration) time.Duration {
	for _, o := range c.overrides {
		if glob.Glob(o.Pattern, path) {
			return o.Timeout
		}
	}
	return def
}

func (c *httpClient) do(ctx context.Context, path string, timeout time.Duration, reqBody, respBody interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeoutFor(path, timeout))
	defer cancel()

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return model.Classify(model.ErrInvalidInput, fmt.Errorf("cws: marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return model.Classify(model.ErrInternal, fmt.Errorf("cws: build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return model.Classify(model.ErrTransientCWS, fmt.Errorf("cws: %s: %w", path, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Classify(model.ErrTransientCWS, fmt.Errorf("cws: %s: read body: %w", path, err))
	}

	if resp.StatusCode >= 500 {
		return model.Classify(model.ErrTransientCWS, fmt.Errorf("cws: %s: server error %d: %s", path, resp.StatusCode, string(raw)))
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		_ = json.Unmarshal(raw, &apiErr)
		return model.Classify(model.ErrPermanentCWS4xx, fmt.Errorf("cws: %s: %d: %s", path, resp.StatusCode, apiErr.Error))
	}

	if err := json.Unmarshal(raw, respBody); err != nil {
		return model.Classify(model.ErrTransientCWS, fmt.Errorf("cws: %s: decode response: %w", path, err))
	}
	// raw is dropped here; the handler never retains the body string
	// beyond the decode, per spec.md §4.6.
	return nil
}

func (c *httpClient) CreateEncryptedTally(ctx context.Context, req TallyRequest) (*TallyResponse, error) {
	var out TallyResponse
	if err := c.do(ctx, pathCreateTally, TallyTimeout, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) CreatePartialDecryption(ctx context.Context, req PartialDecryptRequest) (*PartialDecryptResponse, error) {
	var out PartialDecryptResponse
	if err := c.do(ctx, pathPartialDecrypt, DecryptTimeout, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) CreateCompensatedDecryption(ctx context.Context, req CompensatedDecryptRequest) (*CompensatedDecryptResponse, error) {
	var out CompensatedDecryptResponse
	if err := c.do(ctx, pathCompensatedDecrypt, CompensateTimeout, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) CombineDecryptionShares(ctx context.Context, req CombineRequest) (*CombineResponse, error) {
	var out CombineResponse
	if err := c.do(ctx, pathCombine, CombineTimeout, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) Close() {
	close(c.stop)
	c.transport.CloseIdleConnections()
}
