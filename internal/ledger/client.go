// Package ledger is an HTTP client for the hosted commitment ledger proxy.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/bridge/internal/models"
)

// DefaultClientTimeout is the default timeout for ledger requests.
const DefaultClientTimeout = 10 * time.Second

// ErrNotFound is returned when the ledger has no such commitment.
var ErrNotFound = errors.New("ledger: not found")

// APIError is a non-success response from the ledger.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger API error (%d): %s", e.Status, e.Body)
}

// Client talks to the ledger's ops endpoint.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// New creates a client for baseURL authenticated with token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: DefaultClientTimeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "ledger")
	return c
}

// op is the body of a POST /ops request.
type op struct {
	Op         string                 `json:"op"`
	Commitment string                 `json:"commitment,omitempty"`
	Target     string                 `json:"target,omitempty"`
	Body       string                 `json:"body,omitempty"`
	Kind       string                 `json:"kind,omitempty"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
	Actor      string                 `json:"actor,omitempty"`
	Outcome    string                 `json:"outcome,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
}

type opResponse struct {
	ID string `json:"id"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Proxy-Token", c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ledger request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) postOp(ctx context.Context, o op) (string, error) {
	var resp opResponse
	if err := c.do(ctx, http.MethodPost, "/ops", o, &resp); err != nil {
		return "", fmt.Errorf("%s: %w", o.Op, err)
	}
	return resp.ID, nil
}

// staleScanLimit bounds the page searched for this claimant's leftovers.
const staleScanLimit = 100

// OpenCommitments returns up to limit open commitments, oldest first. Items
// that do not decode are logged and left out.
func (c *Client) OpenCommitments(ctx context.Context, limit int) ([]models.Commitment, error) {
	q := url.Values{}
	q.Set("state", string(models.CommitmentOpen))
	q.Set("limit", strconv.Itoa(limit))

	var resp struct {
		Commitments []json.RawMessage `json:"commitments"`
	}
	if err := c.do(ctx, http.MethodGet, "/commitments?"+q.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch commitments: %w", err)
	}
	out := make([]models.Commitment, 0, len(resp.Commitments))
	for i, raw := range resp.Commitments {
		var cm models.Commitment
		if err := json.Unmarshal(raw, &cm); err != nil {
			c.logger.Warn("skipping undecodable commitment", "index", i, "error", err)
			continue
		}
		out = append(out, cm)
	}
	return out, nil
}

// StaleCommitments returns open commitments held by owner whose claim is
// older than cutoff or carries no claim time.
func (c *Client) StaleCommitments(ctx context.Context, owner string, cutoff time.Time) ([]models.Commitment, error) {
	open, err := c.OpenCommitments(ctx, staleScanLimit)
	if err != nil {
		return nil, err
	}
	var out []models.Commitment
	for _, cm := range open {
		if cm.Owner == owner && (cm.ClaimedAt == nil || cm.ClaimedAt.Before(cutoff)) {
			out = append(out, cm)
		}
	}
	return out, nil
}

// ResetStaleCommitment releases owner's claim on id. The ledger only honors
// a release from the current owner.
func (c *Client) ResetStaleCommitment(ctx context.Context, id, owner string, _ time.Time) (bool, error) {
	if err := c.ReleaseCommitment(ctx, id, owner); err != nil {
		return false, err
	}
	return true, nil
}

// GetCommitment returns one commitment.
func (c *Client) GetCommitment(ctx context.Context, id string) (*models.Commitment, error) {
	var cm models.Commitment
	err := c.do(ctx, http.MethodGet, "/commitments/"+url.PathEscape(id), nil, &cm)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch commitment %s: %w", id, err)
	}
	return &cm, nil
}

// CommitmentStates returns the state of each known id.
func (c *Client) CommitmentStates(ctx context.Context, ids []string) (map[string]models.CommitmentState, error) {
	out := make(map[string]models.CommitmentState, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))

	var resp struct {
		States map[string]models.CommitmentState `json:"states"`
	}
	if err := c.do(ctx, http.MethodGet, "/commitments/states?"+q.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch commitment states: %w", err)
	}
	for id, s := range resp.States {
		out[id] = s
	}
	return out, nil
}

// ConditionalClaim claims an open, unowned commitment. A 409 from the ledger
// means another claimant won.
func (c *Client) ConditionalClaim(ctx context.Context, id, claimant string, _ time.Time) (bool, error) {
	_, err := c.postOp(ctx, op{Op: "claim", Commitment: id, Actor: claimant})
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ClaimHolder returns the owner of id.
func (c *Client) ClaimHolder(ctx context.Context, id string) (string, bool, error) {
	cm, err := c.GetCommitment(ctx, id)
	if err != nil {
		return "", false, err
	}
	return cm.Owner, cm.Owned(), nil
}

// ReleaseCommitment releases the claim held by owner.
func (c *Client) ReleaseCommitment(ctx context.Context, id, owner string) error {
	_, err := c.postOp(ctx, op{Op: "release", Commitment: id, Actor: owner})
	return err
}

// CloseCommitment closes id with outcome.
func (c *Client) CloseCommitment(ctx context.Context, id, outcome, reason string) error {
	_, err := c.postOp(ctx, op{Op: "close", Commitment: id, Outcome: outcome, Reason: reason})
	return err
}

// InsertAnnotation posts an annotate op.
func (c *Client) InsertAnnotation(ctx context.Context, a *models.Annotation) error {
	id, err := c.postOp(ctx, op{Op: "annotate", Target: a.TargetID, Body: a.Body, Kind: a.Kind, Actor: a.Actor})
	if err != nil {
		return err
	}
	a.ID = id
	return nil
}

// InsertCapture posts a capture op.
func (c *Client) InsertCapture(ctx context.Context, cp *models.Capture) error {
	id, err := c.postOp(ctx, op{Op: "capture", Body: cp.Body, Kind: cp.Kind, Meta: cp.Meta, Actor: cp.Actor})
	if err != nil {
		return err
	}
	cp.ID = id
	c.logger.Debug("captured", "id", id, "kind", cp.Kind)
	return nil
}

// Ping checks the ledger is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}
