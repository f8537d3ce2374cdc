// Package remote talks to the field server's REST API.
//
// The client is deliberately thin: reads retry transient failures
// internally because repeating a GET is always safe, while mutating calls
// are single-shot. Retrying mutations is the sync engine's job, where each
// attempt is counted, persisted, and bounded by maxRetries. Every mutating
// call carries a stable X-Request-ID so the server can deduplicate the
// attempts the engine does make.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fieldworks/caravan/internal/types"
)

const userAgent = "caravan-sync/1.0"

// fetchRetries is the internal retry budget for reads, on top of the
// first try.
const fetchRetries = 2

// Client provides HTTP access to the field server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the server at baseURL with a per-request
// deadline.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// FetchEntity returns the server's current record for (kind, id), or
// ErrNotFound when the server has none.
func (c *Client) FetchEntity(ctx context.Context, kind types.EntityKind, id string) (types.Payload, error) {
	var record types.Payload
	attempt := func() error {
		body, err := c.do(ctx, http.MethodGet, c.entityURL(kind, id), nil, "")
		if err != nil {
			if !Transient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		record = types.Payload{}
		if err := json.Unmarshal(body, &record); err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s %s: %w", kind, id, err))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	if err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, fetchRetries), ctx)); err != nil {
		return nil, err
	}
	return record, nil
}

// CreateEntity POSTs a new record to the kind's collection and returns the
// created record.
func (c *Client) CreateEntity(ctx context.Context, kind types.EntityKind, payload types.Payload, requestID string) (types.Payload, error) {
	return c.send(ctx, http.MethodPost, c.collectionURL(kind), payload, requestID)
}

// UpdateEntity PUTs a full record and returns the server's updated copy,
// which carries the authoritative updatedAt and version.
func (c *Client) UpdateEntity(ctx context.Context, kind types.EntityKind, id string, payload types.Payload, requestID string) (types.Payload, error) {
	return c.send(ctx, http.MethodPut, c.entityURL(kind, id), payload, requestID)
}

// DeleteEntity removes the entity server-side. Deleting an entity the
// server no longer has reports ErrNotFound; callers treat that as done.
func (c *Client) DeleteEntity(ctx context.Context, kind types.EntityKind, id string, requestID string) error {
	_, err := c.do(ctx, http.MethodDelete, c.entityURL(kind, id), nil, requestID)
	return err
}

// ConflictResolution is the body of the conflicts/resolve call.
type ConflictResolution struct {
	ConflictID    string           `json:"conflictId"`
	EntityKind    types.EntityKind `json:"entityKind"`
	EntityID      string           `json:"entityId"`
	Strategy      string           `json:"strategy"`
	ResolvedBy    string           `json:"resolvedBy"`
	Justification string           `json:"justification,omitempty"`
	ResolvedData  types.Payload    `json:"resolvedData,omitempty"`
}

// ResolveConflict notifies the server that a conflict was resolved and how.
func (c *Client) ResolveConflict(ctx context.Context, resolution ConflictResolution, requestID string) error {
	body, err := json.Marshal(resolution)
	if err != nil {
		return fmt.Errorf("encode resolution %s: %w", resolution.ConflictID, err)
	}
	_, err = c.do(ctx, http.MethodPost, c.baseURL+"/api/v1/sync/conflicts/resolve", body, requestID)
	return err
}

// send marshals a payload, performs one mutating call, and decodes the
// server's record from the response.
func (c *Client) send(ctx context.Context, method, apiURL string, payload types.Payload, requestID string) (types.Payload, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	respBody, err := c.do(ctx, method, apiURL, body, requestID)
	if err != nil {
		return nil, err
	}
	if len(respBody) == 0 {
		return nil, nil
	}
	record := types.Payload{}
	if err := json.Unmarshal(respBody, &record); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return record, nil
}

// do performs one HTTP request and classifies the response. 404 maps to
// ErrNotFound; other non-2xx statuses become StatusError.
func (c *Client) do(ctx context.Context, method, apiURL string, body []byte, requestID string) ([]byte, error) {
	if c.baseURL == "" {
		return nil, errors.New("server URL not configured")
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	op := method + " " + apiURL
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return respBody, nil
}

func (c *Client) collectionURL(kind types.EntityKind) string {
	return fmt.Sprintf("%s/api/v1/%s", c.baseURL, kind.Collection())
}

func (c *Client) entityURL(kind types.EntityKind, id string) string {
	return c.collectionURL(kind) + "/" + url.PathEscape(id)
}
