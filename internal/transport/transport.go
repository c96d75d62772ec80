// Package transport is the client half of the sync wire protocol: a thin
// HTTP client that turns push and pull calls into classified results the
// engine can act on without looking at status codes.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mosync/backend/internal/identity"
	"github.com/mosync/backend/internal/ids"
	"github.com/mosync/backend/internal/syncerr"
)

// PushEvent is one client event on the push wire. The sharing fields ride
// outside recordJson so the server can validate dependencies without parsing
// the record.
type PushEvent struct {
	EventID        string `json:"eventId"`
	RecordJSON     string `json:"recordJson"`
	ScopeID        string `json:"scopeId,omitempty"`
	ResourceID     string `json:"resourceId,omitempty"`
	ResourceKeyID  string `json:"resourceKeyId,omitempty"`
	GrantID        string `json:"grantId,omitempty"`
	ScopeStateRef  string `json:"scopeStateRef,omitempty"`
	AuthorDeviceID string `json:"authorDeviceId,omitempty"`
}

// Assignment is the sequence the server gave one pushed event.
type Assignment struct {
	EventID        string `json:"eventId"`
	GlobalSequence uint64 `json:"globalSequence"`
}

// Event is one server event as pulled.
type Event struct {
	GlobalSequence uint64 `json:"globalSequence"`
	EventID        string `json:"eventId"`
	RecordJSON     string `json:"recordJson"`
}

// PushResult is the decoded push response. OK false carries the conflict
// reason and, for server_ahead, the missing events when they fit the
// server's cap.
type PushResult struct {
	OK       bool           `json:"ok"`
	Head     uint64         `json:"head"`
	Assigned []Assignment   `json:"assigned,omitempty"`
	Reason   syncerr.Reason `json:"reason,omitempty"`
	Missing  []Event        `json:"missing,omitempty"`
}

// PullResult is the decoded pull response.
type PullResult struct {
	Events    []Event `json:"events"`
	Head      uint64  `json:"head"`
	HasMore   bool    `json:"hasMore"`
	NextSince *uint64 `json:"nextSince"`
}

const (
	pushTimeout  = 30 * time.Second
	pullHeadroom = 15 * time.Second
)

// Client talks to one sync server with one session credential.
type Client struct {
	base string
	cred string
	http *http.Client
}

// NewClient builds a client for the server at baseURL authenticating with
// the given session token. Deadlines are set per call, sized to the
// long-poll wait, so the http.Client itself carries no timeout.
func NewClient(baseURL, sessionToken string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		cred: sessionToken,
		http: &http.Client{},
	}
}

// Push appends a batch at expectedHead. A conflict is a normal result, not
// an error: the caller inspects PushResult.OK and Reason.
func (c *Client) Push(ctx context.Context, storeID ids.StoreID, expectedHead ids.Seq, events []PushEvent) (PushResult, error) {
	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	body := struct {
		StoreID      string      `json:"storeId"`
		ExpectedHead uint64      `json:"expectedHead"`
		Events       []PushEvent `json:"events"`
	}{string(storeID), expectedHead, events}

	resp, err := c.do(ctx, http.MethodPost, "/sync/push", nil, body)
	if err != nil {
		return PushResult{}, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusCreated:
		var out PushResult
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return PushResult{}, syncerr.Wrap(syncerr.Protocol, err, "parse push response")
		}
		return out, nil
	case http.StatusConflict:
		var out PushResult
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return PushResult{}, syncerr.Wrap(syncerr.Protocol, err, "parse push conflict")
		}
		if out.Reason == "" {
			return PushResult{}, syncerr.New(syncerr.Protocol, "push conflict without a reason")
		}
		out.OK = false
		return out, nil
	default:
		return PushResult{}, statusError(resp)
	}
}

// Pull fetches events after since, long-polling up to waitMs when the log
// has nothing new. The request deadline leaves the server's wait clamp
// plus headroom, so a healthy poll always answers before the client cuts
// the connection.
func (c *Client) Pull(ctx context.Context, storeID ids.StoreID, since ids.Seq, limit, waitMs int) (PullResult, error) {
	wait := time.Duration(waitMs) * time.Millisecond
	if wait < 0 {
		wait = 0
	}
	ctx, cancel := context.WithTimeout(ctx, wait+pullHeadroom)
	defer cancel()

	q := url.Values{}
	q.Set("storeId", string(storeID))
	q.Set("since", strconv.FormatUint(since, 10))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("waitMs", strconv.Itoa(waitMs))

	resp, err := c.do(ctx, http.MethodGet, "/sync/pull", q, nil)
	if err != nil {
		return PullResult{}, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return PullResult{}, statusError(resp)
	}
	var out PullResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PullResult{}, syncerr.Wrap(syncerr.Protocol, err, "parse pull response")
	}
	return out, nil
}

// Reset drops every event of the store server-side. Available only where
// the server policy allows it.
func (c *Client) Reset(ctx context.Context, storeID ids.StoreID) error {
	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	body := struct {
		StoreID string `json:"storeId"`
	}{string(storeID)}

	resp, err := c.do(ctx, http.MethodPost, "/sync/dev/reset", nil, body)
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

// Health probes the public health endpoint.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body any) (*http.Response, error) {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", path, err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.cred != "" {
		req.Header.Set(identity.SessionHeaderName, c.cred)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Transport, err, "%s %s", method, path)
	}
	return resp, nil
}

// drain finishes the body so the connection returns to the pool.
func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// statusError turns a non-success response into a classified error,
// preferring the server's own message when the body carries one.
func statusError(resp *http.Response) error {
	var body struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := ""
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
		msg = body.Error.Message
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	var kind syncerr.Kind
	switch {
	case resp.StatusCode == http.StatusBadRequest:
		kind = syncerr.Validation
	case resp.StatusCode == http.StatusUnauthorized:
		kind = syncerr.Unauthenticated
	case resp.StatusCode == http.StatusForbidden:
		kind = syncerr.Forbidden
	case resp.StatusCode == http.StatusConflict:
		kind = syncerr.Conflict
	case resp.StatusCode == http.StatusUnprocessableEntity:
		kind = syncerr.Protocol
	case resp.StatusCode >= 500:
		kind = syncerr.Internal
	default:
		kind = syncerr.Protocol
	}
	return syncerr.New(kind, "server answered %d: %s", resp.StatusCode, msg)
}
