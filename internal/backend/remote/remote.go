// Package remote talks to the ledger server over HTTP and WebSocket.
package remote

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

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"coppia/internal/backend"
	"coppia/internal/core"
	applog "coppia/internal/log"
)

const (
	userAgent      = "coppia-client/1.0"
	requestTimeout = 15 * time.Second
	liveReadLimit  = 1 << 20
	liveBuffer     = 64
)

// HTTPClient is the subset of *http.Client the backend uses.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is a backend.Backend bound to one user and, for writes and live
// updates, one household.
type Client struct {
	baseURL     string
	householdID string
	userID      string
	http        HTTPClient
}

var _ backend.Backend = (*Client)(nil)

// New validates cfg and returns a client. httpClient may be nil.
func New(cfg backend.Config, httpClient HTTPClient) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.ServerURL, "/"),
		householdID: cfg.HouseholdID,
		userID:      cfg.UserID,
		http:        httpClient,
	}, nil
}

type wireApplyResult struct {
	Status backend.ApplyStatus `json:"status"`
	Reason string              `json:"reason"`
	Error  string              `json:"error"`
}

type wireJoinResponse struct {
	Outcome core.JoinOutcome `json:"outcome"`
}

// ApplyIdempotent sends one write with token as the Idempotency-Key.
// Network failures and 5xx are transient, 429 is a core.ThrottledError and
// other 4xx are rejections.
func (c *Client) ApplyIdempotent(ctx context.Context, token string, kind core.OperationKind, payload json.RawMessage) (backend.ApplyResult, error) {
	if c.householdID == "" {
		return backend.ApplyResult{}, errors.New("household ID is not configured")
	}

	body := struct {
		Kind    core.OperationKind `json:"kind"`
		Payload json.RawMessage    `json:"payload"`
	}{kind, payload}

	resp, err := c.do(ctx, http.MethodPost, c.householdPath(c.householdID, "operations"), body, map[string]string{
		"Idempotency-Key": token,
		"X-User-ID":       c.userID,
	})
	if err != nil {
		return backend.ApplyResult{}, err
	}
	defer resp.Body.Close()

	var res wireApplyResult
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&res)

	switch {
	case resp.StatusCode == http.StatusCreated:
		return backend.ApplyResult{Status: backend.StatusApplied}, nil
	case resp.StatusCode == http.StatusOK:
		return backend.ApplyResult{Status: backend.StatusAlreadyApplied}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return backend.ApplyResult{}, &core.ThrottledError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	case isTransientStatus(resp.StatusCode):
		return backend.ApplyResult{}, core.Transient(fmt.Errorf("server returned %d", resp.StatusCode))
	default:
		reason := res.Reason
		if reason == "" {
			reason = res.Error
		}
		if reason == "" {
			reason = fmt.Sprintf("server returned %d", resp.StatusCode)
		}
		return backend.ApplyResult{Status: backend.StatusRejected, Reason: reason}, nil
	}
}

// SubscribeLiveUpdates opens the household's live stream from sinceSeq.
// The returned channel is closed when the stream ends for any reason.
func (c *Client) SubscribeLiveUpdates(ctx context.Context, scope string, sinceSeq int64) (<-chan core.LiveUpdate, error) {
	if scope == "" {
		scope = c.householdID
	}

	u, err := url.Parse(c.baseURL + c.householdPath(scope, "live"))
	if err != nil {
		return nil, fmt.Errorf("parse live URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("since", fmt.Sprint(sinceSeq))
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("X-User-ID", c.userID)
	header.Set("User-Agent", userAgent)

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && !isTransientStatus(resp.StatusCode) {
			return nil, fmt.Errorf("open live stream: server returned %d", resp.StatusCode)
		}
		return nil, core.Transient(fmt.Errorf("open live stream: %w", err))
	}
	conn.SetReadLimit(liveReadLimit)

	ch := make(chan core.LiveUpdate, liveBuffer)
	go func() {
		defer close(ch)
		defer conn.CloseNow()

		for {
			var update core.LiveUpdate
			if err := wsjson.Read(ctx, conn, &update); err != nil {
				if ctx.Err() == nil {
					slog.Warn("Live stream ended",
						applog.FieldComponent, applog.ComponentLive,
						applog.FieldHouseholdID, scope,
						applog.FieldError, err)
				}
				return
			}
			select {
			case ch <- update:
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}()

	return ch, nil
}

func (c *Client) ConditionalJoinHousehold(ctx context.Context, householdID, userID string) (core.JoinOutcome, error) {
	resp, err := c.do(ctx, http.MethodPost, c.householdPath(householdID, "join"), map[string]string{"user_id": userID}, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusConflict, http.StatusNotFound:
		var jr wireJoinResponse
		if err := json.NewDecoder(resp.Body).Decode(&jr); err != nil {
			return "", fmt.Errorf("decode join response: %w", err)
		}
		if !jr.Outcome.IsValid() {
			return "", fmt.Errorf("unexpected join outcome %q", jr.Outcome)
		}
		return jr.Outcome, nil
	default:
		return "", statusError(resp)
	}
}

func (c *Client) CreateHousehold(ctx context.Context, primaryUserID string) (core.Household, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/households", map[string]string{"primary_user_id": primaryUserID}, nil)
	if err != nil {
		return core.Household{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return core.Household{}, statusError(resp)
	}
	var h core.Household
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return core.Household{}, fmt.Errorf("decode household: %w", err)
	}
	return h, nil
}

func (c *Client) GetHousehold(ctx context.Context, householdID string) (core.Household, error) {
	resp, err := c.do(ctx, http.MethodGet, c.householdPath(householdID, ""), nil, nil)
	if err != nil {
		return core.Household{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return core.Household{}, fmt.Errorf("household %s: %w", householdID, core.ErrHouseholdNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return core.Household{}, statusError(resp)
	}
	var h core.Household
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return core.Household{}, fmt.Errorf("decode household: %w", err)
	}
	return h, nil
}

// Records lists the household's confirmed records.
func (c *Client) Records(ctx context.Context) ([]core.LedgerRecord, error) {
	resp, err := c.do(ctx, http.MethodGet, c.householdPath(c.householdID, "records"), nil, map[string]string{
		"X-User-ID": c.userID,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var records []core.LedgerRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	return records, nil
}

// Ping reports whether the server answers its health check.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return core.Transient(fmt.Errorf("health check returned %d", resp.StatusCode))
	}
	return nil
}

func (c *Client) householdPath(householdID, suffix string) string {
	p := "/api/v1/households/" + url.PathEscape(householdID)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

// do sends a JSON request. Transport failures come back wrapped as
// transient.
func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, core.Transient(fmt.Errorf("send request: %w", err))
	}
	return resp, nil
}

func isTransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

// parseRetryAfter reads a Retry-After value given in seconds or as an HTTP
// date. It returns zero when the header is absent or malformed.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func statusError(resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<12))
	err := fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	if isTransientStatus(resp.StatusCode) {
		return core.Transient(err)
	}
	return err
}
