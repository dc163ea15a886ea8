// Package apiclient talks to the attendance server over its /v1 HTTP API.
// It is the device-side SessionAPI used by the proximity controller.
package apiclient

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

	"github.com/rs/zerolog/log"

	"github.com/rollcall/ble-attendance/internal/beacon"
	apperrors "github.com/rollcall/ble-attendance/internal/errors"
	"github.com/rollcall/ble-attendance/internal/httputil"
	"github.com/rollcall/ble-attendance/internal/model"
)

const (
	defaultTimeout   = 10 * time.Second
	maxErrorBodySize = 64 << 10
)

type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default client, e.g. to change the timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// New returns a client for the server at baseURL authenticating with a
// bearer token.
func New(baseURL, bearerToken string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   bearerToken,
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type CreateSessionRequest struct {
	OrgID      string     `json:"org_id"`
	Title      string     `json:"title"`
	StartsAt   *time.Time `json:"starts_at,omitempty"`
	TTLSeconds int        `json:"ttl_seconds"`
}

type CreatedSession struct {
	SessionToken string         `json:"session_token"`
	EventID      string         `json:"event_id"`
	StartsAt     time.Time      `json:"starts_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	Beacon       beacon.Payload `json:"beacon"`
}

type SessionStatus struct {
	Status   string `json:"status"`
	IsActive bool   `json:"is_active"`
}

func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreatedSession, error) {
	var out CreatedSession
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResolveSession returns nil when the token is unknown or not visible.
func (c *Client) ResolveSession(ctx context.Context, sessionToken string) (*model.ResolvedSession, error) {
	var out []*model.ResolvedSession
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionToken, ""), nil, nil, &out); err != nil {
		return nil, err
	}
	return first(out), nil
}

func (c *Client) ResolveBeacon(ctx context.Context, orgID string, major, minor uint16) (*model.ResolvedSession, error) {
	q := url.Values{}
	q.Set("org_id", orgID)
	q.Set("major", strconv.Itoa(int(major)))
	q.Set("minor", strconv.Itoa(int(minor)))

	var out []*model.ResolvedSession
	if err := c.do(ctx, http.MethodGet, "/v1/beacons/resolve", q, nil, &out); err != nil {
		return nil, err
	}
	return first(out), nil
}

func (c *Client) GetSessionStatus(ctx context.Context, sessionToken string) (*SessionStatus, error) {
	var out SessionStatus
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionToken, "/status"), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StopSession(ctx context.Context, sessionToken string) error {
	return c.do(ctx, http.MethodPost, sessionPath(sessionToken, "/stop"), nil, nil, nil)
}

// AddAttendance reports rule violations in the result's Error tag; only
// transport and authorization failures come back as errors.
func (c *Client) AddAttendance(ctx context.Context, sessionToken string, method model.AttendanceMethod) (*model.AttendanceResult, error) {
	body := map[string]model.AttendanceMethod{"method": method}
	var out model.AttendanceResult
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionToken, "/attendance"), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) NotifySessionStarted(ctx context.Context, sessionToken string) (*model.NotifyResult, error) {
	var out model.NotifyResult
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionToken, "/notify"), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetActiveSessions lists the organization's live sessions. Tokens are
// blank unless the caller is an officer.
func (c *Client) GetActiveSessions(ctx context.Context, orgID string) ([]*model.ResolvedSession, error) {
	var out struct {
		Sessions []*model.ResolvedSession `json:"sessions"`
	}
	path := "/v1/orgs/" + url.PathEscape(orgID) + "/sessions/active"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		log.Debug().Err(err).Str("method", method).Str("path", path).Dur("elapsed", elapsed).Msg("api request error")
		return apperrors.Network(err)
	}
	defer resp.Body.Close()

	log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", elapsed).
		Msg("api request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Network(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// decodeError rebuilds the server's AppError from the error body. Bodies
// that are not ours, such as a proxy's 502 page, become network errors.
func decodeError(resp *http.Response) error {
	var body httputil.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBodySize)).Decode(&body); err != nil || body.Code == "" {
		return apperrors.Network(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	appErr := apperrors.New(body.Code, body.Error)
	appErr.Recoverable = body.Recoverable
	if body.Action != "" {
		appErr.Action = body.Action
	}
	appErr.Details = body.Details
	return appErr
}

func sessionPath(sessionToken, suffix string) string {
	return "/v1/sessions/" + url.PathEscape(sessionToken) + suffix
}

func first(list []*model.ResolvedSession) *model.ResolvedSession {
	if len(list) == 0 {
		return nil
	}
	return list[0]
}
