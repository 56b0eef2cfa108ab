// Package identity is the HTTP client for the external identity service:
// session validation, rating/star pushes, and server registration live
// behind this one small synchronous façade (§6 of the spec). The identity
// service itself is a black-box external collaborator; only its contract
// is modeled here.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/lattice-games/server/internal/version"
)

// Status is the identity service's integer response-status enum.
type Status int

const (
	StatusSuccess Status = iota
	StatusCredsInvalid
	StatusAccountLocked
)

const (
	StatusRequestMalformed  Status = 96
	StatusResponseMalformed Status = 97
	StatusConnectionFailed  Status = 98
	StatusUnknown           Status = 99
)

// ValidateSessionResult is the identity service's response to
// POST /validate_session.php.
type ValidateSessionResult struct {
	Status      Status   `json:"status"`
	Username    string   `json:"username,omitempty"`
	Unlocks     []string `json:"unlocks,omitempty"`
	Rating      float64  `json:"rating,omitempty"`
	Stars       int      `json:"stars,omitempty"`
	RecentStars int      `json:"recent_stars,omitempty"`
}

// Client is a reference-counted (via Go's normal GC — held by pointer, shared
// read-only across actors), immutable-after-init HTTP client for the
// identity service. It is the one piece of state the concurrency model
// allows to be shared across actors, per spec.md §5.
type Client struct {
	http    *http.Client
	baseURL string
}

// New builds a Client bound to baseURL, e.g. "https://id.example.test".
func New(baseURL string) *Client {
	return &Client{
		http: &http.Client{Timeout: 10 * time.Second},
		baseURL: baseURL,
	}
}

func userAgent() string {
	return fmt.Sprintf("epicinium-server/%s (%s/%s; go)", version.Current, runtime.GOOS, runtime.GOARCH)
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("identity: encoding request to %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("identity: building request to %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("identity: calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("identity: reading response from %s: %w", path, err)
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("identity: %s returned HTTP %d: %s", path, resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("identity: decoding response from %s: %w", path, err)
		}
	}
	return nil
}

// ValidateSession exchanges a login token for the account's identity and
// cached rating/stars. challengeKey is set when the client is attempting
// to enter a specific scripted challenge. A nil Client (no login server
// configured, a dev deployment) admits any token unconditionally, using
// the token itself as the username — the same posture portal.Bind
// already takes for registration.
func (c *Client) ValidateSession(ctx context.Context, token, challengeKey string) (ValidateSessionResult, error) {
	if c == nil {
		return ValidateSessionResult{Status: StatusSuccess, Username: token}, nil
	}

	req := struct {
		Token        string `json:"token"`
		ChallengeKey string `json:"challenge_key,omitempty"`
	}{Token: token, ChallengeKey: challengeKey}

	var result ValidateSessionResult
	if err := c.postJSON(ctx, "/validate_session.php", req, &result); err != nil {
		return ValidateSessionResult{Status: StatusConnectionFailed}, err
	}
	return result, nil
}

// UpdateRating pushes a freshly-adjusted rating for userID. A no-op on a
// nil Client.
func (c *Client) UpdateRating(ctx context.Context, userID string, rating float64) error {
	if c == nil {
		return nil
	}
	req := struct {
		UserID string  `json:"user_id"`
		Rating float64 `json:"rating"`
	}{UserID: userID, Rating: rating}
	return c.postJSON(ctx, "/api/v1/update_rating", req, nil)
}

// AwardStars pushes an updated star count for the current challenge. A
// no-op on a nil Client.
func (c *Client) AwardStars(ctx context.Context, userID, challengeKey string, stars int) error {
	if c == nil {
		return nil
	}
	req := struct {
		UserID string `json:"user_id"`
		Key    string `json:"key"`
		Stars  int    `json:"stars"`
	}{UserID: userID, Key: challengeKey, Stars: stars}
	return c.postJSON(ctx, "/api/v1/award_stars", req, nil)
}

// RegisterServer announces this process to the identity service's server
// directory and receives back the port it has been allotted.
func (c *Client) RegisterServer(ctx context.Context) (int, error) {
	var result struct {
		Port int `json:"port"`
	}
	if err := c.postJSON(ctx, "/api/v1/servers", struct{}{}, &result); err != nil {
		return 0, err
	}
	return result.Port, nil
}

// heartbeat/deregister use PATCH/DELETE, which postJSON doesn't cover since
// they don't always carry a JSON body worth decoding; kept as their own
// small method bodies rather than stretching postJSON's shape.

// Heartbeat marks the registered server as online.
func (c *Client) Heartbeat(ctx context.Context, port int) error {
	return c.patchOnline(ctx, port, true)
}

func (c *Client) patchOnline(ctx context.Context, port int, online bool) error {
	payload, err := json.Marshal(struct {
		Online bool `json:"online"`
	}{Online: online})
	if err != nil {
		return fmt.Errorf("identity: encoding heartbeat: %w", err)
	}

	path := fmt.Sprintf("/api/v1/servers/%d", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("identity: building heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("identity: sending heartbeat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("identity: heartbeat returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Deregister removes the registered server entry, e.g. on clean shutdown.
func (c *Client) Deregister(ctx context.Context, port int) error {
	path := fmt.Sprintf("/api/v1/servers/%d", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("identity: building deregister request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("identity: sending deregister: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("identity: deregister returned HTTP %d", resp.StatusCode)
	}
	return nil
}
