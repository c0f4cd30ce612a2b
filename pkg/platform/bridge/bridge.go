// Package bridge is the platform.Client that talks to the chat-platform
// bridge over HTTP. The bridge owns the gateway connection and platform
// credentials; warden only sees this small JSON API.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/warden/pkg/platform"
)

const (
	defaultTimeout = 10 * time.Second
	// maxAttachment caps media downloads.
	maxAttachment = 25 << 20
	maxResponse   = 4 << 20
)

// Config configures the bridge client.
type Config struct {
	// URL is the bridge base URL (e.g. "http://localhost:8090").
	URL string
	// Token is sent as a bearer token on every call.
	Token string
	// Timeout bounds each call. Default: 10s.
	Timeout time.Duration
	// RPS throttles outbound calls. 0 disables throttling.
	RPS   float64
	Burst int
}

// Client implements platform.Client.
type Client struct {
	base    string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

var _ platform.Client = (*Client)(nil)

// New creates a bridge client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		base:  cfg.URL,
		token: cfg.Token,
		http:  &http.Client{Timeout: timeout},
	}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return c
}

// statusError is a non-2xx bridge response outside the mapped set.
type statusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("bridge %s %s: HTTP %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// do sends one call. A 403 maps to platform.ErrForbidden and a 404 to
// platform.ErrNotFound; out may be nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("bridge: encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("bridge: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bridge %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("bridge %s %s: %w", method, path, platform.ErrForbidden)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("bridge %s %s: %w", method, path, platform.ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{Method: method, Path: path, Status: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponse)).Decode(out); err != nil {
		return fmt.Errorf("bridge %s %s: decode response: %w", method, path, err)
	}
	return nil
}

func seg(s string) string { return url.PathEscape(s) }

type reasonBody struct {
	Reason string `json:"reason,omitempty"`
}

type banBody struct {
	Reason            string `json:"reason,omitempty"`
	DeleteMessageDays int    `json:"delete_message_days"`
}

type timeoutBody struct {
	Until  time.Time `json:"until"`
	Reason string    `json:"reason,omitempty"`
}

func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+seg(channelID)+"/messages/"+seg(messageID), nil, nil)
}

func (c *Client) Ban(ctx context.Context, communityID, userID, reason string, deleteMessageDays int) error {
	return c.do(ctx, http.MethodPut, "/communities/"+seg(communityID)+"/bans/"+seg(userID),
		banBody{Reason: reason, DeleteMessageDays: deleteMessageDays}, nil)
}

func (c *Client) Unban(ctx context.Context, communityID, userID, reason string) error {
	return c.do(ctx, http.MethodPost, "/communities/"+seg(communityID)+"/bans/"+seg(userID)+"/lift",
		reasonBody{Reason: reason}, nil)
}

func (c *Client) Kick(ctx context.Context, communityID, userID, reason string) error {
	return c.do(ctx, http.MethodPost, "/communities/"+seg(communityID)+"/members/"+seg(userID)+"/kick",
		reasonBody{Reason: reason}, nil)
}

func (c *Client) Timeout(ctx context.Context, communityID, userID string, until time.Time, reason string) error {
	return c.do(ctx, http.MethodPut, "/communities/"+seg(communityID)+"/members/"+seg(userID)+"/timeout",
		timeoutBody{Until: until.UTC(), Reason: reason}, nil)
}

func (c *Client) ClearTimeout(ctx context.Context, communityID, userID, reason string) error {
	return c.do(ctx, http.MethodPost, "/communities/"+seg(communityID)+"/members/"+seg(userID)+"/timeout/clear",
		reasonBody{Reason: reason}, nil)
}

func (c *Client) SendMessage(ctx context.Context, channelID string, msg platform.OutboundMessage) error {
	return c.do(ctx, http.MethodPost, "/channels/"+seg(channelID)+"/messages", msg, nil)
}

func (c *Client) SendDirect(ctx context.Context, userID string, msg platform.OutboundMessage) error {
	return c.do(ctx, http.MethodPost, "/users/"+seg(userID)+"/messages", msg, nil)
}

func (c *Client) FetchMessage(ctx context.Context, channelID, messageID string) (*platform.Message, error) {
	var m platform.Message
	if err := c.do(ctx, http.MethodGet, "/channels/"+seg(channelID)+"/messages/"+seg(messageID), nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// RecentMessages returns up to limit messages before beforeID, newest first.
func (c *Client) RecentMessages(ctx context.Context, channelID, beforeID string, limit int) ([]platform.Message, error) {
	q := url.Values{}
	if beforeID != "" {
		q.Set("before", beforeID)
	}
	q.Set("limit", strconv.Itoa(limit))
	var out []platform.Message
	if err := c.do(ctx, http.MethodGet, "/channels/"+seg(channelID)+"/messages?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchAttachment downloads the attachment from its CDN URL. The bridge
// token is not sent there.
func (c *Client) FetchAttachment(ctx context.Context, att platform.Attachment) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: attachment %s: %w", att.ID, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge: attachment %s: %w", att.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("bridge: attachment %s: %w", att.ID, platform.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bridge: attachment %s: HTTP %d", att.ID, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachment+1))
	if err != nil {
		return nil, fmt.Errorf("bridge: attachment %s: %w", att.ID, err)
	}
	if len(data) > maxAttachment {
		return nil, fmt.Errorf("bridge: attachment %s exceeds %d bytes", att.ID, maxAttachment)
	}
	return data, nil
}

func (c *Client) Communities(ctx context.Context) ([]platform.Community, error) {
	var out []platform.Community
	if err := c.do(ctx, http.MethodGet, "/communities", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Members(ctx context.Context, communityID string) ([]platform.Member, error) {
	var out []platform.Member
	if err := c.do(ctx, http.MethodGet, "/communities/"+seg(communityID)+"/members", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
