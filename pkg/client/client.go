package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gentmat/bore-control/pkg/errdefs"
)

// Client is a minimal Go client for the control plane's public API. It
// holds the token pair from Login and sends the access token on every
// request.
type Client struct {
	baseURL string
	http    *http.Client

	accessToken  string
	refreshToken string
}

// Instance is the client-side view of a tunnel instance
type Instance struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	LocalPort       int     `json:"localPort"`
	Status          string  `json:"status"`
	StatusReason    string  `json:"statusReason"`
	TunnelConnected bool    `json:"tunnelConnected"`
	PublicURL       *string `json:"publicUrl"`
	RemotePort      *int    `json:"remotePort"`
}

// ConnectionInfo is returned by Connect and contains everything needed to
// dial the relay.
type ConnectionInfo struct {
	InstanceID     string    `json:"instanceId"`
	TunnelToken    string    `json:"tunnelToken"`
	BoreServerHost string    `json:"boreServerHost"`
	BoreServerPort int       `json:"boreServerPort"`
	LocalPort      int       `json:"localPort"`
	TTLSeconds     int       `json:"ttl"`
	ExpiresAt      time.Time `json:"expiresAt"`
	ServerInfo     struct {
		ServerID    string  `json:"serverId"`
		Utilization float64 `json:"utilization"`
	} `json:"serverInfo"`
}

// Heartbeat is the health report sent with each heartbeat
type Heartbeat struct {
	VSCodeResponsive  *bool    `json:"vscode_responsive,omitempty"`
	LastActivityEpoch *int64   `json:"last_activity,omitempty"`
	CPUPct            *float64 `json:"cpu_usage,omitempty"`
	MemBytes          *int64   `json:"memory_usage,omitempty"`
	HasCodeServer     bool     `json:"has_code_server"`
}

// HeartbeatResult carries the server's classification of the instance
type HeartbeatResult struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Reason  string `json:"reason"`
}

// New creates a client for the given base URL
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Login authenticates and stores the issued token pair on the client
func (c *Client) Login(ctx context.Context, email, password string) error {
	var out struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refreshToken"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"email": email, "password": password,
	}, &out)
	if err != nil {
		return err
	}
	c.accessToken = out.Token
	c.refreshToken = out.RefreshToken
	return nil
}

// Refresh exchanges the stored refresh token for a new pair
func (c *Client) Refresh(ctx context.Context) error {
	var out struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refreshToken"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/auth/refresh", map[string]string{
		"refreshToken": c.refreshToken,
	}, &out)
	if err != nil {
		return err
	}
	c.accessToken = out.Token
	c.refreshToken = out.RefreshToken
	return nil
}

// Instances lists the caller's instances
func (c *Client) Instances(ctx context.Context) ([]Instance, error) {
	var out struct {
		Instances []Instance `json:"instances"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/instances", nil, &out); err != nil {
		return nil, err
	}
	return out.Instances, nil
}

// CreateInstance registers a new instance
func (c *Client) CreateInstance(ctx context.Context, name string, localPort int) (*Instance, error) {
	var out Instance
	err := c.do(ctx, http.MethodPost, "/api/v1/instances", map[string]any{
		"name": name, "local_port": localPort,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Connect requests connection info for an instance
func (c *Client) Connect(ctx context.Context, instanceID string) (*ConnectionInfo, error) {
	var out ConnectionInfo
	err := c.do(ctx, http.MethodPost, "/api/v1/instances/"+instanceID+"/connect", nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SendHeartbeat reports health for an instance
func (c *Client) SendHeartbeat(ctx context.Context, instanceID string, hb Heartbeat) (*HeartbeatResult, error) {
	var out HeartbeatResult
	err := c.do(ctx, http.MethodPost, "/api/v1/instances/"+instanceID+"/heartbeat", hb, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Disconnect stops an instance's tunnel
func (c *Client) Disconnect(ctx context.Context, instanceID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/instances/"+instanceID+"/disconnect", nil, nil)
}

// DeleteInstance removes an instance
func (c *Client) DeleteInstance(ctx context.Context, instanceID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/instances/"+instanceID, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errdefs.Internal("encode request: %v", err)
		}
		buf = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return errdefs.Internal("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.Unavailable("control plane unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errdefs.Internal("decode response: %v", err)
	}
	return nil
}

// decodeError reconstructs a typed error from the server's envelope
func decodeError(resp *http.Response) error {
	var env struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(raw, &env); err != nil || env.Error == "" {
		return errdefs.Internal("unexpected response %d: %s", resp.StatusCode, string(raw))
	}
	return &errdefs.Error{
		Kind:    errdefs.Kind(env.Error),
		Message: env.Message,
	}
}
