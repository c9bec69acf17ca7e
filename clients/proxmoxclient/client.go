// Package proxmoxclient is a small client for the Proxmox VE HTTP API,
// covering guest lookup, power tasks and task tracking.
//
//	client, err := proxmoxclient.New("https://pve.example.com:8006", proxmoxclient.WithToken(token))
//	upid, err := client.StartGuest(ctx, "pve1", proxmoxclient.GuestQEMU, 101)
//	status, err := client.TaskStatus(ctx, "pve1", upid)
package proxmoxclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultRequestTimeout = 30 * time.Second

// Client talks to one Proxmox VE endpoint.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken authenticates with an API token of the form user@realm!id=secret.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithInsecureSkipVerify accepts the self-signed certificate Proxmox
// installs by default.
func WithInsecureSkipVerify() Option {
	return func(c *Client) {
		c.httpClient = &http.Client{
			Timeout: defaultRequestTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
		}
	}
}

// New creates a client for host, which includes the scheme.
func New(host string, opts ...Option) (*Client, error) {
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid proxmox URL %q: %w", host, err)
	}
	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Host returns the first label of the endpoint's hostname.
func (c *Client) Host() string {
	host, _, _ := strings.Cut(c.baseURL.Hostname(), ".")
	return host
}

// Version returns the raw version document.
func (c *Client) Version(ctx context.Context) (string, error) {
	body, err := c.call(ctx, http.MethodGet, "/api2/json/version")
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// ListComputeResources returns every virtual machine and container.
func (c *Client) ListComputeResources(ctx context.Context) ([]Resource, error) {
	var resp envelope[[]Resource]
	if err := c.get(ctx, "/api2/json/cluster/resources?type=vm", &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// FindGuest returns the non-template guest with the given name.
func (c *Client) FindGuest(ctx context.Context, name string) (*Resource, error) {
	resources, err := c.ListComputeResources(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range resources {
		if r.Name == name && r.Template == 0 {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("no guest named %q", name)
}

// StartGuest starts a guest and returns the task tracking it.
func (c *Client) StartGuest(ctx context.Context, node, guestType string, vmid VMID) (TaskID, error) {
	return c.task(ctx, http.MethodPost, fmt.Sprintf("/api2/json/nodes/%s/%s/%d/status/start", node, guestType, vmid))
}

// ShutdownGuest asks the guest OS to shut down.
func (c *Client) ShutdownGuest(ctx context.Context, node, guestType string, vmid VMID) (TaskID, error) {
	return c.task(ctx, http.MethodPost, fmt.Sprintf("/api2/json/nodes/%s/%s/%d/status/shutdown", node, guestType, vmid))
}

// DestroyGuest removes a stopped guest and its disks.
func (c *Client) DestroyGuest(ctx context.Context, node, guestType string, vmid VMID) (TaskID, error) {
	return c.task(ctx, http.MethodDelete, fmt.Sprintf("/api2/json/nodes/%s/%s/%d", node, guestType, vmid))
}

// TaskStatus returns the state of a task.
func (c *Client) TaskStatus(ctx context.Context, node string, upid TaskID) (*TaskStatus, error) {
	var resp envelope[TaskStatus]
	path := fmt.Sprintf("/api2/json/nodes/%s/tasks/%s/status", node, url.PathEscape(string(upid)))
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

func (c *Client) task(ctx context.Context, method, path string) (TaskID, error) {
	body, err := c.call(ctx, method, path)
	if err != nil {
		return "", err
	}
	var resp envelope[string]
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if resp.Data == "" {
		return "", fmt.Errorf("%s %s returned no task id", method, path)
	}
	return TaskID(resp.Data), nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	body, err := c.call(ctx, http.MethodGet, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method, path string) ([]byte, error) {
	resp, err := c.doRequest(ctx, method, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string) (*http.Response, error) {
	u, err := c.buildURL(path)
	if err != nil {
		return nil, fmt.Errorf("failed to build URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "PVEAPIToken="+c.token)
	}
	c.logger.Debug("proxmox request", "method", method, "path", path)
	return c.httpClient.Do(req)
}

// buildURL resolves path against the endpoint's scheme and host; any path
// on the base URL is dropped.
func (c *Client) buildURL(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	base := url.URL{Scheme: c.baseURL.Scheme, Host: c.baseURL.Host}
	return base.ResolveReference(ref).String(), nil
}
