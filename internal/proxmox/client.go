// Package proxmox implements the migration executor and storage queries over the
// Proxmox VE REST API.
package proxmox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/proxbalance/proxbalance/internal/automation"
	"github.com/proxbalance/proxbalance/internal/config"
	"github.com/proxbalance/proxbalance/internal/domain"
	"github.com/proxbalance/proxbalance/internal/evacuation"
)

var (
	_ automation.Executor     = (*Client)(nil)
	_ evacuation.Executor     = (*Client)(nil)
	_ evacuation.StorageQuery = (*Client)(nil)
)

// Client talks to one Proxmox VE cluster with an API token.
type Client struct {
	baseURL    string
	auth       string
	httpClient *http.Client
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API root derived from the config.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client from the proxmox config section.
func NewClient(cfg config.ProxmoxConfig, logger *zap.Logger, opts ...Option) (*Client, error) {
	if cfg.TokenID == "" || cfg.TokenSecret == "" {
		return nil, fmt.Errorf("%w: proxmox.token_id and proxmox.token_secret are required", domain.ErrConfiguration)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		baseURL: cfg.BaseURL(),
		auth:    fmt.Sprintf("PVEAPIToken=%s=%s", cfg.TokenID, cfg.TokenSecret),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: !cfg.VerifyTLS, // self-signed cluster certs
				},
			},
		},
		logger: logger.With(zap.String("component", "proxmox")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// apiError carries the HTTP status of a failed API call.
type apiError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s %s returned status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func (e *apiError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return domain.ErrNotFound
	}
	return domain.ErrExecutor
}

// do performs one API call and decodes the "data" member into out.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	var body io.Reader
	if form != nil && method != http.MethodGet {
		body = strings.NewReader(form.Encode())
	}

	target := c.baseURL + path
	if form != nil && method == http.MethodGet {
		target += "?" + form.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", c.auth)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", domain.ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = resp.Status
		}
		return &apiError{Method: method, Path: path, Status: resp.StatusCode, Body: msg}
	}

	if out == nil {
		return nil
	}
	envelope := struct {
		Data json.RawMessage `json:"data"`
	}{}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to decode %s data: %w", path, err)
	}
	return nil
}

func guestKind(t domain.GuestType) string {
	if t == domain.GuestTypeCT {
		return "lxc"
	}
	return "qemu"
}

// =============================================================================
// Executor
// =============================================================================

// StartMigration starts a migration. VMs migrate live; containers restart on the target.
func (c *Client) StartMigration(ctx context.Context, guestID, source, target string, guestType domain.GuestType) (string, error) {
	form := url.Values{"target": {target}}
	if guestType == domain.GuestTypeCT {
		form.Set("restart", "1")
	} else {
		form.Set("online", "1")
	}

	path := fmt.Sprintf("/nodes/%s/%s/%s/migrate", url.PathEscape(source), guestKind(guestType), url.PathEscape(guestID))

	var upid string
	if err := c.do(ctx, http.MethodPost, path, form, &upid); err != nil {
		return "", fmt.Errorf("failed to start migration of %s: %w", guestID, err)
	}
	if upid == "" {
		return "", fmt.Errorf("%w: migration of %s returned no task id", domain.ErrExecutor, guestID)
	}

	c.logger.Info("Migration started",
		zap.String("guest_id", guestID),
		zap.String("source", source),
		zap.String("target", target),
		zap.String("task_id", upid),
	)
	return upid, nil
}

// ShutdownGuest requests a clean shutdown.
func (c *Client) ShutdownGuest(ctx context.Context, node, guestID string, guestType domain.GuestType) (string, error) {
	path := fmt.Sprintf("/nodes/%s/%s/%s/status/shutdown", url.PathEscape(node), guestKind(guestType), url.PathEscape(guestID))

	var upid string
	if err := c.do(ctx, http.MethodPost, path, url.Values{}, &upid); err != nil {
		return "", fmt.Errorf("failed to shut down %s: %w", guestID, err)
	}
	return upid, nil
}

// PollTask returns the current status of a task.
func (c *Client) PollTask(ctx context.Context, node, taskID string) (*domain.TaskStatus, error) {
	var raw struct {
		Status     string `json:"status"`
		ExitStatus string `json:"exitstatus"`
	}
	if err := c.do(ctx, http.MethodGet, taskPath(node, taskID)+"/status", nil, &raw); err != nil {
		return nil, fmt.Errorf("failed to poll task %s: %w", taskID, err)
	}

	status := &domain.TaskStatus{ExitStatus: raw.ExitStatus}
	if raw.Status == "stopped" {
		status.Status = domain.TaskStateStopped
		status.Progress = 1
	} else {
		status.Status = domain.TaskStateRunning
	}
	return status, nil
}

// taskLogFetchLimit bounds how many lines are requested before tailing.
const taskLogFetchLimit = 5000

// TaskLog returns the last limit lines of a task log.
func (c *Client) TaskLog(ctx context.Context, node, taskID string, limit int) ([]string, error) {
	var entries []struct {
		N int    `json:"n"`
		T string `json:"t"`
	}
	form := url.Values{"start": {"0"}, "limit": {fmt.Sprint(taskLogFetchLimit)}}
	if err := c.do(ctx, http.MethodGet, taskPath(node, taskID)+"/log", form, &entries); err != nil {
		return nil, fmt.Errorf("failed to read task log %s: %w", taskID, err)
	}

	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.T)
	}
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines, nil
}

// CancelTask stops a running task.
func (c *Client) CancelTask(ctx context.Context, node, taskID string) error {
	if err := c.do(ctx, http.MethodDelete, taskPath(node, taskID), nil, nil); err != nil {
		return fmt.Errorf("failed to cancel task %s: %w", taskID, err)
	}
	c.logger.Info("Task cancelled", zap.String("node", node), zap.String("task_id", taskID))
	return nil
}

func taskPath(node, taskID string) string {
	return fmt.Sprintf("/nodes/%s/tasks/%s", url.PathEscape(node), url.PathEscape(taskID))
}

// ListActiveMigrationTasks returns running qmigrate/vzmigrate tasks cluster-wide.
// Running tasks carry a pid; finished ones carry a status instead.
func (c *Client) ListActiveMigrationTasks(ctx context.Context) ([]domain.ActiveTask, error) {
	var tasks []struct {
		UPID   string `json:"upid"`
		Node   string `json:"node"`
		ID     string `json:"id"`
		Type   string `json:"type"`
		PID    *int   `json:"pid"`
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/cluster/tasks", nil, &tasks); err != nil {
		return nil, fmt.Errorf("failed to list cluster tasks: %w", err)
	}

	var active []domain.ActiveTask
	for _, t := range tasks {
		if t.Type != "qmigrate" && t.Type != "vzmigrate" {
			continue
		}
		if t.PID == nil || t.Status != "" {
			continue
		}
		active = append(active, domain.ActiveTask{
			TaskID:  t.UPID,
			Node:    t.Node,
			GuestID: t.ID,
			Type:    t.Type,
			PID:     *t.PID,
		})
	}
	return active, nil
}

// =============================================================================
// Storage
// =============================================================================

// ListAvailableStorage returns the ids of active storage on a node.
func (c *Client) ListAvailableStorage(ctx context.Context, node string) (map[string]bool, error) {
	var storages []struct {
		Storage string   `json:"storage"`
		Active  pveBool  `json:"active"`
		Enabled *pveBool `json:"enabled"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/storage", url.PathEscape(node)), nil, &storages); err != nil {
		return nil, fmt.Errorf("failed to list storage on %s: %w", node, err)
	}

	available := make(map[string]bool, len(storages))
	for _, s := range storages {
		if !bool(s.Active) {
			continue
		}
		if s.Enabled != nil && !bool(*s.Enabled) {
			continue
		}
		available[s.Storage] = true
	}
	return available, nil
}

// GetGuestStorageRequirements returns the storage ids referenced by a guest's disks.
// The guest type is not known here, so the VM config is tried before the container one.
func (c *Client) GetGuestStorageRequirements(ctx context.Context, node, guestID string) ([]string, error) {
	var cfg map[string]interface{}

	vmPath := fmt.Sprintf("/nodes/%s/qemu/%s/config", url.PathEscape(node), url.PathEscape(guestID))
	err := c.do(ctx, http.MethodGet, vmPath, nil, &cfg)
	if err != nil {
		var apiErr *apiError
		if !errors.As(err, &apiErr) {
			return nil, fmt.Errorf("failed to read config of %s: %w", guestID, err)
		}
		ctPath := fmt.Sprintf("/nodes/%s/lxc/%s/config", url.PathEscape(node), url.PathEscape(guestID))
		cfg = nil
		if err := c.do(ctx, http.MethodGet, ctPath, nil, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config of %s: %w", guestID, err)
		}
	}

	return StorageFromConfig(cfg), nil
}

// pveBool decodes the API's 0/1 integers, strings and booleans.
type pveBool bool

func (b *pveBool) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(data), `"`) {
	case "1", "true":
		*b = true
	default:
		*b = false
	}
	return nil
}
