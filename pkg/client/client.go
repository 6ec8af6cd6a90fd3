// Package client is the typed HTTP client for the broker API, used by the
// export agent, the import agent and the admin CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	v1 "github.com/pvl-labs/usbip-broker/api/v1"
	"github.com/pvl-labs/usbip-broker/internal/models"
	srvErrors "github.com/pvl-labs/usbip-broker/pkg/errors"
)

const requestTimeout = 10 * time.Second

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a broker client. token may be empty when auth is disabled.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// RegisterAgent announces a host agent and its session listener address.
// POST /api/v1/agents
func (c *Client) RegisterAgent(ctx context.Context, agentID, dataAddr string) error {
	var resp v1.RegisterAgentResponse
	return c.do(ctx, http.MethodPost, "/api/v1/agents", v1.RegisterAgentRequest{
		AgentID:  agentID,
		DataAddr: dataAddr,
	}, &resp, agentID)
}

// Heartbeat refreshes agent liveness and collects teardown directives.
// POST /api/v1/agents/{id}/heartbeat
func (c *Client) Heartbeat(ctx context.Context, agentID string) ([]v1.Directive, error) {
	var resp v1.HeartbeatResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(agentID)+"/heartbeat", nil, &resp, agentID)
	if err != nil {
		return nil, err
	}
	return resp.Directives, nil
}

// RegisterDevice reports an attached device.
// POST /api/v1/agents/{id}/devices
func (c *Client) RegisterDevice(ctx context.Context, agentID string, desc models.DeviceDescriptor) (string, error) {
	var resp v1.RegisterDeviceResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(agentID)+"/devices", v1.RegisterDeviceRequest{
		Descriptor: v1.DeviceDescriptor{
			BusID:     desc.BusID,
			VendorID:  desc.VendorID,
			ProductID: desc.ProductID,
			Serial:    desc.Serial,
			Class:     desc.Class,
			Speed:     string(desc.Speed),
			Product:   desc.Product,
		},
	}, &resp, desc.BusID)
	if err != nil {
		return "", err
	}
	return resp.DeviceID, nil
}

// ReportRemoved reports a physical detach.
// POST /api/v1/devices/{id}/removed
func (c *Client) ReportRemoved(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/devices/"+url.PathEscape(deviceID)+"/removed", nil, nil, deviceID)
}

// ListDevices lists devices, optionally by state.
// GET /api/v1/devices
func (c *Client) ListDevices(ctx context.Context, state string) ([]v1.Device, error) {
	path := "/api/v1/devices"
	if state != "" {
		path += "?state=" + url.QueryEscape(state)
	}
	var resp []v1.Device
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, ""); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetDevice fetches one device record.
// GET /api/v1/devices/{id}
func (c *Client) GetDevice(ctx context.Context, deviceID string) (v1.Device, error) {
	var resp v1.Device
	err := c.do(ctx, http.MethodGet, "/api/v1/devices/"+url.PathEscape(deviceID), nil, &resp, deviceID)
	return resp, err
}

// AcquireLease attempts to lease a device.
// POST /api/v1/devices/{id}/lease
func (c *Client) AcquireLease(ctx context.Context, deviceID, consumerID string, ttl time.Duration) (v1.AcquireLeaseResponse, error) {
	var resp v1.AcquireLeaseResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/devices/"+url.PathEscape(deviceID)+"/lease", v1.AcquireLeaseRequest{
		ConsumerID: consumerID,
		TTLSeconds: int64(ttl.Seconds()),
	}, &resp, deviceID)
	return resp, err
}

// GetLease fetches the active lease; export agents validate session opens
// against it.
// GET /api/v1/devices/{id}/lease
func (c *Client) GetLease(ctx context.Context, deviceID string) (v1.LeaseInfo, error) {
	var resp v1.LeaseInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/devices/"+url.PathEscape(deviceID)+"/lease", nil, &resp, deviceID)
	return resp, err
}

// RenewLease extends the lease and returns the remaining time.
// PUT /api/v1/devices/{id}/lease
func (c *Client) RenewLease(ctx context.Context, deviceID string, token uint64) (time.Duration, error) {
	var resp v1.RenewLeaseResponse
	err := c.do(ctx, http.MethodPut, "/api/v1/devices/"+url.PathEscape(deviceID)+"/lease", v1.RenewLeaseRequest{
		Token: token,
	}, &resp, deviceID)
	if err != nil {
		return 0, err
	}
	return time.Duration(resp.RemainingSeconds) * time.Second, nil
}

// ReleaseLease ends the lease.
// DELETE /api/v1/devices/{id}/lease
func (c *Client) ReleaseLease(ctx context.Context, deviceID string, token uint64) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/devices/"+url.PathEscape(deviceID)+"/lease", v1.ReleaseLeaseRequest{
		Token: token,
	}, nil, deviceID)
}

// MarkBound reports that the device was claimed and its session is live.
// POST /api/v1/devices/{id}/bound
func (c *Client) MarkBound(ctx context.Context, deviceID string, token uint64) error {
	return c.do(ctx, http.MethodPost, "/api/v1/devices/"+url.PathEscape(deviceID)+"/bound", v1.MarkBoundRequest{
		Token: token,
	}, nil, deviceID)
}

// RevokeLease force-releases a device (administrative).
// POST /api/v1/devices/{id}/revoke
func (c *Client) RevokeLease(ctx context.Context, deviceID, reason string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/devices/"+url.PathEscape(deviceID)+"/revoke", v1.RevokeLeaseRequest{
		Reason: reason,
	}, nil, deviceID)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, resource string) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return srvErrors.NewUnreachableError("broker", requestTimeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}

	var apiErr v1.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
		return fmt.Errorf("broker returned %s", resp.Status)
	}
	zap.S().Named("broker_client").Debugw("request rejected",
		"method", method, "path", path, "code", apiErr.Code)
	return v1.ErrorForCode(apiErr.Code, apiErr.Error, resource)
}
