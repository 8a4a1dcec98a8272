// Package span is a minimal REST client for the panel's local API. It is a
// transport collaborator: the engine consumes it only as a snapshot source.
package span

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	panel "panelbridge/internal/panel/domain"
)

// Client fetches circuit snapshots over the panel's local HTTP API.
type Client struct {
	http   *resty.Client
	serial string
}

// NewClient constructs a client. serial may be empty; it is then resolved
// from the panel's status endpoint on first fetch.
func NewClient(baseURL, token, serial string) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("span: empty base url")
	}
	http := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	if token != "" {
		http.SetAuthToken(token)
	}
	return &Client{http: http, serial: serial}, nil
}

type statusResponse struct {
	System struct {
		Serial string `json:"serial"`
	} `json:"system"`
}

type circuitPayload struct {
	Name   string `json:"name"`
	Space  int    `json:"space"`
	Dipole bool   `json:"dipole"`
	Tabs   []int  `json:"tabs"`
	Type   string `json:"type"`
}

type circuitsResponse struct {
	Circuits map[string]circuitPayload `json:"circuits"`
}

// Serial returns the panel serial, querying the status endpoint if needed.
func (c *Client) Serial(ctx context.Context) (string, error) {
	if c.serial != "" {
		return c.serial, nil
	}
	var status statusResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&status).
		Get("/api/v1/status")
	if err != nil {
		return "", fmt.Errorf("span: status: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("span: status: http %d", resp.StatusCode())
	}
	if status.System.Serial == "" {
		return "", errors.New("span: status response missing serial")
	}
	c.serial = status.System.Serial
	return c.serial, nil
}

// Fetch pulls a full circuit snapshot.
func (c *Client) Fetch(ctx context.Context) (*panel.Snapshot, error) {
	serial, err := c.Serial(ctx)
	if err != nil {
		return nil, err
	}

	var payload circuitsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&payload).
		Get("/api/v1/circuits")
	if err != nil {
		return nil, fmt.Errorf("span: circuits: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("span: circuits: http %d", resp.StatusCode())
	}

	snap := panel.NewSnapshot(serial, time.Now())
	for id, circuit := range payload.Circuits {
		tabs := circuit.Tabs
		if len(tabs) == 0 && circuit.Space > 0 {
			tabs = panel.TabsForSpace(circuit.Space, circuit.Dipole)
		}
		deviceType := panel.DeviceType(circuit.Type)
		if !deviceType.IsValid() {
			deviceType = panel.DeviceTypeCircuit
		}
		snap.Circuits[id] = panel.Circuit{
			ID:         id,
			Name:       circuit.Name,
			Tabs:       tabs,
			DeviceType: deviceType,
		}
	}
	return snap, nil
}
