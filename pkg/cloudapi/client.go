// Package cloudapi is the Go client for the parking cloud API. Gate nodes
// use it to push entry/exit events, pull slot snapshots and ask for slot
// suggestions; operator tooling uses it for health checks and seeding.
//
// Quick Start:
//
//	client := cloudapi.NewClient(cloudapi.Config{
//		BaseURL: "https://parking.example.com",
//		Token:   os.Getenv("SECRET_TOKEN"),
//		GateID:  "GATE01",
//	})
//
//	res, err := client.VehicleIn(ctx, cloudapi.InEvent{
//		EventID: uuid.NewString(),
//		GateID:  "GATE01",
//		SlotID:  "A-01",
//		Plate:   "51A12345",
//	})
package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config configures the client.
type Config struct {
	// BaseURL is the cloud API root, e.g. "http://localhost:8000".
	BaseURL string

	// Token authenticates every request as a Bearer token. Required for
	// everything except health and image reads.
	Token string

	// GateID identifies the calling gate. Used as the default gate for
	// SuggestSlot and Heartbeat, and for the websocket URL.
	GateID string

	// Timeout bounds each HTTP request. Defaults to 10 seconds; gate
	// loops usually pass a tighter per-call context on top.
	Timeout time.Duration
}

// Client is a parking cloud API client. Safe for concurrent use.
type Client struct {
	base   string
	token  string
	gateID string
	http   *http.Client
}

// NewClient creates a client with sane defaults applied.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		token:  cfg.Token,
		gateID: cfg.GateID,
		http:   &http.Client{Timeout: cfg.Timeout},
	}
}

// ====== Mutations ======

// VehicleIn records an entry. A replayed EventID answers ok with
// Dedup set and changes nothing.
func (c *Client) VehicleIn(ctx context.Context, ev InEvent) (InResult, error) {
	var res InResult
	if err := c.doJSON(ctx, http.MethodPost, "/vehicle/in", ev, &res); err != nil {
		return InResult{}, err
	}
	return res, nil
}

// VehicleOut records an exit and returns the authoritative fee.
func (c *Client) VehicleOut(ctx context.Context, ev OutEvent) (OutResult, error) {
	var res OutResult
	if err := c.doJSON(ctx, http.MethodPost, "/vehicle/out", ev, &res); err != nil {
		return OutResult{}, err
	}
	return res, nil
}

// Heartbeat bumps the gate's last_sync over HTTP. The websocket heartbeat
// does the same; this is the fallback when the socket is down.
func (c *Client) Heartbeat(ctx context.Context, gateID string) error {
	if gateID == "" {
		gateID = c.gateID
	}
	return c.doJSON(ctx, http.MethodPost, "/gates/"+url.PathEscape(gateID)+"/heartbeat", nil, nil)
}

// ====== Reads ======

// Health probes the cloud. A nil error means the API answered 200.
func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil)
}

// SlotsMap pulls the full occupancy snapshot keyed by slot id.
func (c *Client) SlotsMap(ctx context.Context) (SlotsMap, error) {
	var res SlotsMap
	if err := c.doJSON(ctx, http.MethodGet, "/slots/map", nil, &res); err != nil {
		return SlotsMap{}, err
	}
	return res, nil
}

// Gates lists registered gates with derived liveness.
func (c *Client) Gates(ctx context.Context) ([]Gate, error) {
	var res struct {
		OK    bool   `json:"ok"`
		Gates []Gate `json:"gates"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/gates", nil, &res); err != nil {
		return nil, err
	}
	return res.Gates, nil
}

// SuggestSlot asks for the free slot nearest the gate. With reserve set
// the cloud soft-holds the slot for a short TTL so parallel gates are not
// pointed at the same space.
func (c *Client) SuggestSlot(ctx context.Context, gateID string, reserve bool) (Suggestion, error) {
	if gateID == "" {
		gateID = c.gateID
	}
	req := struct {
		GateID  string `json:"gateid"`
		Reserve *bool  `json:"reserve"`
	}{GateID: gateID, Reserve: &reserve}
	var res Suggestion
	if err := c.doJSON(ctx, http.MethodPost, "/slots/suggest", req, &res); err != nil {
		return Suggestion{}, err
	}
	return res, nil
}

// ====== Images ======

// UploadImage stores a capture frame and returns the relative path the
// cloud serves it under. kind is "in" or "out".
func (c *Client) UploadImage(ctx context.Context, kind, plate string, data []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "capture.jpg")
	if err != nil {
		return "", fmt.Errorf("cloudapi: build upload: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return "", fmt.Errorf("cloudapi: build upload: %w", err)
	}
	if err := mw.WriteField("kind", kind); err != nil {
		return "", fmt.Errorf("cloudapi: build upload: %w", err)
	}
	if err := mw.WriteField("plate", plate); err != nil {
		return "", fmt.Errorf("cloudapi: build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("cloudapi: build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/images/upload", &buf)
	if err != nil {
		return "", fmt.Errorf("cloudapi: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	var res struct {
		OK   bool   `json:"ok"`
		Path string `json:"path"`
	}
	if err := c.do(req, &res); err != nil {
		return "", err
	}
	return res.Path, nil
}

// ====== Websocket ======

// WSURL builds the event-bus websocket URL for a gate, translating the
// HTTP base to the ws scheme and carrying the token as a query parameter.
func (c *Client) WSURL(gateID string) string {
	if gateID == "" {
		gateID = c.gateID
	}
	base := c.base
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	u := base + "/ws/" + url.PathEscape(gateID)
	if c.token != "" {
		u += "?token=" + url.QueryEscape(c.token)
	}
	return u
}

// ====== Transport ======

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("cloudapi: marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("cloudapi: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cloudapi: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("cloudapi: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiErrorFrom(resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("cloudapi: parse response: %w", err)
		}
	}
	return nil
}
