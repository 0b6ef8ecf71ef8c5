package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// HTTPClient calls a remote detection service.
//
//	POST /v1/detect   Input              -> {"features": [...]}
//	POST /v1/estimate {"dem", "region"} -> Estimate
//	GET  /ready
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Name() string { return "http" }

func (c *HTTPClient) Detect(ctx context.Context, in Input) ([]Feature, error) {
	var resp detectResponse
	if err := c.post(ctx, "/v1/detect", in, &resp); err != nil {
		return nil, err
	}
	for i, f := range resp.Features {
		if len(f.Geometry) == 0 {
			return nil, fmt.Errorf("%w: feature %d has no geometry", ErrInvalidResponse, i)
		}
	}
	if resp.Features == nil {
		return []Feature{}, nil
	}
	return resp.Features, nil
}

func (c *HTTPClient) Estimate(ctx context.Context, demRef string, region Region) (Estimate, error) {
	var est Estimate
	req := estimateRequest{DEM: demRef, Region: region}
	if err := c.post(ctx, "/v1/estimate", req, &est); err != nil {
		return Estimate{}, err
	}
	if est.VolumeM3 < 0 || est.DepthM < 0 {
		return Estimate{}, fmt.Errorf("%w: negative depth or volume", ErrInvalidResponse)
	}
	return est, nil
}

func (c *HTTPClient) Ready(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ready", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: detector not ready (status %d)", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: status %d", ErrInvalidResponse, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", ErrInvalidResponse, path, err)
	}
	return nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

type detectResponse struct {
	Features []Feature `json:"features"`
}

type estimateRequest struct {
	DEM    string `json:"dem,omitempty"`
	Region Region `json:"region"`
}

var _ Provider = (*HTTPClient)(nil)
