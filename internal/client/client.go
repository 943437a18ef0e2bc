// Package client talks to the pentaract HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/pentaract/pentaract/internal/channel"
	"github.com/pentaract/pentaract/internal/metadata"
	"github.com/pentaract/pentaract/internal/retry"
)

// Client is an HTTP client for the file API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	// Timeout bounds a whole request including the body. Zero means no
	// limit, which suits large transfers.
	Timeout     time.Duration
	RetryConfig retry.Config
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
	}
}

// APIError is a non-success reply from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// readError turns an error response into an *APIError, marking server-side
// failures as retryable.
func readError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	err := &APIError{Status: resp.StatusCode, Message: body.Error}
	if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusGatewayTimeout {
		return retry.Retryable(err)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, header http.Header, body io.Reader) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	return c.httpClient.Do(req)
}

// getJSON fetches path into out, retrying network errors and overloaded replies.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	return retry.Do(ctx, c.retryConfig, func() error {
		resp, err := c.do(ctx, http.MethodGet, path, query, nil, nil)
		if err != nil {
			return retry.Retryable(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return readError(resp)
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

// Ping checks that the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	var health struct {
		Status string `json:"status"`
	}
	if err := c.getJSON(ctx, "/health", nil, &health); err != nil {
		return err
	}
	if health.Status != "ok" {
		return fmt.Errorf("server status %q", health.Status)
	}
	return nil
}

// Upload streams content as a new file. The body cannot be replayed, so
// uploads are not retried. size may be -1 when unknown.
func (c *Client) Upload(ctx context.Context, folder, name string, content io.Reader, size int64) (*metadata.File, error) {
	q := url.Values{"name": {name}}
	if folder != "" {
		q.Set("folder", folder)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/files?"+q.Encode(), content)
	if err != nil {
		return nil, err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("upload failed: %w", readError(resp))
	}
	var f metadata.File
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return &f, nil
}

// Download writes the content of a file from offset into w. A transfer cut
// short is resumed with a Range request from the last byte received.
func (c *Client) Download(ctx context.Context, fileID string, offset int64, w io.Writer) (int64, error) {
	var written int64
	err := retry.Do(ctx, c.retryConfig, func() error {
		var header http.Header
		if pos := offset + written; pos > 0 {
			header = http.Header{"Range": {fmt.Sprintf("bytes=%d-", pos)}}
		}
		resp, err := c.do(ctx, http.MethodGet, "/api/files/"+url.PathEscape(fileID), nil, header, nil)
		if err != nil {
			return retry.Retryable(err)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK, http.StatusPartialContent:
		case http.StatusRequestedRangeNotSatisfiable:
			// Nothing left past the offset.
			return nil
		default:
			return readError(resp)
		}

		n, err := io.Copy(w, resp.Body)
		written += n
		if err != nil {
			return retry.Retryable(fmt.Errorf("read content: %w", err))
		}
		return nil
	})
	return written, err
}

// Stat returns a file's metadata.
func (c *Client) Stat(ctx context.Context, fileID string) (*metadata.File, error) {
	var f metadata.File
	if err := c.getJSON(ctx, "/api/files/"+url.PathEscape(fileID)+"/meta", nil, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// List returns the files of a folder.
func (c *Client) List(ctx context.Context, folder string) ([]metadata.File, error) {
	var files []metadata.File
	q := url.Values{}
	if folder != "" {
		q.Set("folder", folder)
	}
	if err := c.getJSON(ctx, "/api/files", q, &files); err != nil {
		return nil, err
	}
	return files, nil
}

// Delete removes a file. Deleting a missing file succeeds.
func (c *Client) Delete(ctx context.Context, fileID string) error {
	return retry.Do(ctx, c.retryConfig, func() error {
		resp, err := c.do(ctx, http.MethodDelete, "/api/files/"+url.PathEscape(fileID), nil, nil, nil)
		if err != nil {
			return retry.Retryable(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
			return readError(resp)
		}
		return nil
	})
}

// Channels returns the server's channels.
func (c *Client) Channels(ctx context.Context) ([]channel.Status, error) {
	var out []channel.Status
	if err := c.getJSON(ctx, "/api/channels", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateChannel registers a new channel. The server opens it before storing
// it, so a bad config fails here.
func (c *Client) CreateChannel(ctx context.Context, ch channel.Channel) (*channel.Status, error) {
	body, err := json.Marshal(ch)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/channels", nil,
		http.Header{"Content-Type": {"application/json"}}, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("create channel: %w", readError(resp))
	}
	var st channel.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode channel: %w", err)
	}
	return &st, nil
}
