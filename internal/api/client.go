// Package api provides the HTTP request client the sync engine uses to
// deliver queued mutations, and the structured error type carrying the
// response status code that failure classification keys on.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Error is a failed API request. It carries the numeric status code
// explicitly so callers classify failures without parsing message text.
type Error struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("request failed with status %d", e.StatusCode)
}

// Temporary reports whether the failure class is transient: anything other
// than authentication expiry (401) and the validation/conflict statuses
// (400, 409, 422).
func (e *Error) Temporary() bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		return false
	}
	return true
}

// StatusOf returns the status code carried by err, or 0 when err is not an
// API error (transport failures, timeouts).
func StatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Requester is the generic request function the engine consumes. It returns
// the response body on success or a classified failure.
type Requester interface {
	// Do performs a JSON request against the given path.
	Do(ctx context.Context, method, path string, body []byte) ([]byte, error)

	// DoMultipart performs a multipart upload with the given form fields
	// and a single file part.
	DoMultipart(ctx context.Context, method, path string, fields map[string]string, fileField, fileName string, blob []byte) ([]byte, error)
}

// Client is an HTTP implementation of Requester.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	// Token, when set, supplies the bearer token for each request.
	Token func(ctx context.Context) (string, error)
}

// NewClient creates a Client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// Do performs a JSON request and returns the response body.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.send(ctx, req)
}

// DoMultipart performs a multipart upload and returns the response body.
func (c *Client) DoMultipart(ctx context.Context, method, path string, fields map[string]string, fileField, fileName string, blob []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("failed to write form field %s: %w", k, err)
		}
	}

	part, err := w.CreateFormFile(fileField, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(blob); err != nil {
		return nil, fmt.Errorf("failed to write file part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	return c.send(ctx, req)
}

func (c *Client) send(ctx context.Context, req *http.Request) ([]byte, error) {
	if c.Token != nil {
		token, err := c.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to obtain token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}
