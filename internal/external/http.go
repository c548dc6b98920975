// Package external holds the adapters for the services the reconciliation
// engine calls into: entitlements, referrals, analytics and the payment
// platforms themselves.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout = 10 * time.Second

	maxResponseBodyBytes int64 = 1 << 20
)

// HTTPConfig configures a JSON REST client.
type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// Client overrides the HTTP client; used by tests.
	Client *http.Client
}

// APIError is a non-2xx response from a collaborator service.
type APIError struct {
	Service    string
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s request %s %s failed: status=%d body=%q", e.Service, e.Method, e.Path, e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from a collaborator.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type restClient struct {
	service    string
	baseURL    string
	token      string
	httpClient *http.Client
}

func newRESTClient(service string, cfg HTTPConfig) (*restClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("%s base url is required", service)
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse %s base url: %w", service, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%s base url must be http or https, got %q", service, u.Scheme)
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &restClient{
		service:    service,
		baseURL:    base,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: client,
	}, nil
}

func (c *restClient) doJSON(ctx context.Context, method, path string, payload, destination any) (err error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s request %s %s: %w", c.service, method, path, err)
		}
		body = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s request %s %s: %w", c.service, method, path, err)
	}
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%s request %s %s failed: %w", c.service, method, path, err)
	}
	defer func() {
		if closeErr := response.Body.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close %s response body for %s %s: %w", c.service, method, path, closeErr)
		}
	}()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		message := strings.TrimSpace(string(raw))
		if message == "" {
			message = http.StatusText(response.StatusCode)
		}
		return &APIError{
			Service:    c.service,
			StatusCode: response.StatusCode,
			Method:     method,
			Path:       path,
			Body:       message,
		}
	}

	if destination == nil || response.StatusCode == http.StatusNoContent {
		return nil
	}
	decoder := json.NewDecoder(io.LimitReader(response.Body, maxResponseBodyBytes))
	if err := decoder.Decode(destination); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode %s response for %s %s: %w", c.service, method, path, err)
	}
	return nil
}

func userPath(userID, suffix string) string {
	return "/users/" + url.PathEscape(userID) + suffix
}
