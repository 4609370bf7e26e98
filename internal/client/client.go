package client

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

	"github.com/kelsos/screening-sync/internal/config"
	"github.com/kelsos/screening-sync/internal/logger"
	"github.com/kelsos/screening-sync/internal/models"
)

// ClientIDHeader carries the installation id on every request
const ClientIDHeader = "X-Client-ID"

// HTTPError is returned for any non-2xx response
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Detail     string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}

// IsClientError reports a 4xx response
func (e *HTTPError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// StatusCode extracts the HTTP status of err, or 0
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// APIClient handles all HTTP communication with the screening API
type APIClient struct {
	baseURL    string
	prefix     string
	clientID   string
	httpClient *http.Client
	log        *logger.Logger
}

// NewAPIClient creates a new API client with the given configuration
func NewAPIClient(cfg *config.Config) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		prefix:  cfg.APIPrefix,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		log: logger.With("api-client"),
	}
}

// SetClientID sets the installation id sent with every request
func (c *APIClient) SetClientID(id string) {
	c.clientID = id
}

// BuildURL constructs a full URL for the given endpoint
func (c *APIClient) BuildURL(endpoint string) string {
	return c.baseURL + c.prefix + endpoint
}

// Get makes a GET request to the specified endpoint
func (c *APIClient) Get(ctx context.Context, endpoint string, result interface{}) error {
	return c.request(ctx, http.MethodGet, c.BuildURL(endpoint), nil, result)
}

// Post makes a POST request to the specified endpoint
func (c *APIClient) Post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	return c.request(ctx, http.MethodPost, c.BuildURL(endpoint), body, result)
}

// Delete makes a DELETE request to the specified endpoint
func (c *APIClient) Delete(ctx context.Context, endpoint string, result interface{}) error {
	return c.request(ctx, http.MethodDelete, c.BuildURL(endpoint), nil, result)
}

// request is the core HTTP request method
func (c *APIClient) request(ctx context.Context, method, url string, body interface{}, result interface{}) error {
	start := time.Now()
	c.log.Debug("Starting %s request to %s", method, url)

	var requestBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("error marshaling request body: %w", err)
		}
		requestBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, requestBody)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.clientID != "" {
		req.Header.Set(ClientIDHeader, c.clientID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Error("Request to %s failed after %v: %v", url, time.Since(start), err)
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	c.log.Debug("Request to %s completed in %v with status %d", url, time.Since(start), resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		httpErr := &HTTPError{
			Method:     method,
			URL:        url,
			StatusCode: resp.StatusCode,
			Body:       string(bodyBytes),
		}
		var detail models.ErrorBody
		if json.Unmarshal(bodyBytes, &detail) == nil {
			httpErr.Detail = detail.Detail
		}
		c.log.Warn("%s: HTTP error %d: %s", url, resp.StatusCode, httpErr.Body)
		return httpErr
	}

	if result == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil && !errors.Is(err, io.EOF) {
		c.log.Error("%s: Error decoding response: %v", url, err)
		return fmt.Errorf("error decoding response: %w", err)
	}

	return nil
}

// Ping checks the service health endpoint, which lives outside the API prefix
func (c *APIClient) Ping(ctx context.Context) error {
	return c.request(ctx, http.MethodGet, c.baseURL+"/health", nil, nil)
}

// WaitForAPIReady polls the health endpoint once per delay, up to maxAttempts
func (c *APIClient) WaitForAPIReady(ctx context.Context, maxAttempts int, delay time.Duration) bool {
	c.log.Info("Checking API readiness...")

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		c.log.Debug("Checking API readiness (attempt %d/%d)...", attempt, maxAttempts)

		if err := c.Ping(ctx); err == nil {
			c.log.Info("API is ready!")
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}

	c.log.Error("API failed to become ready after %d attempts", maxAttempts)
	return false
}

// BuildURLWithParams properly builds a URL with query parameters
func BuildURLWithParams(endpoint string, params map[string]string) string {
	if len(params) == 0 {
		return endpoint
	}

	parts := strings.SplitN(endpoint, "?", 2)
	baseURL := parts[0]

	values := url.Values{}
	if len(parts) > 1 {
		existingParams, _ := url.ParseQuery(parts[1])
		values = existingParams
	}

	for key, value := range params {
		values.Set(key, value)
	}

	if len(values) > 0 {
		return baseURL + "?" + values.Encode()
	}
	return baseURL
}
