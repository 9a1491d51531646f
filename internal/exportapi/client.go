package exportapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lodgefeed/export-tracker/internal/domain"
	"golang.org/x/time/rate"
)

var ErrUnavailable = errors.New("export api client unavailable")

// CreateResult is the remote response to a new export request.
type CreateResult struct {
	JobID            string
	CreatedAt        time.Time
	EstimatedRecords int
}

// StatusResult mirrors the remote status payload for one job.
type StatusResult struct {
	Status           domain.JobStatus
	Progress         int
	ProcessedRecords int
	TotalRecords     int
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ExpiresAt        *time.Time
	ErrorMessage     string
	DownloadURL      string
}

// Update converts the remote payload into a mergeable status update.
func (r StatusResult) Update() domain.StatusUpdate {
	return domain.StatusUpdate{
		Status:           r.Status,
		Progress:         r.Progress,
		ProcessedRecords: r.ProcessedRecords,
		TotalRecords:     r.TotalRecords,
		StartedAt:        r.StartedAt,
		CompletedAt:      r.CompletedAt,
		ExpiresAt:        r.ExpiresAt,
		ErrorMessage:     r.ErrorMessage,
		DownloadURL:      r.DownloadURL,
	}
}

// API is the remote boundary the tracker polls. A transport or HTTP-level
// failure is an error return; a job that legitimately failed is a success
// return with Status == failed.
type API interface {
	CreateHotelExport(ctx context.Context, filters json.RawMessage) (CreateResult, error)
	CreateMappingExport(ctx context.Context, filters json.RawMessage) (CreateResult, error)
	GetExportStatus(ctx context.Context, jobID string) (StatusResult, error)
}

type ClientConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	RateLimit  float64
	RateBurst  int
	HTTPClient *http.Client
}

// Client talks to the hotel-data Export API. Every request carries a bounded
// timeout so a hung request cannot pin resources indefinitely, and outbound
// calls are paced by a token-bucket limiter.
type Client struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	maxRetries int
	limiter    *rate.Limiter
	httpClient *http.Client
}

func NewClient(config ClientConfig) *Client {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "https://api.lodgefeed.io/v1"
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 20
	}
	if config.RateBurst <= 0 {
		config.RateBurst = 40
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}

	return &Client{
		apiKey:     strings.TrimSpace(config.APIKey),
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		timeout:    config.Timeout,
		maxRetries: config.MaxRetries,
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		httpClient: config.HTTPClient,
	}
}

func (c *Client) Available() bool {
	return c.apiKey != ""
}

func (c *Client) CreateHotelExport(ctx context.Context, filters json.RawMessage) (CreateResult, error) {
	return c.createExport(ctx, "/exports/hotel", filters)
}

func (c *Client) CreateMappingExport(ctx context.Context, filters json.RawMessage) (CreateResult, error) {
	return c.createExport(ctx, "/exports/mapping", filters)
}

func (c *Client) createExport(ctx context.Context, path string, filters json.RawMessage) (CreateResult, error) {
	if !c.Available() {
		return CreateResult{}, ErrUnavailable
	}

	payload := filters
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	body, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return CreateResult{}, err
	}

	var raw struct {
		JobID            string `json:"job_id"`
		CreatedAt        string `json:"created_at"`
		EstimatedRecords int    `json:"estimated_records"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return CreateResult{}, fmt.Errorf("decode create response: %w", err)
	}
	if strings.TrimSpace(raw.JobID) == "" {
		return CreateResult{}, errors.New("create response without job_id")
	}

	result := CreateResult{
		JobID:            raw.JobID,
		EstimatedRecords: raw.EstimatedRecords,
		CreatedAt:        time.Now().UTC(),
	}
	if parsed, parseErr := time.Parse(time.RFC3339, raw.CreatedAt); parseErr == nil {
		result.CreatedAt = parsed
	}
	return result, nil
}

func (c *Client) GetExportStatus(ctx context.Context, jobID string) (StatusResult, error) {
	if !c.Available() {
		return StatusResult{}, ErrUnavailable
	}
	if strings.TrimSpace(jobID) == "" {
		return StatusResult{}, errors.New("job id is required")
	}

	body, err := c.do(ctx, http.MethodGet, "/exports/"+jobID+"/status", nil)
	if err != nil {
		return StatusResult{}, err
	}

	var raw struct {
		Status             string `json:"status"`
		ProgressPercentage int    `json:"progress_percentage"`
		ProcessedRecords   int    `json:"processed_records"`
		TotalRecords       int    `json:"total_records"`
		StartedAt          string `json:"started_at"`
		CompletedAt        string `json:"completed_at"`
		ExpiresAt          string `json:"expires_at"`
		ErrorMessage       string `json:"error_message"`
		DownloadURL        string `json:"download_url"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return StatusResult{}, fmt.Errorf("decode status response: %w", err)
	}

	return StatusResult{
		Status:           domain.JobStatus(raw.Status),
		Progress:         clampPercent(raw.ProgressPercentage),
		ProcessedRecords: raw.ProcessedRecords,
		TotalRecords:     raw.TotalRecords,
		StartedAt:        parseOptionalTime(raw.StartedAt),
		CompletedAt:      parseOptionalTime(raw.CompletedAt),
		ExpiresAt:        parseOptionalTime(raw.ExpiresAt),
		ErrorMessage:     raw.ErrorMessage,
		DownloadURL:      raw.DownloadURL,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		body, callErr := c.call(ctx, method, path, payload)
		if callErr == nil {
			return body, nil
		}
		lastErr = callErr

		if !IsRetryable(callErr) || attempt == c.maxRetries {
			break
		}

		backoff := time.Duration(300*(attempt+1)) * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

func (c *Client) call(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	request, err := http.NewRequestWithContext(timeoutCtx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+c.apiKey)
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("export api timeout: %w", err)
		}
		return nil, fmt.Errorf("export api transport error: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("read export api body: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, &HTTPError{
			StatusCode: response.StatusCode,
			Message:    extractErrorMessage(body),
		}
	}
	return body, nil
}

// HTTPError is a non-2xx remote response, distinguishable from a job that
// legitimately reports status failed.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("export api status %d: %s", e.StatusCode, e.Message)
}

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "timeout") || strings.Contains(message, "tempor")
}

func extractErrorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	message := strings.TrimSpace(string(body))
	if len(message) > 700 {
		message = message[:700]
	}
	return message
}

func parseOptionalTime(value string) *time.Time {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	return &parsed
}

func clampPercent(value int) int {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}
