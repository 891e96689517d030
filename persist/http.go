package persist

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/waveline/feedsync"
)

// HTTPClient talks to the record-oriented REST backend. Responses and
// failures are translated into the shared error taxonomy so callers can
// decide retryability without knowing HTTP.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.SugaredLogger
}

func NewHTTPClient(baseURL, token string, logger *zap.SugaredLogger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

func (c *HTTPClient) CreateRecord(ctx context.Context, table string, fields Record) (Record, error) {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/records/%s", url.PathEscape(table)), fields)
}

func (c *HTTPClient) UpdateRecord(ctx context.Context, table, id string, fields Record) (Record, error) {
	return c.do(ctx, http.MethodPatch,
		fmt.Sprintf("/api/records/%s/%s", url.PathEscape(table), url.PathEscape(id)), fields)
}

func (c *HTTPClient) GetRecord(ctx context.Context, table, id string) (Record, error) {
	return c.do(ctx, http.MethodGet,
		fmt.Sprintf("/api/records/%s/%s", url.PathEscape(table), url.PathEscape(id)), nil)
}

func (c *HTTPClient) ListRecords(ctx context.Context, table string, filter Record) ([]Record, error) {
	query := url.Values{}
	for field, value := range filter {
		query.Set(field, fmt.Sprint(value))
	}
	path := fmt.Sprintf("/api/records/%s", url.PathEscape(table))
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	body, err := c.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var records []Record
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, feedsync.NewTransientError("malformed list response for %s: %v", table, err)
	}
	return records, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, fields Record) (Record, error) {
	body, err := c.request(ctx, method, path, fields)
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(body, &record); err != nil {
		return nil, feedsync.NewTransientError("malformed record response: %v", err)
	}
	return record, nil
}

func (c *HTTPClient) request(ctx context.Context, method, path string, fields Record) ([]byte, error) {
	var payload io.Reader
	if fields != nil {
		raw, err := json.Marshal(fields)
		if err != nil {
			return nil, feedsync.NewValidationError("cannot serialize record: %v", err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return nil, feedsync.NewValidationError("bad request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, feedsync.NewTransientError("backend unreachable: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, feedsync.NewTransientError("truncated response: %v", err)
	}
	if err := classifyStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// classifyStatus maps backend status codes onto the error taxonomy.
func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return feedsync.NewNotFoundError("record not found")
	case status == http.StatusTooManyRequests:
		return feedsync.NewCapacityError("backend rate limited the request")
	case status >= 400 && status < 500:
		return feedsync.NewValidationError("backend rejected the request: HTTP %d: %s", status, truncate(body))
	default:
		return feedsync.NewTransientError("backend error: HTTP %d", status)
	}
}

func truncate(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
