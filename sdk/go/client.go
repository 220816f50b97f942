package reviewlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Reviewline HTTP API client.
type Client struct {
	BaseURL    string
	UserID     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Submission mirrors the API submission model.
type Submission struct {
	ID         string   `json:"id"`
	UserID     *string  `json:"user_id,omitempty"`
	Rating     int      `json:"rating"`
	Review     string   `json:"review_text,omitempty"`
	Sentiment  string   `json:"sentiment"`
	AIStatus   string   `json:"ai_status"`
	AISummary  *string  `json:"ai_summary,omitempty"`
	AIActions  []string `json:"ai_actions,omitempty"`
	AIResponse *string  `json:"ai_response,omitempty"`
	RetryCount int      `json:"retry_count"`
	CreatedAt  string   `json:"created_at"`
	UpdatedAt  string   `json:"updated_at"`
}

// Outcome is the result of a submit or retry call.
type Outcome struct {
	Submission    Submission `json:"submission"`
	AIResponse    *string    `json:"ai_response,omitempty"`
	AnalysisError string     `json:"analysis_error,omitempty"`
}

// Stats mirrors the aggregated statistics payload.
type Stats struct {
	Window int `json:"window"`
	Stats  struct {
		Total           int            `json:"total"`
		CountsByRating  map[string]int `json:"counts_by_rating"`
		SentimentCounts map[string]int `json:"sentiment_counts"`
		StatusCounts    map[string]int `json:"status_counts"`
		SuccessRate     float64        `json:"success_rate"`
		AverageRating   float64        `json:"average_rating"`
	} `json:"stats"`
}

// Event represents a journal entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Submit creates a submission and waits for its analysis outcome.
func (c *Client) Submit(ctx context.Context, rating int, review string) (Outcome, error) {
	body := map[string]any{
		"rating": rating,
		"review": review,
	}
	if c.UserID != "" {
		body["user_id"] = c.UserID
	}
	var resp Outcome
	err := c.do(ctx, http.MethodPost, "v0/submissions", body, &resp)
	return resp, err
}

// ListSubmissions returns recent submissions, newest first. A non-empty
// since keeps only submissions created at or after that RFC3339 timestamp.
func (c *Client) ListSubmissions(ctx context.Context, limit int, since string) ([]Submission, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if since != "" {
		params.Set("since", since)
	}
	endpoint := "v0/submissions"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Submission
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetSubmission fetches a submission by id.
func (c *Client) GetSubmission(ctx context.Context, id string) (Submission, error) {
	var resp Submission
	endpoint := fmt.Sprintf("v0/submissions/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Retry re-runs analysis for a failed submission.
func (c *Client) Retry(ctx context.Context, id string) (Outcome, error) {
	var resp Outcome
	endpoint := fmt.Sprintf("v0/submissions/%s/retry", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Stats returns aggregated statistics over recent submissions.
func (c *Client) Stats(ctx context.Context, limit int) (Stats, error) {
	endpoint := "v0/stats"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp Stats
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent journal entries.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.UserID != "" {
		req.Header.Set("X-User-Id", c.UserID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
