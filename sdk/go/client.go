package stresslinesdk

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

// Client is a minimal Stressline HTTP API client. Monitored sources
// authenticate with an API key and push activity events; interactive
// callers use a bearer token.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Episode represents the API episode model (partial).
type Episode struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// EpisodeSummary pairs an episode with its current strength.
type EpisodeSummary struct {
	Episode         Episode `json:"episode"`
	CurrentStrength int     `json:"current_strength"`
	LastStrengthAt  string  `json:"last_strength_at"`
}

// StrengthSample is one point on an episode's strength curve.
type StrengthSample struct {
	EpisodeID string `json:"episode_id"`
	TS        string `json:"ts"`
	Value     int    `json:"value"`
	Source    string `json:"source"`
}

// LogEvent is one activity event to push.
type LogEvent struct {
	TS              string  `json:"ts,omitempty"`
	Site            string  `json:"site,omitempty"`
	Kind            string  `json:"kind"`
	DurationMinutes float64 `json:"duration_minutes,omitempty"`
	TypingVolume    int     `json:"typing_volume,omitempty"`
	SwitchCount     int     `json:"switch_count,omitempty"`
	Deep            bool    `json:"deep,omitempty"`
}

// Signal is a derived nudge from recent activity.
type Signal struct {
	ID   string `json:"id"`
	TS   string `json:"ts"`
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// Progress holds log-derived counters.
type Progress struct {
	Focus25      int `json:"focus25"`
	DeepReads    int `json:"deep_reads"`
	CharsApprox  int `json:"chars_approx"`
	NightMinutes int `json:"night_minutes"`
}

// Milestone is a recorded win.
type Milestone struct {
	ID         string   `json:"id"`
	TS         string   `json:"ts"`
	Kind       string   `json:"kind"`
	Title      string   `json:"title"`
	Items      []string `json:"items,omitempty"`
	AffirmedAt *string  `json:"affirmed_at,omitempty"`
}

// Affirmation pairs an encouragement text with an optional milestone.
type Affirmation struct {
	Text      string     `json:"text"`
	Milestone *Milestone `json:"milestone,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateEpisode creates a stress episode.
func (c *Client) CreateEpisode(ctx context.Context, title string, strength int) (Episode, error) {
	body := map[string]any{
		"title":    title,
		"strength": strength,
	}
	var resp Episode
	err := c.do(ctx, http.MethodPost, "v0/episodes", body, &resp)
	return resp, err
}

// ListEpisodes returns episodes with their current strength.
func (c *Client) ListEpisodes(ctx context.Context, status string) ([]EpisodeSummary, error) {
	endpoint := "v0/episodes"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []EpisodeSummary
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RecordStrength appends a strength sample.
func (c *Client) RecordStrength(ctx context.Context, episodeID string, value int, note string) (StrengthSample, error) {
	body := map[string]any{
		"value": value,
		"note":  note,
	}
	var resp StrengthSample
	endpoint := fmt.Sprintf("v0/episodes/%s/strength", url.PathEscape(episodeID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Resolve marks an episode resolved.
func (c *Client) Resolve(ctx context.Context, episodeID, reason, milestoneText string) (Episode, error) {
	body := map[string]any{
		"reason":         reason,
		"milestone_text": milestoneText,
	}
	var resp Episode
	endpoint := fmt.Sprintf("v0/episodes/%s/resolve", url.PathEscape(episodeID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// PushLogs appends activity events and returns how many landed.
func (c *Client) PushLogs(ctx context.Context, events []LogEvent) (int, error) {
	body := map[string]any{"events": events}
	var resp struct {
		Appended int `json:"appended"`
	}
	err := c.do(ctx, http.MethodPost, "v0/logs", body, &resp)
	return resp.Appended, err
}

// Signals returns current derived signals.
func (c *Client) Signals(ctx context.Context) ([]Signal, error) {
	var resp []Signal
	err := c.do(ctx, http.MethodGet, "v0/signals", nil, &resp)
	return resp, err
}

// Progress returns current derived counters.
func (c *Client) Progress(ctx context.Context) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, "v0/progress", nil, &resp)
	return resp, err
}

// Milestones lists milestones, optionally by kind.
func (c *Client) Milestones(ctx context.Context, kind string) ([]Milestone, error) {
	endpoint := "v0/milestones"
	if kind != "" {
		endpoint += "?kind=" + url.QueryEscape(kind)
	}
	var resp []Milestone
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AffirmMilestone affirms a milestone and returns the encouragement.
func (c *Client) AffirmMilestone(ctx context.Context, id string) (Affirmation, error) {
	var resp Affirmation
	endpoint := fmt.Sprintf("v0/milestones/%s/affirm", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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
