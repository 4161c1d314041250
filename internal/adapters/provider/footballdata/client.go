// Package footballdata reads finished matches and season metadata from the
// football-data.org v4 API.
package footballdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/okian/elosync/internal/domain/model"
	"github.com/okian/elosync/pkg/metrics"
)

// Defaults.
const (
	DefaultBaseURL     = "https://api.football-data.org/v4"
	DefaultCompetition = "PL"
	defaultTimeout     = 10 * time.Second
	maxErrorBody       = 4 << 10
)

// waitPattern extracts the suggested delay from a 429 message such as
// "You reached your request limit. Wait 53 seconds."
var waitPattern = regexp.MustCompile(`(?i)wait\s+(\d+(?:\.\d+)?)\s+seconds?`)

// Option applies a configuration option to the Client.
type Option func(*Client)

// WithBaseURL overrides the API root.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient sets the transport. Its Timeout is the per-request limit.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithSeason pins the season query parameter (start year). Zero omits it.
func WithSeason(year int) Option {
	return func(c *Client) { c.season = year }
}

// Client is a football-data.org API client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	season     int
}

// New creates a client authenticating with token.
func New(token string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    DefaultBaseURL,
		token:      token,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type competitionResponse struct {
	Code          string `json:"code"`
	CurrentSeason struct {
		StartDate string `json:"startDate"`
		EndDate   string `json:"endDate"`
	} `json:"currentSeason"`
}

type team struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	ShortName string `json:"shortName"`
}

type match struct {
	ID       int64  `json:"id"`
	UTCDate  string `json:"utcDate"`
	Status   string `json:"status"`
	HomeTeam team   `json:"homeTeam"`
	AwayTeam team   `json:"awayTeam"`
	Score    struct {
		FullTime struct {
			Home *int `json:"home"`
			Away *int `json:"away"`
		} `json:"fullTime"`
	} `json:"score"`
}

type matchesResponse struct {
	Matches []match `json:"matches"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// CurrentSeason returns the current season of competition.
func (c *Client) CurrentSeason(ctx context.Context, competition string) (model.Season, error) {
	const op = "footballdata.CurrentSeason"
	var resp competitionResponse
	if err := c.get(ctx, op, "competitions", "competitions/"+url.PathEscape(competition), nil, &resp); err != nil {
		return model.Season{}, err
	}
	start, err := model.ParseDate(resp.CurrentSeason.StartDate)
	if err != nil {
		return model.Season{}, model.E(model.KindMalformed, op, fmt.Errorf("season start %q: %w", resp.CurrentSeason.StartDate, err))
	}
	end, err := model.ParseDate(resp.CurrentSeason.EndDate)
	if err != nil {
		return model.Season{}, model.E(model.KindMalformed, op, fmt.Errorf("season end %q: %w", resp.CurrentSeason.EndDate, err))
	}
	return model.Season{Start: start, End: end}, nil
}

// Matches returns every match of competition scheduled in [from, to], both
// days inclusive, in any status.
func (c *Client) Matches(ctx context.Context, competition string, from, to time.Time) ([]model.RawEvent, error) {
	const op = "footballdata.Matches"
	q := url.Values{}
	q.Set("competitions", competition)
	q.Set("dateFrom", from.UTC().Format(model.DateLayout))
	q.Set("dateTo", to.UTC().Format(model.DateLayout))
	if c.season > 0 {
		q.Set("season", strconv.Itoa(c.season))
	}

	var resp matchesResponse
	if err := c.get(ctx, op, "matches", "matches", q, &resp); err != nil {
		return nil, err
	}

	out := make([]model.RawEvent, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		out = append(out, m.raw())
	}
	return out, nil
}

func (m match) raw() model.RawEvent {
	return model.RawEvent{
		ExternalID: strconv.FormatInt(m.ID, 10),
		Status:     m.Status,
		Date:       m.UTCDate,
		Home:       m.HomeTeam.side(),
		Away:       m.AwayTeam.side(),
		HomeGoals:  m.Score.FullTime.Home,
		AwayGoals:  m.Score.FullTime.Away,
	}
}

func (t team) side() model.Side {
	s := model.Side{Name: t.ShortName}
	if s.Name == "" {
		s.Name = t.Name
	}
	if t.ID != 0 {
		s.ExternalID = strconv.FormatInt(t.ID, 10)
	}
	return s
}

func (c *Client) get(ctx context.Context, op, endpoint, path string, q url.Values, out any) error {
	u := c.baseURL + "/" + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return model.E(model.KindMalformed, op, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("X-Auth-Token", c.token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordUpstreamRequest(endpoint, "error", msSince(start))
		return model.E(model.KindUnavailable, op, fmt.Errorf("making request: %w", err))
	}
	defer resp.Body.Close()
	metrics.RecordUpstreamRequest(endpoint, strconv.Itoa(resp.StatusCode), msSince(start))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		metrics.RecordRateLimited()
		return model.RateLimited(op, suggestedWait(resp.Header, body), fmt.Errorf("status=%d, body=%s", resp.StatusCode, body))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return model.E(model.KindUnavailable, op, fmt.Errorf("status=%d, body=%s", resp.StatusCode, body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return model.E(model.KindMalformed, op, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

// suggestedWait reads the server's retry hint: the message first, then the
// X-RequestCounter-Reset and Retry-After headers. Zero means no hint.
func suggestedWait(h http.Header, body []byte) time.Duration {
	var e errorResponse
	msg := string(body)
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		msg = e.Message
	}
	if m := waitPattern.FindStringSubmatch(msg); m != nil {
		if secs, err := strconv.ParseFloat(m[1], 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	for _, key := range []string{"X-RequestCounter-Reset", "Retry-After"} {
		if v := strings.TrimSpace(h.Get(key)); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return 0
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t)) / float64(time.Millisecond)
}
