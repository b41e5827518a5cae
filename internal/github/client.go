// Package github talks to the GitHub REST API: repository search and
// repository existence checks.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// ErrUpstream is returned when the API answers with a non-success status.
var ErrUpstream = errors.New("github api error")

type Repository struct {
	FullName string `json:"full_name"`
	HTMLURL  string `json:"html_url"`
	Stars    int    `json:"stargazers_count"`
}

type searchResponse struct {
	TotalCount int          `json:"total_count"`
	Items      []Repository `json:"items"`
}

// SearchQuery selects one page of a repository search. Language and Topic
// are combined with AND when both are set.
type SearchQuery struct {
	Language string
	Topic    string
	PerPage  int
	Page     int
}

type Client struct {
	baseURL string
	token   string
	http    *retryablehttp.Client
}

func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 15 * time.Second
	rc.Logger = leveledLogger{logger.Named("github").Sugar()}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    rc,
	}
}

// BuildQuery renders the search qualifier string, e.g. "language:go topic:cli".
func BuildQuery(language, topic string) string {
	var parts []string
	if language = strings.TrimSpace(language); language != "" {
		parts = append(parts, "language:"+language)
	}
	if topic = strings.TrimSpace(topic); topic != "" {
		parts = append(parts, "topic:"+topic)
	}
	return strings.Join(parts, " ")
}

// SearchRepositories fetches one page of repositories sorted by stars.
func (c *Client) SearchRepositories(ctx context.Context, q SearchQuery) ([]Repository, error) {
	params := url.Values{}
	params.Set("q", BuildQuery(q.Language, q.Topic))
	params.Set("sort", "stars")
	if q.PerPage > 0 {
		params.Set("per_page", strconv.Itoa(q.PerPage))
	}
	params.Set("page", strconv.Itoa(q.Page))

	resp, err := c.get(ctx, "/search/repositories?"+params.Encode())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError(resp)
	}
	var payload searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode search page %d: %w", q.Page, err)
	}
	return payload.Items, nil
}

// RepoExists reports whether owner/name resolves to a repository.
func (c *Client) RepoExists(ctx context.Context, owner, name string) (bool, error) {
	resp, err := c.get(ctx, "/repos/"+url.PathEscape(owner)+"/"+url.PathEscape(name))
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, upstreamError(resp)
	}
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github request: %w", err)
	}
	return resp, nil
}

func upstreamError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, strings.TrimSpace(string(body)))
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
