package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/projectfs/internal/catalog"
)

const (
	DefaultBaseURL = "https://www.overleaf.com"
	projectsPath   = "/user/projects"
)

// Client fetches the project listing of the logged-in user.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	MaxRetries int
	Logger     *slog.Logger
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
		maxRetries: maxRetries,
		baseDelay:  200 * time.Millisecond,
		maxDelay:   5 * time.Second,
	}
}

type projectsResponse struct {
	Projects []projectEntry `json:"projects"`
}

type projectEntry struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	LastUpdated string     `json:"lastUpdated"`
	Archived    bool       `json:"archived"`
	Trashed     bool       `json:"trashed"`
	Owner       *userEntry `json:"owner"`
}

type userEntry struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

func (u *userEntry) owner() catalog.Owner {
	if u == nil {
		return catalog.Owner{}
	}
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	return catalog.Owner{Name: name, Login: strings.TrimSpace(u.Email)}
}

// FetchSnapshot returns every non-trashed project the token can see. The
// token is a session cookie ("name=value") or a bearer token.
func (c *Client) FetchSnapshot(ctx context.Context, token string) (map[catalog.DocumentID]catalog.RemoteRecord, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, &catalog.AuthError{Message: "no login token configured"}
	}
	var payload projectsResponse
	if err := c.getJSON(ctx, projectsPath, token, &payload); err != nil {
		return nil, err
	}
	out := make(map[catalog.DocumentID]catalog.RemoteRecord, len(payload.Projects))
	for _, entry := range payload.Projects {
		if entry.Trashed {
			continue
		}
		id := catalog.DocumentID(strings.TrimSpace(entry.ID))
		if id == "" {
			c.logger.Warn("skipping remote project without id", "name", entry.Name)
			continue
		}
		out[id] = catalog.RemoteRecord{
			ID:              id,
			Name:            entry.Name,
			Owner:           entry.Owner.owner(),
			LastModified:    parseTimestamp(entry.LastUpdated),
			LastModifiedRaw: entry.LastUpdated,
			Archived:        entry.Archived,
			URL:             c.baseURL + "/project/" + string(id),
		}
	}
	return out, nil
}

func parseTimestamp(raw string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}

func (c *Client) getJSON(ctx context.Context, path, token string, out any) error {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if strings.Contains(token, "=") {
			req.Header.Set("Cookie", token)
		} else {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &catalog.NetworkError{Err: err}
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &catalog.NetworkError{Err: readErr}
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			if err := json.Unmarshal(body, out); err != nil {
				return &catalog.NetworkError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode project list: %w", err)}
			}
			return nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return &catalog.AuthError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
		case resp.StatusCode >= 300 && resp.StatusCode <= 399:
			// An expired session is redirected to the login page.
			return &catalog.AuthError{StatusCode: resp.StatusCode, Message: "session expired"}
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &catalog.NetworkError{StatusCode: resp.StatusCode}
		default:
			return &catalog.NetworkError{StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", errorMessage(body))}
		}
	}
}

func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if delay := time.Until(at); delay > 0 {
			return delay
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
