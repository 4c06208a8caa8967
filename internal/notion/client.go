package notion

import (
	"bytes"
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

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL    = "https://api.notion.com"
	DefaultAPIVersion = "2022-06-28"
)

var ErrTooManyBlocks = errors.New("notion: too many block children in one request")

type AccessTokenProvider func(ctx context.Context) (string, error)

func StaticToken(token string) AccessTokenProvider {
	return func(ctx context.Context) (string, error) {
		return token, nil
	}
}

type ClientOptions struct {
	BaseURL       string
	TokenProvider AccessTokenProvider
	HTTPClient    *http.Client
	APIVersion    string
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	// RequestsPerSecond paces outgoing requests. Zero uses Notion's published
	// average of three per second; a negative value disables pacing.
	RequestsPerSecond float64
	Burst             int
}

type Client struct {
	baseURL       string
	tokenProvider AccessTokenProvider
	httpClient    *http.Client
	apiVersion    string
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	limiter       *rate.Limiter
}

type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("notion request failed: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("notion request failed: status=%d message=%s", e.StatusCode, e.Message)
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond >= 0 {
		rps := opts.RequestsPerSecond
		if rps == 0 {
			rps = 3
		}
		burst := opts.Burst
		if burst <= 0 {
			burst = 3
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &Client{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		apiVersion:    apiVersion,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		limiter:       limiter,
	}
}

func (c *Client) QueryDatabase(ctx context.Context, databaseID string, req QueryDatabaseRequest) (PageList, error) {
	var out PageList
	if strings.TrimSpace(databaseID) == "" {
		return out, fmt.Errorf("notion: database id is required")
	}
	if req.PageSize <= 0 || req.PageSize > MaxPageSize {
		req.PageSize = MaxPageSize
	}
	err := c.do(ctx, http.MethodPost, "/v1/databases/"+url.PathEscape(databaseID)+"/query", req, &out, retryAlways)
	return out, err
}

func (c *Client) ListBlockChildren(ctx context.Context, blockID, cursor string) (BlockList, error) {
	var out BlockList
	if strings.TrimSpace(blockID) == "" {
		return out, fmt.Errorf("notion: block id is required")
	}
	query := url.Values{}
	query.Set("page_size", strconv.Itoa(MaxPageSize))
	if cursor != "" {
		query.Set("start_cursor", cursor)
	}
	err := c.do(ctx, http.MethodGet, "/v1/blocks/"+url.PathEscape(blockID)+"/children?"+query.Encode(), nil, &out, retryAlways)
	return out, err
}

// AppendBlockChildren rejects more than MaxBlockChildren blocks locally; Notion
// refuses oversized requests outright instead of applying a prefix.
func (c *Client) AppendBlockChildren(ctx context.Context, blockID string, children []Block) error {
	if strings.TrimSpace(blockID) == "" {
		return fmt.Errorf("notion: block id is required")
	}
	if len(children) == 0 {
		return nil
	}
	if len(children) > MaxBlockChildren {
		return fmt.Errorf("%w: %d > %d", ErrTooManyBlocks, len(children), MaxBlockChildren)
	}
	payload := struct {
		Children []Block `json:"children"`
	}{Children: children}
	return c.do(ctx, http.MethodPatch, "/v1/blocks/"+url.PathEscape(blockID)+"/children", payload, nil, retryRateLimited)
}

func (c *Client) CreatePage(ctx context.Context, req CreatePageRequest) (Page, error) {
	var out Page
	if len(req.Children) > MaxBlockChildren {
		return out, fmt.Errorf("%w: %d > %d", ErrTooManyBlocks, len(req.Children), MaxBlockChildren)
	}
	err := c.do(ctx, http.MethodPost, "/v1/pages", req, &out, retryRateLimited)
	return out, err
}

func (c *Client) CreateDatabase(ctx context.Context, req CreateDatabaseRequest) (Database, error) {
	var out Database
	err := c.do(ctx, http.MethodPost, "/v1/databases", req, &out, retryRateLimited)
	return out, err
}

type correlationKey struct{}

// WithCorrelationID tags outgoing Notion requests made with ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return id
	}
	return "notion_" + uuid.NewString()
}

// retryPolicy decides which failures a request may be resent after. Writes
// that Notion may already have applied (timeouts, 5xx) are never resent.
type retryPolicy int

const (
	retryAlways retryPolicy = iota
	retryRateLimited
)

func (p retryPolicy) retryable(status int) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return p == retryAlways && status >= 500 && status <= 599
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any, policy retryPolicy) error {
	if c == nil {
		return fmt.Errorf("notion http client is nil")
	}
	if c.tokenProvider == nil {
		return fmt.Errorf("notion token provider is required")
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("notion token is empty")
	}
	var bodyBytes []byte
	if payload != nil {
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	target := c.baseURL + path
	corrID := correlationID(ctx)

	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Notion-Version", c.apiVersion)
		req.Header.Set("X-Correlation-Id", corrID)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if policy == retryAlways && attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("notion: decode %s %s response: %w", method, path, err)
			}
			return nil
		}

		if policy.retryable(resp.StatusCode) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return parseAPIError(resp.StatusCode, respBody)
	}
}

func parseAPIError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		apiErr.Code = parsed.Code
		if strings.TrimSpace(parsed.Message) != "" {
			apiErr.Message = parsed.Message
		}
	}
	return apiErr
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
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
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
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
