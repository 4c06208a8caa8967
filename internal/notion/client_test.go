package notion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(server *httptest.Server, opts ClientOptions) *Client {
	opts.BaseURL = server.URL
	opts.HTTPClient = server.Client()
	if opts.TokenProvider == nil {
		opts.TokenProvider = StaticToken("secret_token")
	}
	if opts.RequestsPerSecond == 0 {
		opts.RequestsPerSecond = -1
	}
	return NewClient(opts)
}

func TestAppendBlockChildrenSendsExpectedRequest(t *testing.T) {
	var capturedAuth, capturedVersion, capturedPath, capturedMethod, capturedCorrelation string
	var capturedBody struct {
		Children []Block `json:"children"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedAuth = r.Header.Get("Authorization")
		capturedVersion = r.Header.Get("Notion-Version")
		capturedCorrelation = r.Header.Get("X-Correlation-Id")
		capturedPath = r.URL.Path
		capturedMethod = r.Method
		_ = json.NewDecoder(r.Body).Decode(&capturedBody)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"object":"list","results":[]}`))
	}))
	defer server.Close()

	client := newTestClient(server, ClientOptions{})
	ctx := WithCorrelationID(context.Background(), "corr_append_1")
	err := client.AppendBlockChildren(ctx, "page_1", []Block{
		NewQuoteBlock("Small habits make a big difference.", "yellow"),
		NewDividerBlock(),
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if capturedMethod != http.MethodPatch || capturedPath != "/v1/blocks/page_1/children" {
		t.Fatalf("unexpected request %s %s", capturedMethod, capturedPath)
	}
	if capturedAuth != "Bearer secret_token" {
		t.Fatalf("expected bearer auth, got %q", capturedAuth)
	}
	if capturedVersion != DefaultAPIVersion {
		t.Fatalf("expected Notion-Version %s, got %q", DefaultAPIVersion, capturedVersion)
	}
	if capturedCorrelation != "corr_append_1" {
		t.Fatalf("expected correlation id to propagate, got %q", capturedCorrelation)
	}
	if len(capturedBody.Children) != 2 {
		t.Fatalf("expected two children, got %d", len(capturedBody.Children))
	}
	if got := capturedBody.Children[0].PlainText(); got != "Small habits make a big difference." {
		t.Fatalf("unexpected quote text %q", got)
	}
	if capturedBody.Children[0].Quote.Color != "yellow" {
		t.Fatalf("expected quote color yellow, got %q", capturedBody.Children[0].Quote.Color)
	}
	if capturedBody.Children[1].Type != BlockDivider || capturedBody.Children[1].Divider == nil {
		t.Fatalf("expected divider block, got %+v", capturedBody.Children[1])
	}
}

func TestAppendBlockChildrenRejectsOversizedBatchLocally(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(server, ClientOptions{})
	blocks := make([]Block, MaxBlockChildren+1)
	for i := range blocks {
		blocks[i] = NewDividerBlock()
	}
	err := client.AppendBlockChildren(context.Background(), "page_1", blocks)
	if !errors.Is(err, ErrTooManyBlocks) {
		t.Fatalf("expected ErrTooManyBlocks, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected no request to be sent, got %d", calls)
	}
}

func TestQueryDatabaseDecodesPagesAndCursor(t *testing.T) {
	var capturedBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/databases/db_1/query" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&capturedBody)
		_, _ = w.Write([]byte(`{
			"object": "list",
			"results": [{
				"object": "page",
				"id": "page_1",
				"properties": {
					"Title": {"id": "title", "type": "title", "title": [{"type": "text", "plain_text": "Atomic "}, {"type": "text", "plain_text": "Habits"}]},
					"Subtitle": {"id": "s", "type": "rich_text", "rich_text": []}
				}
			}],
			"next_cursor": "cursor_2",
			"has_more": true
		}`))
	}))
	defer server.Close()

	client := newTestClient(server, ClientOptions{})
	list, err := client.QueryDatabase(context.Background(), "db_1", QueryDatabaseRequest{StartCursor: "cursor_1"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if capturedBody["start_cursor"] != "cursor_1" {
		t.Fatalf("expected start_cursor in body, got %+v", capturedBody)
	}
	if capturedBody["page_size"] != float64(MaxPageSize) {
		t.Fatalf("expected page_size %d, got %+v", MaxPageSize, capturedBody["page_size"])
	}
	if !list.HasMore || list.NextCursor != "cursor_2" {
		t.Fatalf("expected cursor_2 with has_more, got %+v", list)
	}
	if len(list.Results) != 1 {
		t.Fatalf("expected one page, got %d", len(list.Results))
	}
	if title := list.Results[0].TextProperty("Title"); title != "Atomic Habits" {
		t.Fatalf("expected concatenated title, got %q", title)
	}
	if subtitle := list.Results[0].TextProperty("Subtitle"); subtitle != "" {
		t.Fatalf("expected empty subtitle, got %q", subtitle)
	}
}

func TestListBlockChildrenSendsCursorAndPageSize(t *testing.T) {
	var capturedQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"object":"list","results":[{"object":"block","id":"b1","type":"quote","quote":{"rich_text":[{"type":"text","plain_text":"hello"}]}}],"next_cursor":null,"has_more":false}`))
	}))
	defer server.Close()

	client := newTestClient(server, ClientOptions{})
	list, err := client.ListBlockChildren(context.Background(), "page_1", "cursor_9")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(capturedQuery, "start_cursor=cursor_9") || !strings.Contains(capturedQuery, "page_size=100") {
		t.Fatalf("unexpected query %q", capturedQuery)
	}
	if list.HasMore || list.NextCursor != "" {
		t.Fatalf("expected final page, got %+v", list)
	}
	if got := list.Results[0].PlainText(); got != "hello" {
		t.Fatalf("expected quote text hello, got %q", got)
	}
}

func TestClientRetriesRateLimitedRequest(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt32(&calls, 1)
		if current == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"object":"error","code":"rate_limited","message":"slow down"}`))
			return
		}
		_, _ = w.Write([]byte(`{"object":"page","id":"page_new"}`))
	}))
	defer server.Close()

	client := newTestClient(server, ClientOptions{
		BaseDelay:  5 * time.Millisecond,
		MaxDelay:   20 * time.Millisecond,
		MaxRetries: 2,
	})
	page, err := client.CreatePage(context.Background(), CreatePageRequest{
		Parent:     DatabaseParent("db_1"),
		Properties: map[string]PropertyValue{"Title": {Title: NewRichText("Atomic Habits")}},
	})
	if err != nil {
		t.Fatalf("expected retry to recover from rate limit, got %v", err)
	}
	if page.ID != "page_new" {
		t.Fatalf("expected created page id, got %q", page.ID)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected one retry, got %d calls", atomic.LoadInt32(&calls))
	}
}

func TestClientDoesNotResendWritesAfterServerError(t *testing.T) {
	var patches, posts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPatch:
			atomic.AddInt32(&patches, 1)
		case http.MethodPost:
			atomic.AddInt32(&posts, 1)
		}
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"object":"error","code":"bad_gateway","message":"upstream"}`))
	}))
	defer server.Close()

	client := newTestClient(server, ClientOptions{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxRetries: 3})
	err := client.AppendBlockChildren(context.Background(), "page_1", []Block{NewDividerBlock()})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 APIError from append, got %v", err)
	}
	if got := atomic.LoadInt32(&patches); got != 1 {
		t.Fatalf("expected append to be sent once, got %d", got)
	}

	_, err = client.CreatePage(context.Background(), CreatePageRequest{
		Parent:     DatabaseParent("db_1"),
		Properties: map[string]PropertyValue{"Title": {Title: NewRichText("Atomic Habits")}},
	})
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 APIError from create, got %v", err)
	}
	if got := atomic.LoadInt32(&posts); got != 1 {
		t.Fatalf("expected page create to be sent once, got %d", got)
	}
}

func TestClientDoesNotResendWritesAfterTimeout(t *testing.T) {
	var posts int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&posts, 1) == 1 {
			<-release
		}
		_, _ = w.Write([]byte(`{"object":"page","id":"page_new"}`))
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(ClientOptions{
		BaseURL:           server.URL,
		HTTPClient:        &http.Client{Timeout: 50 * time.Millisecond},
		TokenProvider:     StaticToken("secret_token"),
		RequestsPerSecond: -1,
		BaseDelay:         time.Millisecond,
		MaxDelay:          time.Millisecond,
		MaxRetries:        3,
	})
	_, err := client.CreatePage(context.Background(), CreatePageRequest{
		Parent:     DatabaseParent("db_1"),
		Properties: map[string]PropertyValue{"Title": {Title: NewRichText("Atomic Habits")}},
	})
	if err == nil {
		t.Fatalf("expected timeout error from create")
	}
	if got := atomic.LoadInt32(&posts); got != 1 {
		t.Fatalf("expected page create to be sent once, got %d", got)
	}
}

func TestClientRetriesReadsAfterServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"object":"list","results":[],"has_more":false}`))
	}))
	defer server.Close()

	client := newTestClient(server, ClientOptions{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxRetries: 2})
	if _, err := client.ListBlockChildren(context.Background(), "page_1", ""); err != nil {
		t.Fatalf("expected read to recover from 503, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected one retry, got %d calls", got)
	}
}

func TestClientReturnsAPIErrorOnPermanentFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"object":"error","code":"validation_error","message":"body failed validation"}`))
	}))
	defer server.Close()

	client := newTestClient(server, ClientOptions{})
	_, err := client.CreateDatabase(context.Background(), CreateDatabaseRequest{
		Parent: PageParent("page_parent"),
		Title:  NewRichText("Quotes"),
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "validation_error" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if !strings.Contains(err.Error(), "validation_error") {
		t.Fatalf("expected error to include response code, got %v", err)
	}
}

func TestNewRichTextSplitsLongContentAtRuneBoundaries(t *testing.T) {
	content := strings.Repeat("é", MaxRichTextLength) + strings.Repeat("a", 10)
	segments := NewRichText(content)
	if len(segments) != 2 {
		t.Fatalf("expected two segments, got %d", len(segments))
	}
	if got := len([]rune(segments[0].Text.Content)); got != MaxRichTextLength {
		t.Fatalf("expected first segment of %d runes, got %d", MaxRichTextLength, got)
	}
	if PlainText(segments) != content {
		t.Fatalf("expected segments to reassemble the original content")
	}
}

func TestRetryDelayHonorsRetryAfterAndCap(t *testing.T) {
	client := NewClient(ClientOptions{BaseDelay: 10 * time.Millisecond, MaxDelay: 3 * time.Second})
	if got := client.retryDelay(1, "2"); got != 2*time.Second {
		t.Fatalf("expected Retry-After of 2s, got %s", got)
	}
	if got := client.retryDelay(1, "30"); got != 3*time.Second {
		t.Fatalf("expected cap of 3s, got %s", got)
	}
	if got := client.retryDelay(3, ""); got != 40*time.Millisecond {
		t.Fatalf("expected exponential 40ms, got %s", got)
	}
}
