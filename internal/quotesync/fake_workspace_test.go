package quotesync

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/agentworkforce/quotesync/internal/notion"
)

// fakeWorkspace is an in-memory Notion workspace. Listing endpoints paginate
// with small page sizes so scans cross cursor boundaries.
type fakeWorkspace struct {
	mu sync.Mutex

	nextID    int
	databases map[string][]string
	pages     map[string]*fakePage
	dbTitles  map[string]string

	queryPageSize int
	blockPageSize int

	calls   []string
	appends []fakeAppend
	fail    func(op string) error
}

type fakePage struct {
	id         string
	parent     notion.Parent
	properties map[string]notion.PropertyValue
	children   []notion.Block
	archived   bool
}

type fakeAppend struct {
	blockID string
	blocks  []notion.Block
}

func newFakeWorkspace() *fakeWorkspace {
	return &fakeWorkspace{
		databases:     map[string][]string{},
		pages:         map[string]*fakePage{},
		dbTitles:      map[string]string{},
		queryPageSize: 2,
		blockPageSize: 3,
	}
}

func (w *fakeWorkspace) factory() RemoteFactory {
	return func(accessToken string) Remote { return w }
}

func (w *fakeWorkspace) id(prefix string) string {
	w.nextID++
	return prefix + "_" + strconv.Itoa(w.nextID)
}

func (w *fakeWorkspace) record(op string) error {
	w.calls = append(w.calls, op)
	if w.fail != nil {
		return w.fail(op)
	}
	return nil
}

func (w *fakeWorkspace) addDatabase(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.databases[id] = []string{}
}

// addDocument seeds a document directly, bypassing the call log.
func (w *fakeWorkspace) addDocument(databaseID, title, subtitle string, quotes ...string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	page := &fakePage{
		id:         w.id("page"),
		parent:     notion.DatabaseParent(databaseID),
		properties: DocumentProperties(Source{Title: title, Subtitle: subtitle}),
	}
	for _, quote := range quotes {
		page.children = append(page.children, notion.NewQuoteBlock(quote, "yellow"), notion.NewDividerBlock())
	}
	w.pages[page.id] = page
	w.databases[databaseID] = append(w.databases[databaseID], page.id)
	return page.id
}

func (w *fakeWorkspace) documents(databaseID string) []*fakePage {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*fakePage, 0)
	for _, id := range w.databases[databaseID] {
		out = append(out, w.pages[id])
	}
	return out
}

func (w *fakeWorkspace) quoteTexts(pageID string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, block := range w.pages[pageID].children {
		if block.Type == notion.BlockQuote {
			out = append(out, block.PlainText())
		}
	}
	return out
}

func (w *fakeWorkspace) callCount(op string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, call := range w.calls {
		if call == op {
			n++
		}
	}
	return n
}

func (w *fakeWorkspace) totalCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.calls)
}

func (w *fakeWorkspace) resetCalls() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = nil
	w.appends = nil
}

func (w *fakeWorkspace) QueryDatabase(ctx context.Context, databaseID string, req notion.QueryDatabaseRequest) (notion.PageList, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("query"); err != nil {
		return notion.PageList{}, err
	}
	ids, ok := w.databases[databaseID]
	if !ok {
		return notion.PageList{}, &notion.APIError{StatusCode: 404, Code: "object_not_found", Message: "database " + databaseID}
	}
	matched := make([]notion.Page, 0, len(ids))
	for _, id := range ids {
		page := w.pages[id]
		if req.Filter != nil && !matchesFilter(page, *req.Filter) {
			continue
		}
		matched = append(matched, notion.Page{ID: page.id, Archived: page.archived, Properties: page.properties})
	}
	start := 0
	if req.StartCursor != "" {
		start, _ = strconv.Atoi(req.StartCursor)
	}
	end := start + w.queryPageSize
	list := notion.PageList{Object: "list"}
	if end < len(matched) {
		list.HasMore = true
		list.NextCursor = strconv.Itoa(end)
	} else {
		end = len(matched)
	}
	list.Results = append(list.Results, matched[start:end]...)
	return list, nil
}

func matchesFilter(page *fakePage, filter notion.Filter) bool {
	for _, clause := range filter.And {
		if !matchesFilter(page, clause) {
			return false
		}
	}
	text := (notion.Page{Properties: page.properties}).TextProperty(filter.Property)
	for _, cond := range []*notion.TextFilter{filter.Title, filter.RichText} {
		if cond == nil {
			continue
		}
		if cond.IsEmpty && text != "" {
			return false
		}
		if cond.Equals != nil && text != *cond.Equals {
			return false
		}
	}
	return true
}

func (w *fakeWorkspace) ListBlockChildren(ctx context.Context, blockID, cursor string) (notion.BlockList, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("list"); err != nil {
		return notion.BlockList{}, err
	}
	page, ok := w.pages[blockID]
	if !ok {
		return notion.BlockList{}, &notion.APIError{StatusCode: 404, Code: "object_not_found"}
	}
	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	end := start + w.blockPageSize
	list := notion.BlockList{Object: "list"}
	if end < len(page.children) {
		list.HasMore = true
		list.NextCursor = strconv.Itoa(end)
	} else {
		end = len(page.children)
	}
	list.Results = append(list.Results, page.children[start:end]...)
	return list, nil
}

func (w *fakeWorkspace) AppendBlockChildren(ctx context.Context, blockID string, children []notion.Block) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("append"); err != nil {
		return err
	}
	if len(children) > notion.MaxBlockChildren {
		return fmt.Errorf("%w: %d", notion.ErrTooManyBlocks, len(children))
	}
	page, ok := w.pages[blockID]
	if !ok {
		return &notion.APIError{StatusCode: 404, Code: "object_not_found"}
	}
	page.children = append(page.children, children...)
	w.appends = append(w.appends, fakeAppend{blockID: blockID, blocks: append([]notion.Block(nil), children...)})
	return nil
}

func (w *fakeWorkspace) CreatePage(ctx context.Context, req notion.CreatePageRequest) (notion.Page, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("create_page"); err != nil {
		return notion.Page{}, err
	}
	page := &fakePage{id: w.id("page"), parent: req.Parent, properties: req.Properties, children: req.Children}
	w.pages[page.id] = page
	if req.Parent.DatabaseID != "" {
		if _, ok := w.databases[req.Parent.DatabaseID]; !ok {
			return notion.Page{}, &notion.APIError{StatusCode: 404, Code: "object_not_found"}
		}
		w.databases[req.Parent.DatabaseID] = append(w.databases[req.Parent.DatabaseID], page.id)
	}
	return notion.Page{ID: page.id, Properties: page.properties}, nil
}

func (w *fakeWorkspace) CreateDatabase(ctx context.Context, req notion.CreateDatabaseRequest) (notion.Database, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("create_database"); err != nil {
		return notion.Database{}, err
	}
	id := w.id("db")
	w.databases[id] = []string{}
	w.dbTitles[id] = notion.PlainText(req.Title)
	return notion.Database{ID: id, Title: req.Title}, nil
}
