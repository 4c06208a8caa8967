package quotesync

import (
	"context"

	"github.com/agentworkforce/quotesync/internal/logging"
	"github.com/agentworkforce/quotesync/internal/notion"
)

type RemoteDocument struct {
	ID         string
	Key        SourceKey
	QuoteTexts map[QuoteKey]struct{}
}

func (d *RemoteDocument) Has(key QuoteKey) bool {
	if d == nil {
		return false
	}
	_, ok := d.QuoteTexts[key]
	return ok
}

// Index maps source keys to the documents already present in a container.
// It is rebuilt from the remote blocks on every sync and never persisted.
type Index map[SourceKey]*RemoteDocument

func (idx Index) Lookup(key SourceKey) (*RemoteDocument, bool) {
	doc, ok := idx[key]
	return doc, ok
}

// Record folds written quotes into the index so later sources in the same run
// see them.
func (idx Index) Record(key SourceKey, remoteID string, quotes []Quote) {
	doc, ok := idx[key]
	if !ok {
		doc = &RemoteDocument{ID: remoteID, Key: key, QuoteTexts: map[QuoteKey]struct{}{}}
		idx[key] = doc
	}
	for _, quote := range quotes {
		doc.QuoteTexts[KeyForQuote(quote)] = struct{}{}
	}
}

type ScanFailurePolicy int

const (
	// ScanFailureAbort fails the sync when the container cannot be fully scanned.
	ScanFailureAbort ScanFailurePolicy = iota
	// ScanFailureCreateOnly continues with an empty index, creating documents
	// for every source.
	ScanFailureCreateOnly
)

type Scanner struct {
	log logging.Logger
}

func NewScanner(log logging.Logger) *Scanner {
	if log == nil {
		log = logging.Nop()
	}
	return &Scanner{log: log}
}

// Scan lists every document in the container and collects the literal text of
// their quote blocks.
func (s *Scanner) Scan(ctx context.Context, remote Remote, containerID string) (Index, error) {
	return s.scan(ctx, remote, containerID, nil, nil)
}

// ScanSource indexes only the documents whose key equals key. The database
// filter narrows the listing; the key is re-checked exactly on each result.
func (s *Scanner) ScanSource(ctx context.Context, remote Remote, containerID string, key SourceKey) (Index, error) {
	filter := &notion.Filter{And: []notion.Filter{
		{Property: PropertyTitle, Title: notion.TextEquals(key.Title)},
		{Property: PropertySubtitle, RichText: notion.TextEquals(key.Subtitle)},
	}}
	return s.scan(ctx, remote, containerID, filter, func(candidate SourceKey) bool {
		return candidate == key
	})
}

func (s *Scanner) scan(ctx context.Context, remote Remote, containerID string, filter *notion.Filter, accept func(SourceKey) bool) (Index, error) {
	index := Index{}
	cursor := ""
	for {
		list, err := remote.QueryDatabase(ctx, containerID, notion.QueryDatabaseRequest{
			Filter:      filter,
			StartCursor: cursor,
			PageSize:    notion.MaxPageSize,
		})
		if err != nil {
			return nil, &ScanError{ContainerID: containerID, Err: err}
		}
		for _, page := range list.Results {
			if page.Archived || page.InTrash {
				continue
			}
			key := NewSourceKey(page.TextProperty(PropertyTitle), page.TextProperty(PropertySubtitle))
			if accept != nil && !accept(key) {
				continue
			}
			doc, seen := index[key]
			if seen {
				s.log.Warn(ctx, "duplicate remote documents share a source key; merging quote sets",
					"container_id", containerID, "kept_document_id", doc.ID, "duplicate_document_id", page.ID)
			} else {
				doc = &RemoteDocument{ID: page.ID, Key: key, QuoteTexts: map[QuoteKey]struct{}{}}
				index[key] = doc
			}
			if err := s.collectQuotes(ctx, remote, page.ID, doc.QuoteTexts); err != nil {
				return nil, &ScanError{ContainerID: containerID, DocumentID: page.ID, Err: err}
			}
		}
		if !list.HasMore {
			break
		}
		if list.NextCursor == "" {
			return nil, &ScanError{ContainerID: containerID, Err: errMissingCursor}
		}
		cursor = list.NextCursor
	}
	return index, nil
}

func (s *Scanner) collectQuotes(ctx context.Context, remote Remote, documentID string, into map[QuoteKey]struct{}) error {
	cursor := ""
	for {
		list, err := remote.ListBlockChildren(ctx, documentID, cursor)
		if err != nil {
			return err
		}
		for _, block := range list.Results {
			if block.Type != notion.BlockQuote || block.Archived {
				continue
			}
			into[QuoteKey(block.PlainText())] = struct{}{}
		}
		if !list.HasMore {
			return nil
		}
		if list.NextCursor == "" {
			return errMissingCursor
		}
		cursor = list.NextCursor
	}
}
