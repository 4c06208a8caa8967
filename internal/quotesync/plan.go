package quotesync

import "github.com/agentworkforce/quotesync/internal/notion"

// MaxBlocksPerAppend is Notion's hard limit on children per append.
const MaxBlocksPerAppend = notion.MaxBlockChildren

type PlanKind string

const (
	PlanCreate PlanKind = "create"
	PlanAppend PlanKind = "append"
	PlanSkip   PlanKind = "skip"
)

type PlanItem struct {
	Kind     PlanKind
	Source   Source
	Key      SourceKey
	RemoteID string
	// Quotes are the quotes to write, in stored order.
	Quotes []Quote
	// Groups holds one rendered block group per quote once rendered.
	Groups [][]notion.Block
}

// Plan decides what to write for one source against the scanned index.
func Plan(source Source, index Index) PlanItem {
	key := KeyForSource(source)
	item := PlanItem{Kind: PlanSkip, Source: source, Key: key}
	if source.Ignored {
		return item
	}
	doc, found := index.Lookup(key)
	if !found {
		item.Quotes = pendingQuotes(source.Quotes, nil)
		item.Kind = PlanCreate
		return item
	}
	item.RemoteID = doc.ID
	item.Quotes = pendingQuotes(source.Quotes, doc)
	if len(item.Quotes) > 0 {
		item.Kind = PlanAppend
	}
	return item
}

// pendingQuotes keeps stored order and drops quotes already in doc as well as
// repeats of an earlier quote in the same source.
func pendingQuotes(quotes []Quote, doc *RemoteDocument) []Quote {
	out := make([]Quote, 0, len(quotes))
	seen := make(map[QuoteKey]struct{}, len(quotes))
	for _, quote := range quotes {
		key := KeyForQuote(quote)
		if doc.Has(key) {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, quote)
	}
	return out
}

// Chunks packs the rendered groups into append batches.
func (p PlanItem) Chunks() [][]notion.Block {
	return ChunkGroups(p.Groups, MaxBlocksPerAppend)
}

// ChunkGroups packs whole groups, in order, into chunks of at most limit
// blocks. A group is only split when it alone exceeds limit.
func ChunkGroups(groups [][]notion.Block, limit int) [][]notion.Block {
	if limit <= 0 {
		limit = MaxBlocksPerAppend
	}
	var chunks [][]notion.Block
	var current []notion.Block
	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
		}
	}
	for _, group := range groups {
		if len(group) == 0 {
			continue
		}
		if len(group) > limit {
			flush()
			for start := 0; start < len(group); start += limit {
				end := start + limit
				if end > len(group) {
					end = len(group)
				}
				chunks = append(chunks, append([]notion.Block(nil), group[start:end]...))
			}
			continue
		}
		if len(current)+len(group) > limit {
			flush()
		}
		current = append(current, group...)
	}
	flush()
	return chunks
}
