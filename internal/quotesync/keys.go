package quotesync

// SourceKey identifies a source's remote document. It is built from the title
// and subtitle exactly as stored: no trimming, no case folding, no Unicode
// normalization. The two fields stay separate, so ("ab", "c") and ("a", "bc")
// are different keys. Scan and create must both go through NewSourceKey.
type SourceKey struct {
	Title    string
	Subtitle string
}

func NewSourceKey(title, subtitle string) SourceKey {
	return SourceKey{Title: title, Subtitle: subtitle}
}

func KeyForSource(source Source) SourceKey {
	return NewSourceKey(source.Title, source.Subtitle)
}

func (k SourceKey) String() string {
	return k.Title + k.Subtitle
}

// QuoteKey is a quote's literal content, compared byte-for-byte.
type QuoteKey string

func KeyForQuote(quote Quote) QuoteKey {
	return QuoteKey(quote.Content)
}
