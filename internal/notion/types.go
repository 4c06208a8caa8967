package notion

import (
	"strings"
	"unicode/utf8"
)

const (
	// MaxBlockChildren is the number of children Notion accepts in one append call.
	MaxBlockChildren = 100
	// MaxPageSize caps page_size on paginated endpoints.
	MaxPageSize = 100
	// MaxRichTextLength caps the content of a single rich text object.
	MaxRichTextLength = 2000
)

type BlockType string

const (
	BlockParagraph BlockType = "paragraph"
	BlockQuote     BlockType = "quote"
	BlockCallout   BlockType = "callout"
	BlockDivider   BlockType = "divider"
)

type RichText struct {
	Type        string       `json:"type,omitempty"`
	Text        *Text        `json:"text,omitempty"`
	Annotations *Annotations `json:"annotations,omitempty"`
	PlainText   string       `json:"plain_text,omitempty"`
}

type Text struct {
	Content string `json:"content"`
}

type Annotations struct {
	Bold   bool   `json:"bold,omitempty"`
	Italic bool   `json:"italic,omitempty"`
	Code   bool   `json:"code,omitempty"`
	Color  string `json:"color,omitempty"`
}

// NewRichText splits content into text segments that respect MaxRichTextLength.
// Concatenating the segments yields content unchanged.
func NewRichText(content string) []RichText {
	return NewAnnotatedRichText(content, nil)
}

func NewAnnotatedRichText(content string, annotations *Annotations) []RichText {
	if content == "" {
		return []RichText{}
	}
	segments := make([]RichText, 0, 1)
	for content != "" {
		cut := len(content)
		if utf8.RuneCountInString(content) > MaxRichTextLength {
			cut = 0
			for i := 0; i < MaxRichTextLength; i++ {
				_, size := utf8.DecodeRuneInString(content[cut:])
				cut += size
			}
		}
		segments = append(segments, RichText{
			Type:        "text",
			Text:        &Text{Content: content[:cut]},
			Annotations: annotations,
		})
		content = content[cut:]
	}
	return segments
}

// PlainText joins the text of every segment. Notion fills plain_text on reads;
// request-shaped segments fall back to their text content.
func PlainText(segments []RichText) string {
	var b strings.Builder
	for _, segment := range segments {
		switch {
		case segment.PlainText != "":
			b.WriteString(segment.PlainText)
		case segment.Text != nil:
			b.WriteString(segment.Text.Content)
		}
	}
	return b.String()
}

type RichTextBlock struct {
	RichText []RichText `json:"rich_text"`
	Color    string     `json:"color,omitempty"`
}

type CalloutBlock struct {
	RichText []RichText `json:"rich_text"`
	Icon     *Icon      `json:"icon,omitempty"`
	Color    string     `json:"color,omitempty"`
}

type EmptyBlock struct{}

type Block struct {
	Object      string         `json:"object,omitempty"`
	ID          string         `json:"id,omitempty"`
	Type        BlockType      `json:"type"`
	HasChildren bool           `json:"has_children,omitempty"`
	Archived    bool           `json:"archived,omitempty"`
	Paragraph   *RichTextBlock `json:"paragraph,omitempty"`
	Quote       *RichTextBlock `json:"quote,omitempty"`
	Callout     *CalloutBlock  `json:"callout,omitempty"`
	Divider     *EmptyBlock    `json:"divider,omitempty"`
}

func (b Block) PlainText() string {
	switch b.Type {
	case BlockParagraph:
		if b.Paragraph != nil {
			return PlainText(b.Paragraph.RichText)
		}
	case BlockQuote:
		if b.Quote != nil {
			return PlainText(b.Quote.RichText)
		}
	case BlockCallout:
		if b.Callout != nil {
			return PlainText(b.Callout.RichText)
		}
	}
	return ""
}

func NewQuoteBlock(content, color string) Block {
	return Block{
		Object: "block",
		Type:   BlockQuote,
		Quote:  &RichTextBlock{RichText: NewRichText(content), Color: color},
	}
}

func NewCalloutBlock(content, emoji, color string) Block {
	block := Block{
		Object:  "block",
		Type:    BlockCallout,
		Callout: &CalloutBlock{RichText: NewRichText(content), Color: color},
	}
	if emoji != "" {
		block.Callout.Icon = EmojiIcon(emoji)
	}
	return block
}

func NewParagraphBlock(segments []RichText) Block {
	if segments == nil {
		segments = []RichText{}
	}
	return Block{
		Object:    "block",
		Type:      BlockParagraph,
		Paragraph: &RichTextBlock{RichText: segments},
	}
}

func NewDividerBlock() Block {
	return Block{Object: "block", Type: BlockDivider, Divider: &EmptyBlock{}}
}

type Icon struct {
	Type  string `json:"type"`
	Emoji string `json:"emoji,omitempty"`
}

func EmojiIcon(emoji string) *Icon {
	return &Icon{Type: "emoji", Emoji: emoji}
}

type File struct {
	Type     string        `json:"type"`
	External *ExternalFile `json:"external,omitempty"`
}

type ExternalFile struct {
	URL string `json:"url"`
}

func ExternalCover(url string) *File {
	if strings.TrimSpace(url) == "" {
		return nil
	}
	return &File{Type: "external", External: &ExternalFile{URL: url}}
}

type Parent struct {
	Type       string `json:"type,omitempty"`
	DatabaseID string `json:"database_id,omitempty"`
	PageID     string `json:"page_id,omitempty"`
}

func DatabaseParent(databaseID string) Parent {
	return Parent{Type: "database_id", DatabaseID: databaseID}
}

func PageParent(pageID string) Parent {
	return Parent{Type: "page_id", PageID: pageID}
}

type SelectOption struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type PropertyValue struct {
	ID       string        `json:"id,omitempty"`
	Type     string        `json:"type,omitempty"`
	Title    []RichText    `json:"title,omitempty"`
	RichText []RichText    `json:"rich_text,omitempty"`
	URL      *string       `json:"url,omitempty"`
	Select   *SelectOption `json:"select,omitempty"`
}

// PropertySchema is a database property definition such as {"title": {}}.
type PropertySchema map[string]any

func TitleSchema() PropertySchema    { return PropertySchema{"title": struct{}{}} }
func RichTextSchema() PropertySchema { return PropertySchema{"rich_text": struct{}{}} }
func URLSchema() PropertySchema      { return PropertySchema{"url": struct{}{}} }
func SelectSchema() PropertySchema   { return PropertySchema{"select": struct{}{}} }

type Page struct {
	Object     string                   `json:"object,omitempty"`
	ID         string                   `json:"id"`
	URL        string                   `json:"url,omitempty"`
	Archived   bool                     `json:"archived,omitempty"`
	InTrash    bool                     `json:"in_trash,omitempty"`
	Icon       *Icon                    `json:"icon,omitempty"`
	Cover      *File                    `json:"cover,omitempty"`
	Properties map[string]PropertyValue `json:"properties,omitempty"`
}

// TextProperty returns the plain text of a title or rich_text property.
func (p Page) TextProperty(name string) string {
	value, ok := p.Properties[name]
	if !ok {
		return ""
	}
	if len(value.Title) > 0 {
		return PlainText(value.Title)
	}
	return PlainText(value.RichText)
}

type Database struct {
	Object string     `json:"object,omitempty"`
	ID     string     `json:"id"`
	URL    string     `json:"url,omitempty"`
	Title  []RichText `json:"title,omitempty"`
}

type CreatePageRequest struct {
	Parent     Parent                   `json:"parent"`
	Properties map[string]PropertyValue `json:"properties"`
	Icon       *Icon                    `json:"icon,omitempty"`
	Cover      *File                    `json:"cover,omitempty"`
	Children   []Block                  `json:"children,omitempty"`
}

type CreateDatabaseRequest struct {
	Parent     Parent                    `json:"parent"`
	Title      []RichText                `json:"title"`
	Icon       *Icon                     `json:"icon,omitempty"`
	Cover      *File                     `json:"cover,omitempty"`
	IsInline   bool                      `json:"is_inline,omitempty"`
	Properties map[string]PropertySchema `json:"properties"`
}

type TextFilter struct {
	Equals  *string `json:"equals,omitempty"`
	IsEmpty bool    `json:"is_empty,omitempty"`
}

type Filter struct {
	Property string      `json:"property,omitempty"`
	Title    *TextFilter `json:"title,omitempty"`
	RichText *TextFilter `json:"rich_text,omitempty"`
	And      []Filter    `json:"and,omitempty"`
}

// TextEquals matches a text property exactly, or emptiness when value is "".
func TextEquals(value string) *TextFilter {
	if value == "" {
		return &TextFilter{IsEmpty: true}
	}
	return &TextFilter{Equals: &value}
}

type QueryDatabaseRequest struct {
	Filter      *Filter `json:"filter,omitempty"`
	StartCursor string  `json:"start_cursor,omitempty"`
	PageSize    int     `json:"page_size,omitempty"`
}

type PageList struct {
	Object     string `json:"object,omitempty"`
	Results    []Page `json:"results"`
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

type BlockList struct {
	Object     string  `json:"object,omitempty"`
	Results    []Block `json:"results"`
	NextCursor string  `json:"next_cursor,omitempty"`
	HasMore    bool    `json:"has_more"`
}
