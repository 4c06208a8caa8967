package quotesync

import (
	"context"
	"fmt"

	"github.com/agentworkforce/quotesync/internal/notion"
)

const annotationEmoji = "📝"

// KeyResolver returns the note key for a user. It is called at most once per
// sync invocation.
type KeyResolver interface {
	ResolveKey(ctx context.Context, userID string) ([]byte, error)
}

type NoteDecrypter interface {
	Decrypt(ciphertext string, key []byte) (string, error)
}

// Renderer turns quotes into block groups. A nil decrypter passes notes
// through unchanged.
type Renderer struct {
	decrypter NoteDecrypter
	key       []byte
}

func NewRenderer(decrypter NoteDecrypter, key []byte) *Renderer {
	return &Renderer{decrypter: decrypter, key: key}
}

// Render emits the quote block, an annotation when the note is non-empty, the
// location metadata block and a divider. The group is never split.
func (r *Renderer) Render(quote Quote) ([]notion.Block, error) {
	blocks := make([]notion.Block, 0, 4)
	blocks = append(blocks, notion.NewQuoteBlock(quote.Content, string(ResolveColor(quote.Color))))
	if quote.Note != "" {
		note, err := r.note(quote.Note)
		if err != nil {
			return nil, fmt.Errorf("decrypt note of quote %s: %w", quote.ID, err)
		}
		if note != "" {
			blocks = append(blocks, notion.NewCalloutBlock(note, annotationEmoji, "gray_background"))
		}
	}
	blocks = append(blocks, notion.NewParagraphBlock(
		notion.NewAnnotatedRichText(quote.Location, &notion.Annotations{Italic: true, Color: "gray"}),
	))
	blocks = append(blocks, notion.NewDividerBlock())
	return blocks, nil
}

func (r *Renderer) RenderAll(quotes []Quote) ([][]notion.Block, error) {
	groups := make([][]notion.Block, 0, len(quotes))
	for _, quote := range quotes {
		group, err := r.Render(quote)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, nil
}

func (r *Renderer) note(ciphertext string) (string, error) {
	if r == nil || r.decrypter == nil {
		return ciphertext, nil
	}
	return r.decrypter.Decrypt(ciphertext, r.key)
}
