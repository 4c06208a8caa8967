package quotesync

import (
	"context"
	"strings"

	"github.com/agentworkforce/quotesync/internal/notion"
)

// Remote is the slice of the Notion API the engine drives. *notion.Client
// satisfies it.
type Remote interface {
	QueryDatabase(ctx context.Context, databaseID string, req notion.QueryDatabaseRequest) (notion.PageList, error)
	ListBlockChildren(ctx context.Context, blockID, cursor string) (notion.BlockList, error)
	AppendBlockChildren(ctx context.Context, blockID string, children []notion.Block) error
	CreatePage(ctx context.Context, req notion.CreatePageRequest) (notion.Page, error)
	CreateDatabase(ctx context.Context, req notion.CreateDatabaseRequest) (notion.Database, error)
}

// RemoteFactory binds a Remote to one user's access token.
type RemoteFactory func(accessToken string) Remote

func NotionRemoteFactory(opts notion.ClientOptions) RemoteFactory {
	return func(accessToken string) Remote {
		clientOpts := opts
		clientOpts.TokenProvider = notion.StaticToken(accessToken)
		return notion.NewClient(clientOpts)
	}
}

const (
	PropertyTitle    = "Title"
	PropertySubtitle = "Subtitle"
	PropertyAuthor   = "Author"
	PropertyImage    = "Image"
	PropertyOrigin   = "Origin"
)

// DocumentSchema is the property schema of the container database.
func DocumentSchema() map[string]notion.PropertySchema {
	return map[string]notion.PropertySchema{
		PropertyTitle:    notion.TitleSchema(),
		PropertySubtitle: notion.RichTextSchema(),
		PropertyAuthor:   notion.RichTextSchema(),
		PropertyImage:    notion.URLSchema(),
		PropertyOrigin:   notion.SelectSchema(),
	}
}

// DocumentProperties renders a source into document properties. Title and
// Subtitle are written verbatim so that a later scan derives the same key.
func DocumentProperties(source Source) map[string]notion.PropertyValue {
	props := map[string]notion.PropertyValue{
		PropertyTitle: {Title: notion.NewRichText(source.Title)},
	}
	if source.Subtitle != "" {
		props[PropertySubtitle] = notion.PropertyValue{RichText: notion.NewRichText(source.Subtitle)}
	}
	if source.Author != "" {
		props[PropertyAuthor] = notion.PropertyValue{RichText: notion.NewRichText(source.Author)}
	}
	if imageURL := strings.TrimSpace(source.ImageURL); imageURL != "" {
		props[PropertyImage] = notion.PropertyValue{URL: &imageURL}
	}
	if origin := selectName(source.Origin); origin != "" {
		props[PropertyOrigin] = notion.PropertyValue{Select: &notion.SelectOption{Name: origin}}
	}
	return props
}

// selectName strips commas, which Notion rejects in select option names.
func selectName(raw string) string {
	return strings.TrimSpace(strings.ReplaceAll(raw, ",", " "))
}

// ContainerSpec describes the page and database created for a new container.
type ContainerSpec struct {
	PageTitle     string
	DatabaseTitle string
	Emoji         string
	CoverURL      string
}

func (s ContainerSpec) withDefaults() ContainerSpec {
	if strings.TrimSpace(s.PageTitle) == "" {
		s.PageTitle = "Quotes"
	}
	if strings.TrimSpace(s.DatabaseTitle) == "" {
		s.DatabaseTitle = "Library"
	}
	if strings.TrimSpace(s.Emoji) == "" {
		s.Emoji = "📚"
	}
	return s
}
