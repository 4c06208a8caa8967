package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/quotesync/internal/quotesync"
)

const sourceColumns = `id, user_id, title, subtitle, author, origin, image_url, ignored`

const quoteColumns = `id, source_id, content, location, color, note`

// SourceRepository reads a user's library from Postgres. It implements
// quotesync.Library.
type SourceRepository struct {
	db *sql.DB
}

func NewSourceRepository(db *sql.DB) *SourceRepository {
	return &SourceRepository{db: db}
}

// LoadSnapshot reads every source and quote of userID in one read-only
// transaction so the run sees a consistent library.
func (r *SourceRepository) LoadSnapshot(ctx context.Context, userID string) (quotesync.Snapshot, error) {
	snapshot := quotesync.Snapshot{UserID: userID, Sources: []quotesync.Source{}}
	err := WithTx(ctx, r.db, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, func(ctx context.Context, tx DBTX) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+sourceColumns+`
			FROM sources WHERE user_id = $1
			ORDER BY position ASC, id ASC`, userID)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		byID := map[string]int{}
		for rows.Next() {
			source, err := scanSource(rows)
			if err != nil {
				rows.Close()
				return err
			}
			byID[source.ID] = len(snapshot.Sources)
			snapshot.Sources = append(snapshot.Sources, source)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("db error: %w", err)
		}
		rows.Close()

		quotes, err := queryQuotes(ctx, tx, `SELECT `+quoteColumns+`
			FROM quotes WHERE user_id = $1
			ORDER BY source_id ASC, position ASC, id ASC`, userID)
		if err != nil {
			return err
		}
		for _, quote := range quotes {
			idx, ok := byID[quote.SourceID]
			if !ok {
				continue
			}
			snapshot.Sources[idx].Quotes = append(snapshot.Sources[idx].Quotes, quote)
		}
		return nil
	})
	if err != nil {
		return quotesync.Snapshot{}, err
	}
	return snapshot, nil
}

// LoadSource reads one source with its quotes.
func (r *SourceRepository) LoadSource(ctx context.Context, userID, sourceID string) (quotesync.Source, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sourceColumns+`
		FROM sources WHERE user_id = $1 AND id = $2`, userID, sourceID)
	source, err := scanSource(row)
	if err != nil {
		return quotesync.Source{}, err
	}
	quotes, err := queryQuotes(ctx, r.db, `SELECT `+quoteColumns+`
		FROM quotes WHERE user_id = $1 AND source_id = $2
		ORDER BY position ASC, id ASC`, userID, sourceID)
	if err != nil {
		return quotesync.Source{}, err
	}
	source.Quotes = quotes
	return source, nil
}

// Import upserts a snapshot into the library. Stored order follows the
// snapshot order. Quotes of an imported source that are absent from the
// snapshot are removed.
func (r *SourceRepository) Import(ctx context.Context, snapshot quotesync.Snapshot) error {
	if strings.TrimSpace(snapshot.UserID) == "" {
		return fmt.Errorf("%w: snapshot user id is required", quotesync.ErrInvalidInput)
	}
	return WithTx(ctx, r.db, nil, func(ctx context.Context, tx DBTX) error {
		for position, source := range snapshot.Sources {
			if _, err := tx.ExecContext(ctx, `INSERT INTO sources (`+sourceColumns+`, position)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (id) DO UPDATE SET
					title = EXCLUDED.title,
					subtitle = EXCLUDED.subtitle,
					author = EXCLUDED.author,
					origin = EXCLUDED.origin,
					image_url = EXCLUDED.image_url,
					ignored = EXCLUDED.ignored,
					position = EXCLUDED.position
				WHERE sources.user_id = EXCLUDED.user_id`,
				source.ID, snapshot.UserID, source.Title, source.Subtitle, source.Author,
				source.Origin, source.ImageURL, source.Ignored, position); err != nil {
				return fmt.Errorf("db error: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM quotes WHERE user_id = $1 AND source_id = $2`,
				snapshot.UserID, source.ID); err != nil {
				return fmt.Errorf("db error: %w", err)
			}
			for qpos, quote := range source.Quotes {
				if _, err := tx.ExecContext(ctx, `INSERT INTO quotes (`+quoteColumns+`, user_id, position)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
					quote.ID, source.ID, quote.Content, quote.Location, quote.Color, quote.Note,
					snapshot.UserID, qpos); err != nil {
					return fmt.Errorf("db error: %w", err)
				}
			}
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (quotesync.Source, error) {
	var source quotesync.Source
	err := row.Scan(&source.ID, &source.UserID, &source.Title, &source.Subtitle,
		&source.Author, &source.Origin, &source.ImageURL, &source.Ignored)
	if errors.Is(err, sql.ErrNoRows) {
		return quotesync.Source{}, quotesync.ErrNotFound
	}
	if err != nil {
		return quotesync.Source{}, fmt.Errorf("db error: %w", err)
	}
	return source, nil
}

func queryQuotes(ctx context.Context, db DBTX, query string, args ...any) ([]quotesync.Quote, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()
	var quotes []quotesync.Quote
	for rows.Next() {
		var q quotesync.Quote
		if err := rows.Scan(&q.ID, &q.SourceID, &q.Content, &q.Location, &q.Color, &q.Note); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		quotes = append(quotes, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return quotes, nil
}
