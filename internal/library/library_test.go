package library

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/quotesync/internal/library/migrations"
	"github.com/agentworkforce/quotesync/internal/quotesync"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

var (
	sourceCols = []string{"id", "user_id", "title", "subtitle", "author", "origin", "image_url", "ignored"}
	quoteCols  = []string{"id", "source_id", "content", "location", "color", "note"}
)

func TestLoadSnapshotAssemblesSourcesInStoredOrder(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSourceRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM sources WHERE user_id = \$1`).
		WithArgs("user_1").
		WillReturnRows(sqlmock.NewRows(sourceCols).
			AddRow("src_2", "user_1", "Atomic Habits", "", "James Clear", "kindle", "", false).
			AddRow("src_1", "user_1", "Hidden", "", "", "", "", true))
	mock.ExpectQuery(`FROM quotes WHERE user_id = \$1`).
		WithArgs("user_1").
		WillReturnRows(sqlmock.NewRows(quoteCols).
			AddRow("q1", "src_2", "Small habits.", "p. 12", "yellow", "").
			AddRow("q2", "src_2", "Systems win.", "", "", "ciphertext").
			AddRow("q9", "orphan", "Dropped", "", "", ""))
	mock.ExpectCommit()

	snapshot, err := repo.LoadSnapshot(context.Background(), "user_1")
	require.NoError(t, err)
	require.Equal(t, "user_1", snapshot.UserID)
	require.Len(t, snapshot.Sources, 2)
	require.Equal(t, "src_2", snapshot.Sources[0].ID)
	require.Len(t, snapshot.Sources[0].Quotes, 2)
	require.Equal(t, "ciphertext", snapshot.Sources[0].Quotes[1].Note)
	require.Empty(t, snapshot.Sources[1].Quotes)
	require.Len(t, snapshot.Active(), 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadSnapshotRollsBackOnQueryError(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSourceRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM sources`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := repo.LoadSnapshot(context.Background(), "user_1")
	require.ErrorContains(t, err, "db error")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadSourceNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSourceRepository(db)

	mock.ExpectQuery(`FROM sources WHERE user_id = \$1 AND id = \$2`).
		WithArgs("user_1", "gone").
		WillReturnRows(sqlmock.NewRows(sourceCols))

	_, err := repo.LoadSource(context.Background(), "user_1", "gone")
	require.ErrorIs(t, err, quotesync.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadSourceWithQuotes(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSourceRepository(db)

	mock.ExpectQuery(`FROM sources WHERE user_id = \$1 AND id = \$2`).
		WithArgs("user_1", "src_1").
		WillReturnRows(sqlmock.NewRows(sourceCols).AddRow("src_1", "user_1", "Deep Work", "Rules", "", "", "", false))
	mock.ExpectQuery(`FROM quotes WHERE user_id = \$1 AND source_id = \$2`).
		WithArgs("user_1", "src_1").
		WillReturnRows(sqlmock.NewRows(quoteCols).AddRow("q1", "src_1", "Focus.", "", "blue", ""))

	source, err := repo.LoadSource(context.Background(), "user_1", "src_1")
	require.NoError(t, err)
	require.Equal(t, "Rules", source.Subtitle)
	require.Equal(t, []quotesync.Quote{{ID: "q1", SourceID: "src_1", Content: "Focus.", Color: "blue"}}, source.Quotes)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestImportReplacesQuotesPerSource(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSourceRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)INSERT INTO sources .* ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("src_1", "user_1", "Deep Work", "", "", "", "", false, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM quotes WHERE user_id = \$1 AND source_id = \$2`).
		WithArgs("user_1", "src_1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`INSERT INTO quotes`).
		WithArgs("q1", "src_1", "Focus.", "", "", "", "user_1", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Import(context.Background(), quotesync.Snapshot{
		UserID:  "user_1",
		Sources: []quotesync.Source{{ID: "src_1", Title: "Deep Work", Quotes: []quotesync.Quote{{ID: "q1", Content: "Focus."}}}},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestImportRequiresUser(t *testing.T) {
	db, _ := newMock(t)
	err := NewSourceRepository(db).Import(context.Background(), quotesync.Snapshot{})
	require.ErrorIs(t, err, quotesync.ErrInvalidInput)
}

func TestConnectionRepositoryRoundTrip(t *testing.T) {
	db, mock := newMock(t)
	repo := NewConnectionRepository(db)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	mock.ExpectExec(`(?s)INSERT INTO notion_connections .* ON CONFLICT \(user_id\) DO UPDATE`).
		WithArgs("user_1", "secret_abc", "parent", "db_1", "page_1", false, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.SaveConnection(context.Background(), quotesync.Connection{
		UserID: "user_1", AccessToken: "secret_abc", ParentPageID: "parent", ContainerID: "db_1", ContainerPageID: "page_1",
	}))

	mock.ExpectQuery(`FROM notion_connections WHERE user_id = \$1`).
		WithArgs("user_1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "access_token", "parent_page_id", "container_id", "container_page_id", "create_new_container", "updated_at"}).
			AddRow("user_1", "secret_abc", "parent", "db_1", "page_1", false, now))
	conn, err := repo.GetConnection(context.Background(), "user_1")
	require.NoError(t, err)
	require.Equal(t, "db_1", conn.ContainerID)
	require.True(t, conn.UpdatedAt.Equal(now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectionRepositoryMissing(t *testing.T) {
	db, mock := newMock(t)
	repo := NewConnectionRepository(db)

	mock.ExpectQuery(`FROM notion_connections`).WithArgs("nobody").WillReturnError(sql.ErrNoRows)
	_, err := repo.GetConnection(context.Background(), "nobody")
	require.ErrorIs(t, err, quotesync.ErrNotFound)

	mock.ExpectExec(`DELETE FROM notion_connections`).WithArgs("nobody").WillReturnResult(sqlmock.NewResult(0, 0))
	require.ErrorIs(t, repo.DeleteConnection(context.Background(), "nobody"), quotesync.ErrNotFound)

	require.ErrorIs(t, repo.SaveConnection(context.Background(), quotesync.Connection{}), quotesync.ErrInvalidInput)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEntitlementRepository(t *testing.T) {
	db, mock := newMock(t)
	repo := NewEntitlementRepository(db)

	mock.ExpectQuery(`SELECT notion_sync FROM entitlements`).WithArgs("free").WillReturnError(sql.ErrNoRows)
	ok, err := repo.SyncEnabled(context.Background(), "free")
	require.NoError(t, err)
	require.False(t, ok)

	mock.ExpectExec(`INSERT INTO entitlements`).WithArgs("paid", true).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Grant(context.Background(), "paid", true))

	mock.ExpectQuery(`SELECT notion_sync FROM entitlements`).WithArgs("paid").
		WillReturnRows(sqlmock.NewRows([]string{"notion_sync"}).AddRow(true))
	ok, err = repo.SyncEnabled(context.Background(), "paid")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	require.Panics(t, func() {
		_ = WithTx(context.Background(), db, nil, func(ctx context.Context, tx DBTX) error {
			panic("boom")
		})
	})
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateRunsEmbeddedMigrations(t *testing.T) {
	db, _ := newMock(t)
	prev := gooseUpContext
	t.Cleanup(func() { gooseUpContext = prev })

	var gotDir string
	gooseUpContext = func(ctx context.Context, got *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		require.Same(t, db, got)
		gotDir = dir
		return nil
	}
	require.NoError(t, Migrate(context.Background(), db))
	require.Equal(t, ".", gotDir)

	gooseUpContext = func(context.Context, *sql.DB, string, ...goose.OptionsFunc) error {
		return errors.New("dirty migration")
	}
	require.ErrorContains(t, Migrate(context.Background(), db), "dirty migration")
}

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	for _, name := range []string{"00001_library.sql", "00002_notion_connections.sql"} {
		body, err := migrations.Migrations.ReadFile(name)
		require.NoError(t, err)
		require.Regexp(t, regexp.MustCompile(`(?m)^-- \+goose Up$`), string(body))
		require.Regexp(t, regexp.MustCompile(`(?m)^-- \+goose Down$`), string(body))
	}
}
