package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/quotesync/internal/quotesync"
)

// ConnectionRepository stores Notion connection descriptors. It implements
// quotesync.ConnectionStore.
type ConnectionRepository struct {
	db  DBTX
	now func() time.Time
}

func NewConnectionRepository(db DBTX) *ConnectionRepository {
	return &ConnectionRepository{db: db, now: time.Now}
}

func (r *ConnectionRepository) GetConnection(ctx context.Context, userID string) (quotesync.Connection, error) {
	var conn quotesync.Connection
	err := r.db.QueryRowContext(ctx, `SELECT user_id, access_token, parent_page_id, container_id,
			container_page_id, create_new_container, updated_at
		FROM notion_connections WHERE user_id = $1`, userID).
		Scan(&conn.UserID, &conn.AccessToken, &conn.ParentPageID, &conn.ContainerID,
			&conn.ContainerPageID, &conn.CreateNewContainer, &conn.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return quotesync.Connection{}, quotesync.ErrNotFound
	}
	if err != nil {
		return quotesync.Connection{}, fmt.Errorf("db error: %w", err)
	}
	return conn, nil
}

func (r *ConnectionRepository) SaveConnection(ctx context.Context, conn quotesync.Connection) error {
	if conn.UserID == "" {
		return fmt.Errorf("%w: connection user id is required", quotesync.ErrInvalidInput)
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO notion_connections
			(user_id, access_token, parent_page_id, container_id, container_page_id, create_new_container, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			parent_page_id = EXCLUDED.parent_page_id,
			container_id = EXCLUDED.container_id,
			container_page_id = EXCLUDED.container_page_id,
			create_new_container = EXCLUDED.create_new_container,
			updated_at = EXCLUDED.updated_at`,
		conn.UserID, conn.AccessToken, conn.ParentPageID, conn.ContainerID,
		conn.ContainerPageID, conn.CreateNewContainer, r.now().UTC())
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *ConnectionRepository) DeleteConnection(ctx context.Context, userID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM notion_connections WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return quotesync.ErrNotFound
	}
	return nil
}

// EntitlementRepository answers quotesync.Entitlements from the entitlements
// table. A user without a row is not entitled.
type EntitlementRepository struct {
	db DBTX
}

func NewEntitlementRepository(db DBTX) *EntitlementRepository {
	return &EntitlementRepository{db: db}
}

func (r *EntitlementRepository) SyncEnabled(ctx context.Context, userID string) (bool, error) {
	var enabled bool
	err := r.db.QueryRowContext(ctx, `SELECT notion_sync FROM entitlements WHERE user_id = $1`, userID).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return enabled, nil
}

// Grant sets the notion sync entitlement for userID.
func (r *EntitlementRepository) Grant(ctx context.Context, userID string, enabled bool) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO entitlements (user_id, notion_sync) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET notion_sync = EXCLUDED.notion_sync`, userID, enabled)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

var (
	_ quotesync.Library         = (*SourceRepository)(nil)
	_ quotesync.ConnectionStore = (*ConnectionRepository)(nil)
	_ quotesync.Entitlements    = (*EntitlementRepository)(nil)
)
