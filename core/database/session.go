package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Every tenant-table access runs inside a tenant-bound transaction: the
// session records the active workspace so row-level security policies can
// restrict visible rows, and a statement timeout caps runaway queries.
// Commits are per logical operation, not per statement.

var ErrUnboundWorkspace = fmt.Errorf("database: tenant operation without workspace id")

// TenantSession runs fn inside a transaction bound to workspaceID.
func TenantSession(ctx context.Context, db *gorm.DB, workspaceID string, timeout time.Duration, fn func(tx *gorm.DB) error) error {
	if workspaceID == "" {
		return ErrUnboundWorkspace
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SET LOCAL app.workspace_id = ?", workspaceID).Error; err != nil {
			return fmt.Errorf("bind workspace: %w", err)
		}
		if timeout > 0 {
			// SET LOCAL does not accept bind parameters for the timeout value.
			if err := tx.Exec(fmt.Sprintf("SET LOCAL statement_timeout = %d", timeout.Milliseconds())).Error; err != nil {
				return fmt.Errorf("set statement timeout: %w", err)
			}
		}
		return fn(tx)
	})
}

// Scoped restates the workspace predicate on a query. RLS is the enforcement
// backstop; repositories still write the predicate explicitly on every read.
func Scoped(tx *gorm.DB, workspaceID string) *gorm.DB {
	return tx.Where("workspace_id = ?", workspaceID)
}
