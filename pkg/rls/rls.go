// Package rls scopes database sessions to a single tenant. Every tenant
// table carries a row-level policy comparing user_id against the
// app.current_user_id session variable; a session that never sets the
// variable sees zero rows and cannot write.
package rls

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketdash/pkg/tenantctx"
	"gorm.io/gorm"
)

// ErrNoTenant is returned when a tenant-scoped operation runs without an
// acting user id. This is a programming error, not user input.
var ErrNoTenant = errors.New("rls: no acting user in context")

// WithUser sets the tenant session variable for the current transaction.
// SET LOCAL semantics: the variable resets on commit or rollback, so it can
// never leak into another pooled session.
func WithUser(tx *gorm.DB, userID snowflake.ID) error {
	if userID == 0 {
		return ErrNoTenant
	}
	// SQLite (tests) has no session variables; the policies themselves are
	// exercised against postgres.
	if !strings.EqualFold(tx.Dialector.Name(), "postgres") {
		return nil
	}
	return tx.Exec(
		"SELECT set_config('app.current_user_id', ?, true)",
		fmt.Sprintf("%d", int64(userID)),
	).Error
}

// RunAs executes fn inside a transaction scoped to userID. All reads and
// writes against tenant tables must go through here or RunFromContext.
func RunAs(ctx context.Context, db *gorm.DB, userID snowflake.ID, fn func(tx *gorm.DB) error) error {
	if userID == 0 {
		return ErrNoTenant
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := WithUser(tx, userID); err != nil {
			return err
		}
		return fn(tx)
	})
}

// RunFromContext is RunAs with the user id taken from tenantctx.
func RunFromContext(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	userID, ok := tenantctx.UserID(ctx)
	if !ok {
		return ErrNoTenant
	}
	return RunAs(ctx, db, userID, fn)
}
