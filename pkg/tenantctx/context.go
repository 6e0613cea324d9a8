// Package tenantctx carries the acting user's identity through request and
// task contexts. Handlers set it after bearer auth; workers set it from the
// job's owner before touching tenant tables.
package tenantctx

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type userKey struct{}

// WithUserID stores the acting user id in the context.
func WithUserID(ctx context.Context, userID snowflake.ID) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserID returns the acting user id from context, if set.
func UserID(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}
	id, ok := ctx.Value(userKey{}).(snowflake.ID)
	if !ok || id == 0 {
		return 0, false
	}
	return id, true
}
