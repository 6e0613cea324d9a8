package user

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/marketdash/internal/clock"
	"github.com/smallbiznis/marketdash/internal/config"
	"github.com/smallbiznis/marketdash/internal/user/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB, *clock.FakeClock, *snowflake.Node) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.User{}, &domain.APIToken{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:     db,
		Config: config.Config{AuthTokenPepper: "pepper"},
		Clock:  fc,
		Log:    zap.NewNop(),
		GenID:  node,
	})
	return svc, db, fc, node
}

func seedUser(t *testing.T, db *gorm.DB, node *snowflake.Node, active bool) domain.User {
	t.Helper()
	u := domain.User{
		ID:        node.Generate(),
		Email:     "owner@example.com",
		IsActive:  active,
		CreatedAt: time.Now(),
	}
	require.NoError(t, db.Create(&u).Error)
	return u
}

func TestIssueAndAuthenticate(t *testing.T) {
	svc, _, _, node := newTestService(t)
	u := seedUser(t, svc.db, node, true)

	raw, token, err := svc.IssueToken(context.Background(), u.ID, "ci")
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
	assert.NotEqual(t, raw, token.TokenHash, "raw token must never be stored")

	got, err := svc.Authenticate(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
}

func TestAuthenticateRejectsUnknownToken(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.Authenticate(context.Background(), "no-such-token")
	assert.ErrorIs(t, err, domain.ErrTokenInvalid)

	_, err = svc.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrTokenInvalid)
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	svc, db, fc, node := newTestService(t)
	u := seedUser(t, db, node, true)

	raw, token, err := svc.IssueToken(context.Background(), u.ID, "short-lived")
	require.NoError(t, err)

	expiry := fc.Now().Add(time.Hour)
	require.NoError(t, db.Model(&token).Update("expires_at", expiry).Error)

	_, err = svc.Authenticate(context.Background(), raw)
	require.NoError(t, err)

	fc.Advance(2 * time.Hour)
	_, err = svc.Authenticate(context.Background(), raw)
	assert.ErrorIs(t, err, domain.ErrTokenInvalid)
}

func TestAuthenticateRejectsRevokedToken(t *testing.T) {
	svc, db, _, node := newTestService(t)
	u := seedUser(t, db, node, true)

	raw, token, err := svc.IssueToken(context.Background(), u.ID, "revoked")
	require.NoError(t, err)
	require.NoError(t, db.Model(&token).Update("is_active", false).Error)

	_, err = svc.Authenticate(context.Background(), raw)
	assert.ErrorIs(t, err, domain.ErrTokenInvalid)
}

func TestAuthenticateRejectsDisabledOwner(t *testing.T) {
	svc, db, _, node := newTestService(t)
	u := seedUser(t, db, node, true)

	raw, _, err := svc.IssueToken(context.Background(), u.ID, "owner-disabled")
	require.NoError(t, err)
	require.NoError(t, db.Model(&domain.User{}).
		Where("id = ?", u.ID).
		Update("is_active", false).Error)

	_, err = svc.Authenticate(context.Background(), raw)
	assert.ErrorIs(t, err, domain.ErrTokenInvalid)
}

func TestHashTokenUsesPepper(t *testing.T) {
	assert.NotEqual(t,
		domain.HashToken("token", "pepper-a"),
		domain.HashToken("token", "pepper-b"),
	)
	assert.Equal(t,
		domain.HashToken("token", "pepper-a"),
		domain.HashToken("token", "pepper-a"),
	)
}
