package user

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketdash/internal/clock"
	"github.com/smallbiznis/marketdash/internal/config"
	"github.com/smallbiznis/marketdash/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const tokenBytes = 32

type Params struct {
	fx.In

	DB     *gorm.DB
	Config config.Config
	Clock  clock.Clock
	Log    *zap.Logger
	GenID  *snowflake.Node
}

// Service resolves bearer tokens to tenants and issues new credentials.
type Service struct {
	db     *gorm.DB
	pepper string
	clock  clock.Clock
	log    *zap.Logger
	node   *snowflake.Node
}

func NewService(p Params) *Service {
	return &Service{
		db:     p.DB,
		pepper: p.Config.AuthTokenPepper,
		clock:  p.Clock,
		log:    p.Log.Named("user.service"),
		node:   p.GenID,
	}
}

// Authenticate resolves a raw bearer token to its active owner. Revoked,
// expired, and unknown tokens are indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, rawToken string) (domain.User, error) {
	if rawToken == "" {
		return domain.User{}, domain.ErrTokenInvalid
	}

	hash := domain.HashToken(rawToken, s.pepper)

	var token domain.APIToken
	err := s.db.WithContext(ctx).
		Where("token_hash = ? AND is_active = ?", hash, true).
		First(&token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, domain.ErrTokenInvalid
		}
		return domain.User{}, err
	}

	if token.ExpiresAt != nil && !token.ExpiresAt.After(s.clock.Now()) {
		return domain.User{}, domain.ErrTokenInvalid
	}

	var owner domain.User
	err = s.db.WithContext(ctx).
		Where("id = ? AND is_active = ?", token.UserID, true).
		First(&owner).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, domain.ErrTokenInvalid
		}
		return domain.User{}, err
	}

	return owner, nil
}

// IssueToken mints a raw bearer token for a user and stores its digest. The
// raw value is returned once and never persisted.
func (s *Service) IssueToken(ctx context.Context, userID snowflake.ID, name string) (string, domain.APIToken, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIToken{}, err
	}
	raw := base64.RawURLEncoding.EncodeToString(buf)

	token := domain.APIToken{
		ID:        s.node.Generate(),
		UserID:    userID,
		TokenHash: domain.HashToken(raw, s.pepper),
		Name:      name,
		IsActive:  true,
		CreatedAt: s.clock.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&token).Error; err != nil {
		return "", domain.APIToken{}, err
	}

	s.log.Info("api token issued",
		zap.Int64("user_id", int64(userID)),
		zap.String("name", name),
	)
	return raw, token, nil
}

var Module = fx.Module("user",
	fx.Provide(NewService),
)
