package seed

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketdash/internal/config"
	userdomain "github.com/smallbiznis/marketdash/internal/user/domain"
	"github.com/smallbiznis/marketdash/internal/user/password"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	demoEmail    = "demo@marketdash.dev"
	demoPassword = "demo"
	demoToken    = "demo"
)

// EnsureDemoUser seeds a demo tenant with one active API token so a fresh
// install is usable immediately. Idempotent; intended for development only.
func EnsureDemoUser(db *gorm.DB, cfg config.Config) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		demo, err := ensureDemoUserTx(ctx, tx, node)
		if err != nil {
			return err
		}
		return ensureDemoTokenTx(ctx, tx, node, demo.ID, cfg.AuthTokenPepper)
	})
}

func ensureDemoUserTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node) (userdomain.User, error) {
	var demo userdomain.User
	err := tx.WithContext(ctx).Where("email = ?", demoEmail).First(&demo).Error
	if err == nil {
		return demo, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return userdomain.User{}, err
	}

	hashed, err := password.Hash(demoPassword)
	if err != nil {
		return userdomain.User{}, err
	}
	demo = userdomain.User{
		ID:           node.Generate(),
		Email:        demoEmail,
		PasswordHash: []byte(hashed),
		IsActive:     true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(&demo).Error; err != nil {
		return userdomain.User{}, err
	}
	zap.L().Info("seeded demo user", zap.String("email", demoEmail))
	return demo, nil
}

func ensureDemoTokenTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, userID snowflake.ID, pepper string) error {
	var count int64
	if err := tx.WithContext(ctx).
		Model(&userdomain.APIToken{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	raw := demoToken
	if pepper == "" {
		// Without a pepper the stored digest would be a plain sha256 of a
		// well-known string, so mint a random token instead.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return err
		}
		raw = base64.RawURLEncoding.EncodeToString(buf)
	}

	token := userdomain.APIToken{
		ID:        node.Generate(),
		UserID:    userID,
		TokenHash: userdomain.HashToken(raw, pepper),
		Name:      "seed",
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(&token).Error; err != nil {
		return err
	}
	zap.L().Info("seeded demo api token", zap.String("token", raw))
	return nil
}
