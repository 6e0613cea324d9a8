package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrNotFound     = errors.New("user not found")
	ErrTokenInvalid = errors.New("token invalid or revoked")
)

// User is a tenant. Users are soft-deactivated, never hard-deleted, so the
// analytical tables keep their owner references.
type User struct {
	ID           snowflake.ID `gorm:"column:id;primaryKey" json:"id,string"`
	Email        string       `gorm:"column:email;uniqueIndex" json:"email"`
	PasswordHash []byte       `gorm:"column:password_hash" json:"-"`
	IsActive     bool         `gorm:"column:is_active" json:"is_active"`
	CreatedAt    time.Time    `gorm:"column:created_at" json:"created_at"`
}

func (User) TableName() string { return "users" }

// APIToken is a long-lived bearer credential. Only the SHA-256 digest of the
// raw token is stored.
type APIToken struct {
	ID        snowflake.ID `gorm:"column:id;primaryKey" json:"id,string"`
	UserID    snowflake.ID `gorm:"column:user_id" json:"user_id,string"`
	TokenHash string       `gorm:"column:token_hash;uniqueIndex" json:"-"`
	Name      string       `gorm:"column:name" json:"name"`
	IsActive  bool         `gorm:"column:is_active" json:"is_active"`
	ExpiresAt *time.Time   `gorm:"column:expires_at" json:"expires_at,omitempty"`
	CreatedAt time.Time    `gorm:"column:created_at" json:"created_at"`
}

func (APIToken) TableName() string { return "api_tokens" }

// HashToken derives the stored digest for a raw bearer token. The pepper is
// a process secret so a leaked table alone cannot be replayed.
func HashToken(raw, pepper string) string {
	sum := sha256.Sum256([]byte(raw + pepper))
	return hex.EncodeToString(sum[:])
}
