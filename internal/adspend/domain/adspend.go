// Package domain models ad spends and their allocation log.
package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// AllSubIDs is the wire sentinel for a spend that is not tied to a
// campaign; it is stored as NULL.
const AllSubIDs = "__all__"

var (
	ErrNotFound         = errors.New("ad spend not found")
	ErrAlreadyAllocated = errors.New("ad spend already allocated to this dataset")
	ErrInvalidAmount    = errors.New("ad spend amount must not be negative")
)

// AdSpend is a daily advertising expense, optionally scoped to a campaign
// sub_id.
type AdSpend struct {
	ID        snowflake.ID    `gorm:"column:id;primaryKey" json:"id,string"`
	UserID    snowflake.ID    `gorm:"column:user_id" json:"user_id,string"`
	Date      time.Time       `gorm:"column:date" json:"date"`
	SubID     *string         `gorm:"column:sub_id" json:"sub_id,omitempty"`
	Amount    decimal.Decimal `gorm:"column:amount;type:numeric(12,4)" json:"amount"`
	Clicks    int             `gorm:"column:clicks" json:"clicks"`
	CreatedAt time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (AdSpend) TableName() string { return "ad_spends" }

// Allocation records one spend distributed over one dataset. The unique
// (ad_spend_id, dataset_id) pair makes allocation idempotent.
type Allocation struct {
	ID          snowflake.ID    `gorm:"column:id;primaryKey" json:"id,string"`
	UserID      snowflake.ID    `gorm:"column:user_id" json:"user_id,string"`
	AdSpendID   snowflake.ID    `gorm:"column:ad_spend_id;uniqueIndex:ux_alloc_spend_dataset" json:"ad_spend_id,string"`
	DatasetID   snowflake.ID    `gorm:"column:dataset_id;uniqueIndex:ux_alloc_spend_dataset" json:"dataset_id,string"`
	Amount      decimal.Decimal `gorm:"column:amount;type:numeric(12,4)" json:"amount"`
	MatchedRows int64           `gorm:"column:matched_rows" json:"matched_rows"`
	Unallocated bool            `gorm:"column:unallocated" json:"unallocated"`
	CreatedAt   time.Time       `gorm:"column:created_at" json:"created_at"`
}

func (Allocation) TableName() string { return "ad_spend_allocations" }

// NormalizeSubID maps the empty string and the __all__ sentinel to NULL.
func NormalizeSubID(raw string) *string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == AllSubIDs {
		return nil
	}
	return &raw
}
