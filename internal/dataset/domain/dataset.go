// Package domain holds the analytical row model shared by ingestion,
// dashboards, and the ad-spend allocator.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Dataset types.
const (
	TypeTransaction = "transaction"
	TypeClick       = "click"
)

// Dataset statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

var (
	ErrNotFound    = errors.New("dataset not found")
	ErrInvalidType = errors.New("dataset type must be transaction or click")
)

// ValidType reports whether t names a known dataset type.
func ValidType(t string) bool {
	return t == TypeTransaction || t == TypeClick
}

// Dataset is one uploaded file and the lifecycle of its ingestion.
type Dataset struct {
	ID           snowflake.ID `gorm:"column:id;primaryKey" json:"id,string"`
	UserID       snowflake.ID `gorm:"column:user_id" json:"user_id,string"`
	Filename     string       `gorm:"column:filename" json:"filename"`
	Type         string       `gorm:"column:type" json:"type"`
	Status       string       `gorm:"column:status" json:"status"`
	RowCount     int64        `gorm:"column:row_count" json:"row_count"`
	ErrorMessage *string      `gorm:"column:error_message" json:"error_message,omitempty"`
	UploadedAt   time.Time    `gorm:"column:uploaded_at" json:"uploaded_at"`
}

func (Dataset) TableName() string { return "datasets" }

// TransactionRow is a normalized, deduplicated sales row. Date is stored at
// day precision; the optional clock component lives in Time as HH:MM:SS.
type TransactionRow struct {
	ID          snowflake.ID      `gorm:"column:id;primaryKey" json:"id,string"`
	DatasetID   snowflake.ID      `gorm:"column:dataset_id" json:"dataset_id,string"`
	UserID      snowflake.ID      `gorm:"column:user_id" json:"user_id,string"`
	Date        time.Time         `gorm:"column:date" json:"date"`
	Time        *string           `gorm:"column:time" json:"time,omitempty"`
	Platform    *string           `gorm:"column:platform" json:"platform,omitempty"`
	Category    *string           `gorm:"column:category" json:"category,omitempty"`
	Product     string            `gorm:"column:product" json:"product"`
	Status      *string           `gorm:"column:status" json:"status,omitempty"`
	SubID       *string           `gorm:"column:sub_id" json:"sub_id,omitempty"`
	OrderID     *string           `gorm:"column:order_id" json:"order_id,omitempty"`
	ProductID   *string           `gorm:"column:product_id" json:"product_id,omitempty"`
	Revenue     decimal.Decimal   `gorm:"column:revenue;type:numeric(12,4)" json:"revenue"`
	Commission  decimal.Decimal   `gorm:"column:commission;type:numeric(12,4)" json:"commission"`
	Cost        decimal.Decimal   `gorm:"column:cost;type:numeric(12,4)" json:"cost"`
	Profit      decimal.Decimal   `gorm:"column:profit;type:numeric(12,4)" json:"profit"`
	Quantity    int               `gorm:"column:quantity" json:"quantity"`
	Fingerprint string            `gorm:"column:fingerprint;uniqueIndex" json:"-"`
	RawData     datatypes.JSONMap `gorm:"column:raw_data" json:"-"`
	CreatedAt   time.Time         `gorm:"column:created_at" json:"created_at"`
}

func (TransactionRow) TableName() string { return "transaction_rows" }

// ClickRow is a normalized, deduplicated click aggregate.
type ClickRow struct {
	ID          snowflake.ID      `gorm:"column:id;primaryKey" json:"id,string"`
	DatasetID   snowflake.ID      `gorm:"column:dataset_id" json:"dataset_id,string"`
	UserID      snowflake.ID      `gorm:"column:user_id" json:"user_id,string"`
	Date        time.Time         `gorm:"column:date" json:"date"`
	Time        *string           `gorm:"column:time" json:"time,omitempty"`
	Channel     string            `gorm:"column:channel" json:"channel"`
	SubID       *string           `gorm:"column:sub_id" json:"sub_id,omitempty"`
	Clicks      int               `gorm:"column:clicks" json:"clicks"`
	Fingerprint string            `gorm:"column:fingerprint;uniqueIndex" json:"-"`
	RawData     datatypes.JSONMap `gorm:"column:raw_data" json:"-"`
	CreatedAt   time.Time         `gorm:"column:created_at" json:"created_at"`
}

func (ClickRow) TableName() string { return "click_rows" }

// NullableString maps "" to NULL so optional dimensions stay NULL in storage.
func NullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// StringValue unwraps a nullable dimension for fingerprinting and filters.
func StringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
