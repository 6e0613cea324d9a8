// Package domain models ingestion jobs and their chunks.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Job statuses. completed and failed are terminal; a terminal job never
// transitions again.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Chunk statuses.
const (
	ChunkQueued = "queued"
	ChunkOK     = "ok"
	ChunkFailed = "failed"
)

var (
	ErrNotFound         = errors.New("job not found")
	ErrAlreadyCommitted = errors.New("job already committed")
	ErrTerminal         = errors.New("job already in a terminal state")
	ErrUploadMissing    = errors.New("upload not found in storage")
	ErrInvalidFilename  = errors.New("filename must be a .csv file")
)

// Meta keys tracked on the job.
const (
	MetaErrors           = "errors"
	MetaRowsInserted     = "rows_inserted"
	MetaRowsDeduplicated = "rows_deduplicated"
	MetaRowsRejected     = "rows_rejected"
)

// RowError records a row that failed normalization. Row indices are
// 1-based over data rows, excluding the header.
type RowError struct {
	Row    int    `json:"row"`
	Chunk  int    `json:"chunk,omitempty"`
	Reason string `json:"reason"`
}

// Job tracks one CSV ingestion from presign to terminal state.
type Job struct {
	JobID        uuid.UUID         `gorm:"column:job_id;primaryKey;type:uuid" json:"job_id"`
	DatasetID    snowflake.ID      `gorm:"column:dataset_id" json:"dataset_id,string"`
	UserID       snowflake.ID      `gorm:"column:user_id" json:"user_id,string"`
	Type         string            `gorm:"column:type" json:"type"`
	StorageKey   string            `gorm:"column:storage_key" json:"storage_key"`
	Status       string            `gorm:"column:status" json:"status"`
	TotalChunks  int               `gorm:"column:total_chunks" json:"total_chunks"`
	ChunksDone   int               `gorm:"column:chunks_done" json:"chunks_done"`
	Meta         datatypes.JSONMap `gorm:"column:meta" json:"meta"`
	ErrorMessage *string           `gorm:"column:error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time         `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"column:updated_at" json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }

// Terminal reports whether the job reached a final state.
func (j Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// JobChunk is one independently retryable slice of a persisted-chunks job.
type JobChunk struct {
	JobID      uuid.UUID    `gorm:"column:job_id;primaryKey;type:uuid" json:"job_id"`
	ChunkIndex int          `gorm:"column:chunk_index;primaryKey" json:"chunk_index"`
	UserID     snowflake.ID `gorm:"column:user_id" json:"user_id,string"`
	StorageKey string       `gorm:"column:storage_key" json:"storage_key"`
	Status     string       `gorm:"column:status" json:"status"`
	Error      *string      `gorm:"column:error" json:"error,omitempty"`
	Attempts   int          `gorm:"column:attempts" json:"attempts"`
	UpdatedAt  time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

func (JobChunk) TableName() string { return "job_chunks" }
