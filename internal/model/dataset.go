package model

import (
	"time"

	"gorm.io/datatypes"
)

type DatasetStatus string

const (
	DatasetUploading  DatasetStatus = "uploading"
	DatasetValidating DatasetStatus = "validating"
	DatasetIndexed    DatasetStatus = "indexed"
	DatasetFailed     DatasetStatus = "failed"
)

// InProgress reports whether an ingestion run currently owns the dataset.
func (s DatasetStatus) InProgress() bool {
	return s == DatasetUploading || s == DatasetValidating
}

type SourceFormat string

const (
	FormatCSV  SourceFormat = "csv"
	FormatJSON SourceFormat = "json"
)

type Dataset struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	Name            string         `gorm:"size:256;not null" json:"name"`
	Fingerprint     string         `gorm:"size:64;not null;uniqueIndex" json:"fingerprint"`
	SourceFormat    SourceFormat   `gorm:"size:8;not null" json:"source_format"`
	Status          DatasetStatus  `gorm:"size:16;not null;index" json:"status"`
	UploadTimestamp time.Time      `gorm:"not null" json:"upload_timestamp"`
	Metadata        datatypes.JSON `json:"metadata,omitempty"`

	QuestionCount int `gorm:"not null;default:0" json:"question_count"`
	AnswerCount   int `gorm:"not null;default:0" json:"answer_count"`
	SkippedCount  int `gorm:"not null;default:0" json:"skipped_count"`
	BatchCount    int `gorm:"not null;default:0" json:"batch_count"`

	FailureKind      string     `gorm:"size:32" json:"failure_kind,omitempty"`
	FailureMessage   string     `gorm:"type:text" json:"failure_message,omitempty"`
	FailedBatchStart int        `json:"failed_batch_start,omitempty"`
	FailedBatchEnd   int        `json:"failed_batch_end,omitempty"`
	Retryable        bool       `json:"retryable"`
	IndexedAt        *time.Time `json:"indexed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
