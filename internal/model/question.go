package model

import (
	"time"

	"gorm.io/datatypes"
)

// Question holds only question-side content. Answers live in their own table
// and are never embedded here.
type Question struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	DatasetID   uint           `gorm:"not null;index;uniqueIndex:idx_question_external,priority:1" json:"dataset_id"`
	ExternalID  string         `gorm:"size:128;not null;uniqueIndex:idx_question_external,priority:2" json:"external_id"`
	Text        string         `gorm:"type:text;not null" json:"text"`
	Category    *string        `gorm:"size:64;index" json:"category"`
	Difficulty  *string        `gorm:"size:16;index" json:"difficulty"`
	NeedsReview bool           `gorm:"not null;default:false;index" json:"needs_review"`
	Metadata    datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt   time.Time      `gorm:"index" json:"created_at"`
}

func (Question) TableName() string { return "questions" }
