package model

import "time"

const (
	ModelVersionManual = "manual"
	ModelVersionUpload = "upload"
)

// ClassificationResult is append-only. The latest row for a question is its
// current classification; earlier rows stay for drift analysis.
type ClassificationResult struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	QuestionID   uint      `gorm:"not null;index" json:"question_id"`
	Question     *Question `gorm:"foreignKey:QuestionID;constraint:OnDelete:CASCADE" json:"-"`
	Category     string    `gorm:"size:64;not null" json:"category"`
	Difficulty   string    `gorm:"size:16;not null" json:"difficulty"`
	Confidence   float64   `gorm:"not null" json:"confidence"`
	ModelVersion string    `gorm:"size:128;not null;index" json:"model_version"`
	NeedsReview  bool      `gorm:"not null;default:false" json:"needs_review"`
	ReviewedBy   string    `gorm:"size:64" json:"reviewed_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
