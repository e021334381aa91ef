package model

import (
	"time"

	"gorm.io/datatypes"
)

type Answer struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	QuestionID uint           `gorm:"not null;index" json:"question_id"`
	Question   *Question      `gorm:"foreignKey:QuestionID;constraint:OnDelete:CASCADE" json:"-"`
	ExternalID string         `gorm:"size:128" json:"external_id,omitempty"`
	Text       string         `gorm:"type:text;not null" json:"text"`
	Metadata   datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (Answer) TableName() string { return "answers" }
