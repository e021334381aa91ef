package model

import (
	"time"

	"gorm.io/datatypes"
)

// BiasReport is written once and never updated.
type BiasReport struct {
	ID                  uint           `gorm:"primaryKey" json:"id"`
	DatasetID           uint           `gorm:"not null;index" json:"dataset_id"`
	GeneratedAt         time.Time      `gorm:"not null;index" json:"generated_at"`
	AsOf                time.Time      `gorm:"not null" json:"as_of"`
	ProtectedAttributes datatypes.JSON `json:"protected_attributes"`
	Metrics             datatypes.JSON `gorm:"not null" json:"metrics"`
	ModelVersion        string         `gorm:"size:256" json:"model_version"`
	SampleSize          int            `gorm:"not null" json:"sample_size"`
}
