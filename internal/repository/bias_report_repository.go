package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"datacuration/internal/model"
)

// BiasReportRepository only inserts and reads; reports are immutable.
type BiasReportRepository struct {
	db *gorm.DB
}

func NewBiasReportRepository(db *gorm.DB) *BiasReportRepository {
	return &BiasReportRepository{db: db}
}

func (r *BiasReportRepository) Create(report *model.BiasReport) error {
	if err := r.db.Create(report).Error; err != nil {
		return fmt.Errorf("create bias report failed: %w", err)
	}
	return nil
}

func (r *BiasReportRepository) GetByID(id uint) (*model.BiasReport, error) {
	var report model.BiasReport
	if err := r.db.First(&report, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get bias report failed: %w", err)
	}
	return &report, nil
}

func (r *BiasReportRepository) ListByDatasetID(datasetID uint) ([]model.BiasReport, error) {
	var reports []model.BiasReport
	if err := r.db.Where("dataset_id = ?", datasetID).Order("id DESC").Find(&reports).Error; err != nil {
		return nil, fmt.Errorf("list bias reports failed: %w", err)
	}
	return reports, nil
}
