package repository

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"datacuration/internal/model"
)

// ClassificationRepository is append-only: results are never updated.
type ClassificationRepository struct {
	db *gorm.DB
}

func NewClassificationRepository(db *gorm.DB) *ClassificationRepository {
	return &ClassificationRepository{db: db}
}

func (r *ClassificationRepository) WithTx(tx *gorm.DB) *ClassificationRepository {
	return &ClassificationRepository{db: tx}
}

func (r *ClassificationRepository) Create(result *model.ClassificationResult) error {
	if err := r.db.Create(result).Error; err != nil {
		return fmt.Errorf("create classification result failed: %w", err)
	}
	return nil
}

func (r *ClassificationRepository) CreateBatch(results []*model.ClassificationResult) error {
	if len(results) == 0 {
		return nil
	}
	if err := r.db.CreateInBatches(results, 200).Error; err != nil {
		return fmt.Errorf("create classification results batch failed: %w", err)
	}
	return nil
}

// ListByQuestionID returns the full history, oldest first.
func (r *ClassificationRepository) ListByQuestionID(questionID uint) ([]model.ClassificationResult, error) {
	var results []model.ClassificationResult
	if err := r.db.Where("question_id = ?", questionID).Order("id ASC").Find(&results).Error; err != nil {
		return nil, fmt.Errorf("list classification results failed: %w", err)
	}
	return results, nil
}

// ModelVersions lists the distinct model versions that labeled questions of
// the dataset up to asOf.
func (r *ClassificationRepository) ModelVersions(datasetID uint, asOf time.Time) ([]string, error) {
	sub := NewQuestionRepository(r.db).datasetSubquery(datasetID)
	var versions []string
	err := r.db.Model(&model.ClassificationResult{}).
		Where("question_id IN (?) AND created_at <= ?", sub, asOf).
		Distinct("model_version").Order("model_version").Pluck("model_version", &versions).Error
	if err != nil {
		return nil, fmt.Errorf("list model versions failed: %w", err)
	}
	return versions, nil
}

func (r *ClassificationRepository) DeleteByDataset(datasetID uint) error {
	sub := NewQuestionRepository(r.db).datasetSubquery(datasetID)
	if err := r.db.Where("question_id IN (?)", sub).Delete(&model.ClassificationResult{}).Error; err != nil {
		return fmt.Errorf("delete classification results by dataset failed: %w", err)
	}
	return nil
}
