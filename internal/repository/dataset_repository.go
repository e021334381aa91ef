package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"datacuration/internal/model"
)

type DatasetRepository struct {
	db *gorm.DB
}

func NewDatasetRepository(db *gorm.DB) *DatasetRepository {
	return &DatasetRepository{db: db}
}

func (r *DatasetRepository) WithTx(tx *gorm.DB) *DatasetRepository {
	return &DatasetRepository{db: tx}
}

func (r *DatasetRepository) Create(dataset *model.Dataset) error {
	if err := r.db.Create(dataset).Error; err != nil {
		return fmt.Errorf("create dataset failed: %w", err)
	}
	return nil
}

func (r *DatasetRepository) GetByID(id uint) (*model.Dataset, error) {
	var dataset model.Dataset
	if err := r.db.First(&dataset, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get dataset failed: %w", err)
	}
	return &dataset, nil
}

func (r *DatasetRepository) GetByFingerprint(fingerprint string) (*model.Dataset, error) {
	var dataset model.Dataset
	if err := r.db.Where("fingerprint = ?", fingerprint).First(&dataset).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get dataset by fingerprint failed: %w", err)
	}
	return &dataset, nil
}

func (r *DatasetRepository) List(offset, limit int) ([]model.Dataset, int64, error) {
	var total int64
	if err := r.db.Model(&model.Dataset{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count datasets failed: %w", err)
	}
	var datasets []model.Dataset
	if err := r.db.Order("id DESC").Offset(offset).Limit(limit).Find(&datasets).Error; err != nil {
		return nil, 0, fmt.Errorf("list datasets failed: %w", err)
	}
	return datasets, total, nil
}

func (r *DatasetRepository) ListByStatus(statuses ...model.DatasetStatus) ([]model.Dataset, error) {
	var datasets []model.Dataset
	if err := r.db.Where("status IN ?", statuses).Order("id ASC").Find(&datasets).Error; err != nil {
		return nil, fmt.Errorf("list datasets by status failed: %w", err)
	}
	return datasets, nil
}

// Transition moves the dataset to status `to` only if its current status is
// one of from. It reports whether the row was updated.
func (r *DatasetRepository) Transition(id uint, from []model.DatasetStatus, to model.DatasetStatus, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := r.db.Model(&model.Dataset{}).Where("id = ? AND status IN ?", id, from).Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("transition dataset to %s failed: %w", to, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// AddCounts increments the running record counters of a dataset.
func (r *DatasetRepository) AddCounts(id uint, questions, answers, skipped int) error {
	err := r.db.Model(&model.Dataset{}).Where("id = ?", id).Updates(map[string]interface{}{
		"question_count": gorm.Expr("question_count + ?", questions),
		"answer_count":   gorm.Expr("answer_count + ?", answers),
		"skipped_count":  gorm.Expr("skipped_count + ?", skipped),
		"batch_count":    gorm.Expr("batch_count + 1"),
	}).Error
	if err != nil {
		return fmt.Errorf("update dataset counters failed: %w", err)
	}
	return nil
}
