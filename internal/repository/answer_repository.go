package repository

import (
	"fmt"

	"gorm.io/gorm"

	"datacuration/internal/model"
)

type AnswerRepository struct {
	db *gorm.DB
}

func NewAnswerRepository(db *gorm.DB) *AnswerRepository {
	return &AnswerRepository{db: db}
}

func (r *AnswerRepository) WithTx(tx *gorm.DB) *AnswerRepository {
	return &AnswerRepository{db: tx}
}

func (r *AnswerRepository) CreateBatch(answers []*model.Answer) error {
	if len(answers) == 0 {
		return nil
	}
	if err := r.db.CreateInBatches(answers, 200).Error; err != nil {
		return fmt.Errorf("create answers batch failed: %w", err)
	}
	return nil
}

func (r *AnswerRepository) ListByQuestionID(questionID uint) ([]model.Answer, error) {
	var answers []model.Answer
	if err := r.db.Where("question_id = ?", questionID).Order("id ASC").Find(&answers).Error; err != nil {
		return nil, fmt.Errorf("list answers failed: %w", err)
	}
	return answers, nil
}

func (r *AnswerRepository) DeleteByDataset(datasetID uint) error {
	sub := NewQuestionRepository(r.db).datasetSubquery(datasetID)
	if err := r.db.Where("question_id IN (?)", sub).Delete(&model.Answer{}).Error; err != nil {
		return fmt.Errorf("delete answers by dataset failed: %w", err)
	}
	return nil
}
