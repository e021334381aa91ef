package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"datacuration/internal/index"
	"datacuration/internal/lock"
	"datacuration/internal/model"
	"datacuration/internal/repository"
	"datacuration/internal/schema"
)

type ClassificationService struct {
	db         *gorm.DB
	datasets   *repository.DatasetRepository
	questions  *repository.QuestionRepository
	results    *repository.ClassificationRepository
	validator  *schema.Validator
	dispatcher index.Dispatcher
	locker     lock.Locker
}

type OverrideInput struct {
	QuestionID uint
	Category   string
	Difficulty string
	ReviewedBy string
}

func NewClassificationService(db *gorm.DB, validator *schema.Validator, dispatcher index.Dispatcher, locker lock.Locker) *ClassificationService {
	return &ClassificationService{
		db:         db,
		datasets:   repository.NewDatasetRepository(db),
		questions:  repository.NewQuestionRepository(db),
		results:    repository.NewClassificationRepository(db),
		validator:  validator,
		dispatcher: dispatcher,
		locker:     locker,
	}
}

// History returns every classification recorded for the question, oldest first.
func (s *ClassificationService) History(questionID uint) ([]model.ClassificationResult, error) {
	q, err := s.questions.GetByID(questionID)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, ErrQuestionNotFound
	}
	return s.results.ListByQuestionID(questionID)
}

// Override records a reviewer's labels as the question's current
// classification and re-indexes the question.
func (s *ClassificationService) Override(ctx context.Context, in OverrideInput) (*model.ClassificationResult, error) {
	category := strings.ToLower(strings.TrimSpace(in.Category))
	difficulty := strings.ToLower(strings.TrimSpace(in.Difficulty))
	reviewer := strings.TrimSpace(in.ReviewedBy)
	if !s.validator.ValidCategory(category) || !s.validator.ValidDifficulty(difficulty) || reviewer == "" {
		return nil, ErrInvalidInput
	}

	q, err := s.questions.GetByID(in.QuestionID)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, ErrQuestionNotFound
	}

	unlock, err := s.locker.Lock(ctx, fmt.Sprintf("dataset:%d", q.DatasetID))
	if err != nil {
		return nil, fmt.Errorf("acquire dataset lock failed: %w", err)
	}
	defer unlock()

	dataset, err := s.datasets.GetByID(q.DatasetID)
	if err != nil {
		return nil, err
	}
	if dataset == nil {
		return nil, ErrDatasetNotFound
	}
	if dataset.Status.InProgress() {
		return nil, ErrDatasetBusy
	}

	result := &model.ClassificationResult{
		QuestionID:   q.ID,
		Category:     category,
		Difficulty:   difficulty,
		Confidence:   1,
		ModelVersion: model.ModelVersionManual,
		ReviewedBy:   reviewer,
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.results.WithTx(tx).Create(result); err != nil {
			return err
		}
		return s.questions.WithTx(tx).UpdateLabels(q.ID, category, difficulty, false)
	})
	if err != nil {
		return nil, err
	}

	q.Category, q.Difficulty, q.NeedsReview = &category, &difficulty, false
	job := index.Job{ID: uuid.NewString(), DatasetID: q.DatasetID, Docs: []index.Document{documentOf(q)}}
	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		log.Printf("classification: reindex question=%d failed: %v", q.ID, err)
	}
	return result, nil
}
