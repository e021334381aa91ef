package repository

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"datacuration/internal/model"
)

const lookupChunk = 500

type QuestionFilter struct {
	DatasetID   uint
	Category    string
	Difficulty  string
	NeedsReview *bool
}

// QuestionRepository has no way to change question text once stored.
type QuestionRepository struct {
	db *gorm.DB
}

func NewQuestionRepository(db *gorm.DB) *QuestionRepository {
	return &QuestionRepository{db: db}
}

func (r *QuestionRepository) WithTx(tx *gorm.DB) *QuestionRepository {
	return &QuestionRepository{db: tx}
}

// CreateBatch inserts questions and fills their IDs.
func (r *QuestionRepository) CreateBatch(questions []*model.Question) error {
	if len(questions) == 0 {
		return nil
	}
	if err := r.db.CreateInBatches(questions, 200).Error; err != nil {
		return fmt.Errorf("create questions batch failed: %w", err)
	}
	return nil
}

func (r *QuestionRepository) GetByID(id uint) (*model.Question, error) {
	var q model.Question
	if err := r.db.First(&q, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get question failed: %w", err)
	}
	return &q, nil
}

// GetByIDs returns the questions keyed by id; missing ids are absent.
func (r *QuestionRepository) GetByIDs(ids []uint) (map[uint]model.Question, error) {
	out := make(map[uint]model.Question, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var questions []model.Question
	if err := r.db.Where("id IN ?", ids).Find(&questions).Error; err != nil {
		return nil, fmt.Errorf("get questions by ids failed: %w", err)
	}
	for _, q := range questions {
		out[q.ID] = q
	}
	return out, nil
}

// ResolveExternalIDs maps external ids of already stored questions of the
// dataset to their primary keys.
func (r *QuestionRepository) ResolveExternalIDs(datasetID uint, externalIDs []string) (map[string]uint, error) {
	out := make(map[string]uint, len(externalIDs))
	for start := 0; start < len(externalIDs); start += lookupChunk {
		end := min(start+lookupChunk, len(externalIDs))
		var rows []struct {
			ID         uint
			ExternalID string
		}
		err := r.db.Model(&model.Question{}).
			Select("id, external_id").
			Where("dataset_id = ? AND external_id IN ?", datasetID, externalIDs[start:end]).
			Scan(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("resolve question external ids failed: %w", err)
		}
		for _, row := range rows {
			out[row.ExternalID] = row.ID
		}
	}
	return out, nil
}

func (r *QuestionRepository) List(f QuestionFilter, offset, limit int) ([]model.Question, int64, error) {
	query := r.db.Model(&model.Question{})
	if f.DatasetID != 0 {
		query = query.Where("dataset_id = ?", f.DatasetID)
	}
	if f.Category != "" {
		query = query.Where("category = ?", f.Category)
	}
	if f.Difficulty != "" {
		query = query.Where("difficulty = ?", f.Difficulty)
	}
	if f.NeedsReview != nil {
		query = query.Where("needs_review = ?", *f.NeedsReview)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count questions failed: %w", err)
	}
	var questions []model.Question
	if err := query.Order("id ASC").Offset(offset).Limit(limit).Find(&questions).Error; err != nil {
		return nil, 0, fmt.Errorf("list questions failed: %w", err)
	}
	return questions, total, nil
}

// ListSnapshot pages through the questions of a dataset created at or before
// asOf, by ascending id starting after afterID.
func (r *QuestionRepository) ListSnapshot(datasetID uint, asOf time.Time, afterID uint, limit int) ([]model.Question, error) {
	var questions []model.Question
	err := r.db.Where("dataset_id = ? AND created_at <= ? AND id > ?", datasetID, asOf, afterID).
		Order("id ASC").Limit(limit).Find(&questions).Error
	if err != nil {
		return nil, fmt.Errorf("list snapshot questions failed: %w", err)
	}
	return questions, nil
}

// UpdateLabels sets the current classification of a question.
func (r *QuestionRepository) UpdateLabels(id uint, category, difficulty string, needsReview bool) error {
	err := r.db.Model(&model.Question{}).Where("id = ?", id).Updates(map[string]interface{}{
		"category":     category,
		"difficulty":   difficulty,
		"needs_review": needsReview,
	}).Error
	if err != nil {
		return fmt.Errorf("update question labels failed: %w", err)
	}
	return nil
}

func (r *QuestionRepository) DeleteByDataset(datasetID uint) error {
	if err := r.db.Where("dataset_id = ?", datasetID).Delete(&model.Question{}).Error; err != nil {
		return fmt.Errorf("delete questions by dataset failed: %w", err)
	}
	return nil
}

func (r *QuestionRepository) datasetSubquery(datasetID uint) *gorm.DB {
	return r.db.Model(&model.Question{}).Select("id").Where("dataset_id = ?", datasetID)
}
