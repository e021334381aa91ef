package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"datacuration/internal/index"
	"datacuration/internal/model"
	"datacuration/internal/repository"
)

// SearchCache stores hydrated search pages. Entries of a dataset are dropped
// whenever its index documents change.
type SearchCache interface {
	Get(ctx context.Context, datasetID uint, queryKey string, dest any) (bool, error)
	Set(ctx context.Context, datasetID uint, queryKey string, page any) error
	Invalidate(ctx context.Context, datasetID uint) error
}

type RetrievalService struct {
	index     index.Index
	cache     SearchCache
	questions *repository.QuestionRepository
	answers   *repository.AnswerRepository
}

type SearchInput struct {
	Keyword    string
	Category   string
	Difficulty string
	DatasetID  uint
	Page       int
	PageSize   int
}

type QuestionPage struct {
	Items    []model.Question `json:"items"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

type QuestionListInput struct {
	DatasetID   uint
	Category    string
	Difficulty  string
	NeedsReview *bool
	Page        int
	PageSize    int
}

// NewRetrievalService builds the read side. cache may be nil.
func NewRetrievalService(idx index.Index, cache SearchCache, questions *repository.QuestionRepository, answers *repository.AnswerRepository) *RetrievalService {
	return &RetrievalService{index: idx, cache: cache, questions: questions, answers: answers}
}

// Search queries the index and returns the matching questions in index
// order, loaded from the database.
func (s *RetrievalService) Search(ctx context.Context, in SearchInput) (*QuestionPage, error) {
	q := index.Query{
		Keyword:    strings.TrimSpace(in.Keyword),
		Category:   strings.ToLower(strings.TrimSpace(in.Category)),
		Difficulty: strings.ToLower(strings.TrimSpace(in.Difficulty)),
		DatasetID:  in.DatasetID,
	}
	page := index.Page{Page: in.Page, PageSize: in.PageSize}.Normalize()
	key := fmt.Sprintf("k=%s|c=%s|d=%s|p=%d|s=%d", q.Keyword, q.Category, q.Difficulty, page.Page, page.PageSize)

	if s.cache != nil {
		var cached QuestionPage
		hit, err := s.cache.Get(ctx, q.DatasetID, key, &cached)
		if err != nil {
			log.Printf("retrieval: search cache get failed: %v", err)
		} else if hit {
			return &cached, nil
		}
	}

	res, err := s.index.Search(ctx, q, page)
	if err != nil {
		return nil, fmt.Errorf("search index failed: %w", err)
	}
	ids := make([]uint, len(res.Hits))
	for i, h := range res.Hits {
		ids[i] = h.ID
	}
	byID, err := s.questions.GetByIDs(ids)
	if err != nil {
		return nil, err
	}
	out := &QuestionPage{Items: make([]model.Question, 0, len(ids)), Total: res.Total, Page: page.Page, PageSize: page.PageSize}
	for _, id := range ids {
		// documents of purged questions may outlive the row briefly
		if qq, ok := byID[id]; ok {
			out.Items = append(out.Items, qq)
		}
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, q.DatasetID, key, out); err != nil {
			log.Printf("retrieval: search cache set failed: %v", err)
		}
	}
	return out, nil
}

// ListQuestions filters questions by their stored labels, ordered by id.
func (s *RetrievalService) ListQuestions(in QuestionListInput) (*QuestionPage, error) {
	page := index.Page{Page: in.Page, PageSize: in.PageSize}.Normalize()
	filter := repository.QuestionFilter{
		DatasetID:   in.DatasetID,
		Category:    strings.ToLower(strings.TrimSpace(in.Category)),
		Difficulty:  strings.ToLower(strings.TrimSpace(in.Difficulty)),
		NeedsReview: in.NeedsReview,
	}
	items, total, err := s.questions.List(filter, page.Offset(), page.PageSize)
	if err != nil {
		return nil, err
	}
	return &QuestionPage{Items: items, Total: total, Page: page.Page, PageSize: page.PageSize}, nil
}

func (s *RetrievalService) GetQuestion(id uint) (*model.Question, error) {
	q, err := s.questions.GetByID(id)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, ErrQuestionNotFound
	}
	return q, nil
}

// ListAnswers returns the answers of one question. Answers are only ever
// reachable through this explicit lookup.
func (s *RetrievalService) ListAnswers(questionID uint) ([]model.Answer, error) {
	if _, err := s.GetQuestion(questionID); err != nil {
		return nil, err
	}
	return s.answers.ListByQuestionID(questionID)
}
