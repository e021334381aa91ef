// Package index keeps a searchable projection of questions. It never sees
// answers: Document has no field that could carry answer content.
package index

import (
	"context"
)

type Document struct {
	ID         uint   `json:"id"`
	DatasetID  uint   `json:"dataset_id"`
	Text       string `json:"text"`
	Category   string `json:"category,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
}

type Query struct {
	Keyword    string
	Category   string
	Difficulty string
	DatasetID  uint
}

type Page struct {
	Page     int
	PageSize int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

func (p Page) Normalize() Page {
	if p.Page <= 0 {
		p.Page = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

func (p Page) Offset() int { return (p.Page - 1) * p.PageSize }

type Hit struct {
	ID    uint    `json:"id"`
	Score float64 `json:"score"`
}

// Result hits are ordered by score descending, then id ascending.
type Result struct {
	Hits  []Hit `json:"hits"`
	Total int64 `json:"total"`
}

type Index interface {
	// Upsert inserts or replaces documents by ID.
	Upsert(ctx context.Context, docs []Document) error
	DeleteDataset(ctx context.Context, datasetID uint) error
	Search(ctx context.Context, q Query, p Page) (Result, error)
}
