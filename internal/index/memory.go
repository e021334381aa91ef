package index

import (
	"context"
	"sort"
	"sync"

	"datacuration/internal/classifier"
)

// MemoryIndex is an inverted index held in process memory. Relevance is the
// summed term frequency of the query tokens in the document text.
type MemoryIndex struct {
	mu       sync.RWMutex
	docs     map[uint]Document
	postings map[string]map[uint]int
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		docs:     make(map[uint]Document),
		postings: make(map[string]map[uint]int),
	}
}

func (m *MemoryIndex) Upsert(_ context.Context, docs []Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range docs {
		if old, ok := m.docs[d.ID]; ok {
			m.removeLocked(old)
		}
		m.docs[d.ID] = d
		for _, tok := range classifier.Tokenize(d.Text) {
			p, ok := m.postings[tok]
			if !ok {
				p = make(map[uint]int)
				m.postings[tok] = p
			}
			p[d.ID]++
		}
	}
	return nil
}

func (m *MemoryIndex) DeleteDataset(_ context.Context, datasetID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.docs {
		if d.DatasetID == datasetID {
			m.removeLocked(d)
		}
	}
	return nil
}

func (m *MemoryIndex) removeLocked(d Document) {
	for _, tok := range classifier.Tokenize(d.Text) {
		if p, ok := m.postings[tok]; ok {
			delete(p, d.ID)
			if len(p) == 0 {
				delete(m.postings, tok)
			}
		}
	}
	delete(m.docs, d.ID)
}

func (m *MemoryIndex) Search(_ context.Context, q Query, p Page) (Result, error) {
	p = p.Normalize()
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []Hit
	tokens := classifier.Tokenize(q.Keyword)
	if len(tokens) == 0 {
		for id, d := range m.docs {
			if matches(d, q) {
				hits = append(hits, Hit{ID: id})
			}
		}
	} else {
		scores := make(map[uint]float64)
		for _, tok := range uniq(tokens) {
			for id, tf := range m.postings[tok] {
				scores[id] += float64(tf)
			}
		}
		for id, s := range scores {
			if matches(m.docs[id], q) {
				hits = append(hits, Hit{ID: id, Score: s})
			}
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})

	res := Result{Total: int64(len(hits))}
	start := p.Offset()
	if start >= len(hits) {
		return res, nil
	}
	end := min(start+p.PageSize, len(hits))
	res.Hits = append([]Hit(nil), hits[start:end]...)
	return res, nil
}

func matches(d Document, q Query) bool {
	if q.DatasetID != 0 && d.DatasetID != q.DatasetID {
		return false
	}
	if q.Category != "" && d.Category != q.Category {
		return false
	}
	if q.Difficulty != "" && d.Difficulty != q.Difficulty {
		return false
	}
	return true
}

func uniq(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := tokens[:0:0]
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
