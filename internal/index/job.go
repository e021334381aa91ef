package index

import (
	"context"
	"fmt"
	"log"
)

// Job is one unit of asynchronous index work: the documents of one
// committed ingestion batch, or a single re-indexed question.
type Job struct {
	ID        string     `json:"id"`
	DatasetID uint       `json:"dataset_id"`
	Batch     int        `json:"batch"`
	Docs      []Document `json:"docs"`
}

// Dispatcher hands jobs to whatever applies them to the index.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// Handler applies a job to the index and reports the outcome to the tracker.
type Handler struct {
	idx     Index
	tracker *AckTracker
	// OnApplied runs after a successful upsert, e.g. to drop cached searches.
	OnApplied func(ctx context.Context, datasetID uint)
}

func NewHandler(idx Index, tracker *AckTracker) *Handler {
	return &Handler{idx: idx, tracker: tracker}
}

func (h *Handler) Handle(ctx context.Context, job Job) error {
	err := h.idx.Upsert(ctx, job.Docs)
	if err != nil {
		err = fmt.Errorf("upsert %d docs failed: %w", len(job.Docs), err)
		log.Printf("index: job %s dataset=%d batch=%d: %v", job.ID, job.DatasetID, job.Batch, err)
	} else if h.OnApplied != nil {
		h.OnApplied(ctx, job.DatasetID)
	}
	if h.tracker != nil {
		h.tracker.Ack(job.DatasetID, job.ID, err)
	}
	return err
}
