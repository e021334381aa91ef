package index

import (
	"context"
	"fmt"
	"sync"
)

// AckTracker records which index jobs of a dataset are still outstanding.
// Ingestion calls Expect before dispatching a job and Wait once every batch
// is committed; index consumers call Ack when a job is applied.
type AckTracker struct {
	mu       sync.Mutex
	datasets map[uint]*ackState
}

type ackState struct {
	pending map[string]struct{}
	err     error
	changed chan struct{}
}

func NewAckTracker() *AckTracker {
	return &AckTracker{datasets: make(map[uint]*ackState)}
}

func (t *AckTracker) stateLocked(datasetID uint) *ackState {
	s, ok := t.datasets[datasetID]
	if !ok {
		s = &ackState{pending: make(map[string]struct{}), changed: make(chan struct{})}
		t.datasets[datasetID] = s
	}
	return s
}

func (t *AckTracker) Expect(datasetID uint, jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateLocked(datasetID).pending[jobID] = struct{}{}
}

// Ack marks a job done. A non-nil err fails every Wait on the dataset.
// Acks for unknown jobs are ignored.
func (t *AckTracker) Ack(datasetID uint, jobID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.datasets[datasetID]
	if !ok {
		return
	}
	if _, ok := s.pending[jobID]; !ok {
		return
	}
	delete(s.pending, jobID)
	if err != nil && s.err == nil {
		s.err = fmt.Errorf("index job %s failed: %w", jobID, err)
	}
	close(s.changed)
	s.changed = make(chan struct{})
}

func (t *AckTracker) Pending(datasetID uint) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.datasets[datasetID]; ok {
		return len(s.pending)
	}
	return 0
}

// Wait blocks until every expected job of the dataset is acknowledged, a
// job fails, or ctx ends.
func (t *AckTracker) Wait(ctx context.Context, datasetID uint) error {
	for {
		t.mu.Lock()
		s := t.stateLocked(datasetID)
		if s.err != nil {
			err := s.err
			t.mu.Unlock()
			return err
		}
		if len(s.pending) == 0 {
			t.mu.Unlock()
			return nil
		}
		ch := s.changed
		t.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Forget drops all state for the dataset.
func (t *AckTracker) Forget(datasetID uint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.datasets, datasetID)
}
