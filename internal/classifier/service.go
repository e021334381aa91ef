package classifier

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"datacuration/internal/errs"
)

const chunkSize = 32

type Options struct {
	// Threshold is the confidence under which a result needs review.
	Threshold   float64
	Concurrency int
	MaxAttempts int
	Backoff     time.Duration
}

// Labeled is a classifier result plus the review decision.
type Labeled struct {
	Result
	NeedsReview bool
}

// Service bounds concurrent classifier calls across all callers and retries
// transient failures.
type Service struct {
	c    Classifier
	sem  *semaphore.Weighted
	opts Options
}

func NewService(c Classifier, opts Options) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 100 * time.Millisecond
	}
	return &Service{c: c, sem: semaphore.NewWeighted(int64(opts.Concurrency)), opts: opts}
}

func (s *Service) ModelVersion() string { return s.c.ModelVersion() }

func (s *Service) Threshold() float64 { return s.opts.Threshold }

// ClassifyBatch labels texts and returns one result per text in order. Once
// retries are exhausted it fails with a ClassifierUnavailable error.
func (s *Service) ClassifyBatch(ctx context.Context, texts []string) ([]Labeled, error) {
	out := make([]Labeled, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(texts); start += chunkSize {
		start := start
		end := min(start+chunkSize, len(texts))
		g.Go(func() error {
			if err := s.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer s.sem.Release(1)

			results, err := s.withRetry(gctx, texts[start:end])
			if err != nil {
				return err
			}
			for i, r := range results {
				out[start+i] = Labeled{Result: r, NeedsReview: r.Confidence < s.opts.Threshold}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) withRetry(ctx context.Context, texts []string) ([]Result, error) {
	var lastErr error
	delay := s.opts.Backoff
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		results, err := s.c.ClassifyBatch(ctx, texts)
		if err == nil && len(results) != len(texts) {
			err = fmt.Errorf("classifier returned %d results for %d texts", len(results), len(texts))
		}
		if err == nil {
			return results, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == s.opts.MaxAttempts {
			break
		}
		log.Printf("classifier: attempt %d/%d failed: %v", attempt, s.opts.MaxAttempts, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, errs.ClassifierUnavailable(lastErr)
}
