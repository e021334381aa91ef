package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"datacuration/internal/classifier"
	"datacuration/internal/errs"
	"datacuration/internal/index"
	"datacuration/internal/ingest"
	"datacuration/internal/lock"
	"datacuration/internal/model"
	"datacuration/internal/repository"
	"datacuration/internal/schema"
)

type IngestOptions struct {
	BatchSize      int
	Workers        int
	MaxErrorRate   float64
	SpoolDir       string
	MaxUploadBytes int64
	AckTimeout     time.Duration
}

type IngestDeps struct {
	DB         *gorm.DB
	Validator  *schema.Validator
	Classifier *classifier.Service
	Index      index.Index
	Dispatcher index.Dispatcher
	Tracker    *index.AckTracker
	Locker     lock.Locker

	// Cache is the search page cache, dropped when a dataset is purged. May be nil.
	Cache SearchCache
}

type UploadInput struct {
	Name   string
	Format model.SourceFormat
	Reader io.Reader
}

// IngestService turns uploads into datasets. Batches are prepared in
// parallel and committed strictly in upload order, each in one transaction.
type IngestService struct {
	db         *gorm.DB
	datasets   *repository.DatasetRepository
	questions  *repository.QuestionRepository
	answers    *repository.AnswerRepository
	results    *repository.ClassificationRepository
	validator  *schema.Validator
	classifier *classifier.Service
	index      index.Index
	dispatcher index.Dispatcher
	tracker    *index.AckTracker
	locker     lock.Locker
	cache      SearchCache
	opts       IngestOptions
}

func NewIngestService(deps IngestDeps, opts IngestOptions) *IngestService {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}
	return &IngestService{
		db:         deps.DB,
		datasets:   repository.NewDatasetRepository(deps.DB),
		questions:  repository.NewQuestionRepository(deps.DB),
		answers:    repository.NewAnswerRepository(deps.DB),
		results:    repository.NewClassificationRepository(deps.DB),
		validator:  deps.Validator,
		classifier: deps.Classifier,
		index:      deps.Index,
		dispatcher: deps.Dispatcher,
		tracker:    deps.Tracker,
		locker:     deps.Locker,
		cache:      deps.Cache,
		opts:       opts,
	}
}

// Ingest stores an upload. Re-uploading bytes that were already indexed
// returns the existing dataset untouched; re-uploading bytes whose previous
// run failed resumes under the same dataset id. On failure the returned
// dataset carries the failure details alongside the error.
func (s *IngestService) Ingest(ctx context.Context, in UploadInput) (*model.Dataset, error) {
	if in.Reader == nil || (in.Format != model.FormatCSV && in.Format != model.FormatJSON) {
		return nil, ErrInvalidInput
	}

	spool, err := ingest.SpoolUpload(ctx, in.Reader, s.opts.SpoolDir, s.opts.MaxUploadBytes)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := spool.Remove(); err != nil {
			log.Printf("ingest: remove spool failed: %v", err)
		}
	}()

	dataset, fresh, err := s.claim(ctx, in, spool.Fingerprint)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return dataset, nil
	}
	log.Printf("ingest: dataset=%d fingerprint=%s size=%d started", dataset.ID, spool.Fingerprint[:12], spool.Size)

	if err := s.transition(ctx, dataset.ID, []model.DatasetStatus{model.DatasetUploading}, model.DatasetValidating, nil); err != nil {
		return nil, err
	}

	lastRecord, runErr := s.run(ctx, dataset.ID, spool, in.Format)
	if runErr == nil {
		runErr = s.awaitIndex(ctx, dataset.ID, lastRecord)
	}
	s.tracker.Forget(dataset.ID)

	if runErr != nil {
		log.Printf("ingest: dataset=%d failed: %v", dataset.ID, runErr)
		if err := s.markFailed(dataset.ID, runErr); err != nil {
			log.Printf("ingest: dataset=%d mark failed: %v", dataset.ID, err)
		}
		failed, err := s.datasets.GetByID(dataset.ID)
		if err != nil {
			log.Printf("ingest: dataset=%d reload failed dataset: %v", dataset.ID, err)
		}
		return failed, runErr
	}

	now := time.Now()
	if err := s.transition(ctx, dataset.ID, []model.DatasetStatus{model.DatasetValidating}, model.DatasetIndexed,
		map[string]interface{}{"indexed_at": &now}); err != nil {
		return nil, err
	}
	log.Printf("ingest: dataset=%d indexed", dataset.ID)
	return s.datasets.GetByID(dataset.ID)
}

// claim finds or creates the dataset for a fingerprint. fresh is false when
// the existing dataset should be returned as is.
func (s *IngestService) claim(ctx context.Context, in UploadInput, fingerprint string) (*model.Dataset, bool, error) {
	unlock, err := s.locker.Lock(ctx, "ingest:"+fingerprint)
	if err != nil {
		return nil, false, fmt.Errorf("acquire ingest lock failed: %w", err)
	}
	defer unlock()

	existing, err := s.datasets.GetByFingerprint(fingerprint)
	if err != nil {
		return nil, false, err
	}

	if existing == nil {
		name := strings.TrimSpace(in.Name)
		if name == "" {
			name = "dataset-" + fingerprint[:12]
		}
		dataset := &model.Dataset{
			Name:            name,
			Fingerprint:     fingerprint,
			SourceFormat:    in.Format,
			Status:          model.DatasetUploading,
			UploadTimestamp: time.Now(),
		}
		if err := s.datasets.Create(dataset); err != nil {
			return nil, false, err
		}
		return dataset, true, nil
	}

	switch {
	case existing.Status == model.DatasetIndexed:
		return existing, false, nil
	case existing.Status.InProgress():
		return nil, false, ErrIngestInProgress
	}

	// failed: purge what the previous run left behind and start over
	if err := s.transition(ctx, existing.ID, []model.DatasetStatus{model.DatasetFailed}, model.DatasetUploading, map[string]interface{}{
		"upload_timestamp":   time.Now(),
		"failure_kind":       "",
		"failure_message":    "",
		"failed_batch_start": 0,
		"failed_batch_end":   0,
		"retryable":          false,
		"question_count":     0,
		"answer_count":       0,
		"skipped_count":      0,
		"batch_count":        0,
	}); err != nil {
		return nil, false, err
	}
	if err := s.purge(ctx, existing.ID); err != nil {
		if ferr := s.markFailed(existing.ID, err); ferr != nil {
			log.Printf("ingest: dataset=%d mark failed after purge error: %v", existing.ID, ferr)
		}
		return nil, false, err
	}
	log.Printf("ingest: dataset=%d retrying previously failed upload", existing.ID)
	dataset, err := s.datasets.GetByID(existing.ID)
	return dataset, true, err
}

func (s *IngestService) purge(ctx context.Context, datasetID uint) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.answers.WithTx(tx).DeleteByDataset(datasetID); err != nil {
			return err
		}
		if err := s.results.WithTx(tx).DeleteByDataset(datasetID); err != nil {
			return err
		}
		return s.questions.WithTx(tx).DeleteByDataset(datasetID)
	})
	if err != nil {
		return fmt.Errorf("purge dataset %d failed: %w", datasetID, err)
	}
	if err := s.index.DeleteDataset(ctx, datasetID); err != nil {
		return fmt.Errorf("purge dataset %d index failed: %w", datasetID, err)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, datasetID); err != nil {
			return fmt.Errorf("purge dataset %d search cache failed: %w", datasetID, err)
		}
	}
	return nil
}

func (s *IngestService) transition(ctx context.Context, id uint, from []model.DatasetStatus, to model.DatasetStatus, fields map[string]interface{}) error {
	unlock, err := s.locker.Lock(ctx, fmt.Sprintf("dataset:%d", id))
	if err != nil {
		return fmt.Errorf("acquire dataset lock failed: %w", err)
	}
	defer unlock()

	ok, err := s.datasets.Transition(id, from, to, fields)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: dataset %d -> %s", ErrStateConflict, id, to)
	}
	return nil
}

func (s *IngestService) markFailed(id uint, cause error) error {
	var e *errs.Error
	if !errors.As(cause, &e) {
		e = &errs.Error{Kind: errs.KindInternal, Message: cause.Error(), Retryable: true}
	}
	fields := map[string]interface{}{
		"failure_kind":       string(e.Kind),
		"failure_message":    cause.Error(),
		"failed_batch_start": e.BatchStart,
		"failed_batch_end":   e.BatchEnd,
		"retryable":          e.Retryable,
	}
	// The caller's context may already be cancelled; the dataset must still leave the in-progress states.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.transition(ctx, id, []model.DatasetStatus{model.DatasetUploading, model.DatasetValidating}, model.DatasetFailed, fields)
}

// awaitIndex waits for every dispatched batch to be indexed. A timeout is
// reported against records 1..lastRecord, the committed range.
func (s *IngestService) awaitIndex(ctx context.Context, datasetID uint, lastRecord int) error {
	waitCtx, cancel := context.WithTimeout(ctx, s.opts.AckTimeout)
	defer cancel()
	if err := s.tracker.Wait(waitCtx, datasetID); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return err
		}
		e := errs.IndexTimeout(datasetID, err)
		if lastRecord > 0 {
			e.BatchStart, e.BatchEnd = 1, lastRecord
		}
		return e
	}
	return nil
}

// RecoverInterrupted fails datasets left in an in-progress state by a
// process that stopped mid-ingestion, so they can be retried.
func (s *IngestService) RecoverInterrupted(ctx context.Context) (int, error) {
	stuck, err := s.datasets.ListByStatus(model.DatasetUploading, model.DatasetValidating)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range stuck {
		cause := &errs.Error{Kind: errs.KindInternal, Message: "ingestion interrupted", DatasetID: d.ID, Retryable: true}
		if err := s.markFailed(d.ID, cause); err != nil {
			log.Printf("ingest: recover dataset=%d failed: %v", d.ID, err)
			continue
		}
		n++
	}
	return n, nil
}

func (s *IngestService) GetDataset(id uint) (*model.Dataset, error) {
	d, err := s.datasets.GetByID(id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrDatasetNotFound
	}
	return d, nil
}

type DatasetPage struct {
	Items    []model.Dataset `json:"items"`
	Total    int64           `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

// ListDatasets pages through datasets, newest first.
func (s *IngestService) ListDatasets(page, pageSize int) (*DatasetPage, error) {
	p := index.Page{Page: page, PageSize: pageSize}.Normalize()
	items, total, err := s.datasets.List(p.Offset(), p.PageSize)
	if err != nil {
		return nil, err
	}
	return &DatasetPage{Items: items, Total: total, Page: p.Page, PageSize: p.PageSize}, nil
}

// run streams the spooled upload through prepare workers and a single
// in-order committer. The first failing batch stops the run; batches
// committed before it stay. It returns the last committed record number.
func (s *IngestService) run(ctx context.Context, datasetID uint, spool *ingest.Spool, format model.SourceFormat) (int, error) {
	f, err := spool.Open()
	if err != nil {
		return 0, fmt.Errorf("open spool failed: %w", err)
	}
	defer f.Close()

	reader, err := ingest.NewBatchReader(f, format, s.opts.BatchSize)
	if err != nil {
		return 0, errs.WithBatch(err, datasetID, 1, 1)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	work := make(chan workItem, s.opts.Workers)
	done := make(chan *preparedBatch, s.opts.Workers)
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer close(work)
		seq := 0
		for {
			batch, err := reader.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			seq++
			item := workItem{seq: seq, batch: batch, readErr: err}
			select {
			case work <- item:
			case <-gctx.Done():
				return nil
			}
			if err != nil {
				return nil
			}
		}
	})

	var workers sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		workers.Add(1)
		g.Go(func() error {
			defer workers.Done()
			for item := range work {
				p := s.prepare(gctx, datasetID, item)
				select {
				case done <- p:
				case <-gctx.Done():
					return nil
				}
			}
			return nil
		})
	}
	go func() {
		workers.Wait()
		close(done)
	}()

	var runErr error
	lastRecord := 0
	pending := make(map[int]*preparedBatch)
	next := 1
	for p := range done {
		if runErr != nil {
			continue
		}
		pending[p.seq] = p
		for {
			cur, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			if err := s.commit(runCtx, datasetID, cur); err != nil {
				runErr = err
				cancel()
				break
			}
			lastRecord = cur.end
		}
	}
	_ = g.Wait()
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}
	return lastRecord, runErr
}

type workItem struct {
	seq     int
	batch   *ingest.Batch
	readErr error
}

type preparedBatch struct {
	seq       int
	start     int
	end       int
	total     int
	skipped   int
	questions []*model.Question
	labels    [][]*model.ClassificationResult
	answers   []*schema.PendingAnswer
	err       error
}

func (s *IngestService) prepare(ctx context.Context, datasetID uint, item workItem) *preparedBatch {
	if item.readErr != nil {
		var e *errs.Error
		start, end := 0, 0
		if errors.As(item.readErr, &e) && e.Record > 0 {
			end = e.Record
			start = (end-1)/s.opts.BatchSize*s.opts.BatchSize + 1
		}
		return &preparedBatch{seq: item.seq, err: errs.WithBatch(item.readErr, datasetID, start, end)}
	}

	b := item.batch
	p := &preparedBatch{seq: item.seq, start: b.Start, end: b.End, total: len(b.Records)}
	fail := func(err error) *preparedBatch {
		p.err = errs.WithBatch(err, datasetID, b.Start, b.End)
		return p
	}

	if err := schema.AssertSeparation(b.Records); err != nil {
		return fail(err)
	}

	seen := make(map[string]bool)
	var firstSkip error
	skip := func(err error) {
		p.skipped++
		if firstSkip == nil {
			firstSkip = err
		}
		log.Printf("ingest: dataset=%d skipped record: %v", datasetID, err)
	}

	for _, rec := range b.Records {
		if rec.Err != nil {
			e := errs.Validation("", rec.Err.Error())
			e.Record = rec.Position
			skip(e)
			continue
		}
		switch rec.Type() {
		case schema.TypeQuestion:
			q, err := s.validator.ValidateQuestion(rec)
			if err != nil {
				if errs.KindOf(err) != errs.KindValidation {
					return fail(err)
				}
				skip(err)
				continue
			}
			if seen[q.ExternalID] {
				e := errs.Validation(schema.FieldID, fmt.Sprintf("duplicate question id %q", q.ExternalID))
				e.Record = rec.Position
				skip(e)
				continue
			}
			seen[q.ExternalID] = true
			q.DatasetID = datasetID
			p.questions = append(p.questions, q)
		case schema.TypeAnswer:
			a, err := s.validator.CheckAnswer(rec)
			if err != nil {
				if errs.KindOf(err) != errs.KindValidation {
					return fail(err)
				}
				skip(err)
				continue
			}
			p.answers = append(p.answers, a)
		default:
			e := errs.Validation(schema.FieldType, fmt.Sprintf("unknown record type %q", rec.String(schema.FieldType)))
			e.Record = rec.Position
			skip(e)
		}
	}
	if err := s.checkErrorRate(p, firstSkip); err != nil {
		return fail(err)
	}

	if len(p.questions) > 0 {
		texts := make([]string, len(p.questions))
		for i, q := range p.questions {
			texts[i] = q.Text
		}
		labeled, err := s.classifier.ClassifyBatch(ctx, texts)
		if err != nil {
			return fail(err)
		}
		p.labels = make([][]*model.ClassificationResult, len(p.questions))
		for i, q := range p.questions {
			p.labels[i] = applyLabels(q, labeled[i])
		}
	}
	return p
}

func (s *IngestService) checkErrorRate(p *preparedBatch, firstSkip error) error {
	if p.total == 0 || p.skipped == 0 {
		return nil
	}
	if float64(p.skipped)/float64(p.total) <= s.opts.MaxErrorRate {
		return nil
	}
	e := errs.Validation("", fmt.Sprintf("%d of %d records invalid, first: %v", p.skipped, p.total, firstSkip))
	return e
}

// applyLabels decides the current labels of q and returns the
// classification rows to record. Upload-supplied labels win over the
// classifier; a disagreement sends the question to review.
func applyLabels(q *model.Question, l classifier.Labeled) []*model.ClassificationResult {
	rows := []*model.ClassificationResult{{
		Category:     l.Category,
		Difficulty:   l.Difficulty,
		Confidence:   l.Confidence,
		ModelVersion: l.ModelVersion,
		NeedsReview:  l.NeedsReview,
	}}

	category, difficulty := l.Category, l.Difficulty
	needsReview := l.NeedsReview
	if q.Category != nil || q.Difficulty != nil {
		disagree := false
		if q.Category != nil {
			disagree = disagree || *q.Category != l.Category
			category = *q.Category
		}
		if q.Difficulty != nil {
			disagree = disagree || *q.Difficulty != l.Difficulty
			difficulty = *q.Difficulty
		}
		fullySupplied := q.Category != nil && q.Difficulty != nil
		needsReview = disagree || (l.NeedsReview && !fullySupplied)
		rows = append(rows, &model.ClassificationResult{
			Category:     category,
			Difficulty:   difficulty,
			Confidence:   1,
			ModelVersion: model.ModelVersionUpload,
			NeedsReview:  needsReview,
		})
	}

	q.Category = &category
	q.Difficulty = &difficulty
	q.NeedsReview = needsReview
	return rows
}

func (s *IngestService) commit(ctx context.Context, datasetID uint, p *preparedBatch) error {
	if p.err != nil {
		return p.err
	}
	if err := ctx.Err(); err != nil {
		return errs.WithBatch(err, datasetID, p.start, p.end)
	}

	var docs []index.Document
	err := s.db.Transaction(func(tx *gorm.DB) error {
		questions := s.questions.WithTx(tx)

		// questions whose id is already stored for this dataset are skipped
		extIDs := make([]string, len(p.questions))
		for i, q := range p.questions {
			extIDs[i] = q.ExternalID
		}
		stored, err := questions.ResolveExternalIDs(datasetID, extIDs)
		if err != nil {
			return err
		}
		var firstSkip error
		keepQ := p.questions[:0:0]
		keepL := p.labels[:0:0]
		for i, q := range p.questions {
			if _, dup := stored[q.ExternalID]; dup {
				p.skipped++
				if firstSkip == nil {
					firstSkip = errs.Validation(schema.FieldID, fmt.Sprintf("duplicate question id %q", q.ExternalID))
				}
				continue
			}
			keepQ = append(keepQ, q)
			keepL = append(keepL, p.labels[i])
		}
		if err := s.checkErrorRate(p, firstSkip); err != nil {
			return err
		}

		if err := questions.CreateBatch(keepQ); err != nil {
			return err
		}

		known := make(map[string]uint, len(keepQ)+len(stored))
		for k, v := range stored {
			known[k] = v
		}
		for _, q := range keepQ {
			known[q.ExternalID] = q.ID
		}
		var unresolved []string
		for _, a := range p.answers {
			if _, ok := known[a.QuestionRef]; !ok && a.QuestionRef != "" {
				unresolved = append(unresolved, a.QuestionRef)
			}
		}
		if len(unresolved) > 0 {
			earlier, err := questions.ResolveExternalIDs(datasetID, unresolved)
			if err != nil {
				return err
			}
			for k, v := range earlier {
				known[k] = v
			}
		}

		answers := make([]*model.Answer, 0, len(p.answers))
		for _, pa := range p.answers {
			a, err := schema.Link(pa, known)
			if err != nil {
				return err
			}
			answers = append(answers, a)
		}
		if err := s.answers.WithTx(tx).CreateBatch(answers); err != nil {
			return err
		}

		var rows []*model.ClassificationResult
		for i, q := range keepQ {
			for _, r := range keepL[i] {
				r.QuestionID = q.ID
				rows = append(rows, r)
			}
		}
		if err := s.results.WithTx(tx).CreateBatch(rows); err != nil {
			return err
		}
		if err := s.datasets.WithTx(tx).AddCounts(datasetID, len(keepQ), len(answers), p.skipped); err != nil {
			return err
		}

		docs = make([]index.Document, 0, len(keepQ))
		for _, q := range keepQ {
			docs = append(docs, documentOf(q))
		}
		return nil
	})
	if err != nil {
		return errs.WithBatch(err, datasetID, p.start, p.end)
	}

	job := index.Job{ID: uuid.NewString(), DatasetID: datasetID, Batch: p.seq, Docs: docs}
	s.tracker.Expect(datasetID, job.ID)
	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		s.tracker.Ack(datasetID, job.ID, err)
		e := errs.IndexTimeout(datasetID, err)
		e.Message = "dispatch index job failed"
		e.BatchStart, e.BatchEnd = p.start, p.end
		return e
	}
	return nil
}

func documentOf(q *model.Question) index.Document {
	d := index.Document{ID: q.ID, DatasetID: q.DatasetID, Text: q.Text}
	if q.Category != nil {
		d.Category = *q.Category
	}
	if q.Difficulty != nil {
		d.Difficulty = *q.Difficulty
	}
	return d
}
