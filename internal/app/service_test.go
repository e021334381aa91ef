package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redisv9 "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"datacuration/internal/bias"
	"datacuration/internal/cache"
	"datacuration/internal/classifier"
	"datacuration/internal/errs"
	"datacuration/internal/index"
	"datacuration/internal/lock"
	"datacuration/internal/model"
	"datacuration/internal/repository"
	"datacuration/internal/schema"
	"datacuration/internal/testutil"
)

// switchClassifier fails any call containing "boom" while broken is set,
// and every call while down is set.
type switchClassifier struct {
	*classifier.KeywordClassifier
	broken atomic.Bool
	down   atomic.Bool
}

func (s *switchClassifier) ClassifyBatch(ctx context.Context, texts []string) ([]classifier.Result, error) {
	if s.down.Load() {
		return nil, errors.New("model server unreachable")
	}
	if s.broken.Load() {
		for _, t := range texts {
			if strings.Contains(t, "boom") {
				return nil, errors.New("model server unreachable")
			}
		}
	}
	return s.KeywordClassifier.ClassifyBatch(ctx, texts)
}

type testEnv struct {
	db         *gorm.DB
	idx        *index.MemoryIndex
	classifier *switchClassifier
	ingest     *IngestService
	retrieval  *RetrievalService
	labels     *ClassificationService
	bias       *BiasService
}

type envOptions struct {
	batchSize  int
	ackTimeout time.Duration
	cache      SearchCache
	// wrapIndex lets a test intercept calls to the memory index.
	wrapIndex func(*index.MemoryIndex) index.Index
}

func newTestEnv(t *testing.T, batchSize int) *testEnv {
	return newTestEnvWith(t, envOptions{batchSize: batchSize})
}

func newTestEnvWith(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	if opts.ackTimeout == 0 {
		opts.ackTimeout = 2 * time.Second
	}
	db := testutil.NewDB(t)
	mem := index.NewMemoryIndex()
	var idx index.Index = mem
	if opts.wrapIndex != nil {
		idx = opts.wrapIndex(mem)
	}
	tracker := index.NewAckTracker()
	handler := index.NewHandler(idx, tracker)
	if opts.cache != nil {
		handler.OnApplied = func(ctx context.Context, datasetID uint) {
			_ = opts.cache.Invalidate(ctx, datasetID)
		}
	}
	updater := index.NewUpdater(handler, 16)
	updater.Start(context.Background())
	t.Cleanup(updater.Close)

	validator := schema.NewValidator(nil)
	sc := &switchClassifier{KeywordClassifier: classifier.NewKeywordClassifier(validator.Categories())}
	svc := classifier.NewService(sc, classifier.Options{Threshold: 0.6, Concurrency: 2, MaxAttempts: 1, Backoff: time.Millisecond})
	locker := lock.NewLocal()

	ingestSvc := NewIngestService(IngestDeps{
		DB:         db,
		Validator:  validator,
		Classifier: svc,
		Index:      idx,
		Dispatcher: updater,
		Tracker:    tracker,
		Locker:     locker,
		Cache:      opts.cache,
	}, IngestOptions{
		BatchSize:    opts.batchSize,
		Workers:      3,
		MaxErrorRate: 0.05,
		SpoolDir:     t.TempDir(),
		AckTimeout:   opts.ackTimeout,
	})

	return &testEnv{
		db:         db,
		idx:        mem,
		classifier: sc,
		ingest:     ingestSvc,
		retrieval:  NewRetrievalService(idx, opts.cache, repository.NewQuestionRepository(db), repository.NewAnswerRepository(db)),
		labels:     NewClassificationService(db, validator, updater, locker),
		bias:       NewBiasService(db, locker, bias.Options{MinGroupSize: 30, OutcomeField: "selected", LabelField: "label"}),
	}
}

func ndjson(t *testing.T, records ...map[string]any) string {
	t.Helper()
	var b strings.Builder
	for _, r := range records {
		raw, err := json.Marshal(r)
		if err != nil {
			t.Fatalf("marshal record: %v", err)
		}
		b.Write(raw)
		b.WriteByte('\n')
	}
	return b.String()
}

func question(id, text string) map[string]any {
	return map[string]any{"type": "question", "id": id, "text": text}
}

func answer(questionID, text string) map[string]any {
	return map[string]any{"type": "answer", "question_id": questionID, "text": text}
}

const sampleUpload = `[
  {"type": "question", "id": "q1", "text": "What is the sum of 2 and 3?"},
  {"type": "question", "id": "q2", "text": "Solve the equation x + 2 = 5"},
  {"type": "question", "id": "q3", "text": "Which empire was ruled by Caesar?"},
  {"type": "answer", "question_id": "q1", "text": "5"},
  {"type": "answer", "question_id": "q2", "text": "x = 3"}
]`

func TestIngestSearchAndAnswers(t *testing.T) {
	env := newTestEnv(t, 500)
	ctx := context.Background()

	ds, err := env.ingest.Ingest(ctx, UploadInput{Name: "sample", Format: model.FormatJSON, Reader: strings.NewReader(sampleUpload)})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if ds.Status != model.DatasetIndexed || ds.QuestionCount != 3 || ds.AnswerCount != 2 || ds.IndexedAt == nil {
		t.Fatalf("unexpected dataset: %+v", ds)
	}

	page, err := env.retrieval.ListQuestions(QuestionListInput{DatasetID: ds.ID})
	if err != nil {
		t.Fatalf("ListQuestions failed: %v", err)
	}
	if page.Total != 3 {
		t.Fatalf("total = %d, want 3", page.Total)
	}
	for _, q := range page.Items {
		if strings.Contains(string(q.Metadata), "answer") {
			t.Fatalf("question %s carries answer content: %s", q.ExternalID, q.Metadata)
		}
	}

	q1 := page.Items[0]
	answers, err := env.retrieval.ListAnswers(q1.ID)
	if err != nil {
		t.Fatalf("ListAnswers failed: %v", err)
	}
	if len(answers) != 1 || answers[0].Text != "5" {
		t.Fatalf("answers of q1 = %+v", answers)
	}

	res, err := env.retrieval.Search(ctx, SearchInput{Category: "math"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if res.Total != 2 || len(res.Items) != 2 {
		t.Fatalf("math search = %+v", res)
	}
	if res.Items[0].ExternalID != "q1" || res.Items[1].ExternalID != "q2" {
		t.Fatalf("order = %s, %s", res.Items[0].ExternalID, res.Items[1].ExternalID)
	}

	res, err = env.retrieval.Search(ctx, SearchInput{Keyword: "caesar", DatasetID: ds.ID})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].ExternalID != "q3" || *res.Items[0].Category != "history" {
		t.Fatalf("keyword search = %+v", res.Items)
	}
}

func TestIngestOrphanFailsBatchAndKeepsEarlierBatches(t *testing.T) {
	env := newTestEnv(t, 500)
	var records []map[string]any
	for i := 1; i <= 500; i++ {
		records = append(records, question(fmt.Sprintf("q%d", i), fmt.Sprintf("Calculate the sum of %d and %d", i, i)))
	}
	records = append(records, answer("does-not-exist", "42"))
	for i := 501; i <= 550; i++ {
		records = append(records, question(fmt.Sprintf("q%d", i), "Which river crosses the capital city?"))
	}

	ds, err := env.ingest.Ingest(context.Background(), UploadInput{Format: model.FormatJSON, Reader: strings.NewReader(ndjson(t, records...))})
	if err == nil {
		t.Fatal("expected ingestion to fail")
	}
	if !errors.Is(err, &errs.Error{Kind: errs.KindValidation, Reason: errs.ReasonOrphanAnswer}) {
		t.Fatalf("error = %v, want orphan answer", err)
	}
	if ds == nil || ds.Status != model.DatasetFailed {
		t.Fatalf("dataset = %+v", ds)
	}
	if ds.FailedBatchStart != 501 || ds.FailedBatchEnd != 551 || ds.Retryable {
		t.Fatalf("failure details = %d-%d retryable=%v", ds.FailedBatchStart, ds.FailedBatchEnd, ds.Retryable)
	}

	page, err := env.retrieval.ListQuestions(QuestionListInput{DatasetID: ds.ID})
	if err != nil {
		t.Fatalf("ListQuestions failed: %v", err)
	}
	if page.Total != 500 || ds.QuestionCount != 500 {
		t.Fatalf("stored %d questions (count %d), want the first batch only", page.Total, ds.QuestionCount)
	}
	geo, err := env.retrieval.ListQuestions(QuestionListInput{DatasetID: ds.ID, Category: "geography"})
	if err != nil {
		t.Fatalf("ListQuestions failed: %v", err)
	}
	if geo.Total != 0 {
		t.Fatalf("%d questions of the failed batch were stored", geo.Total)
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	env := newTestEnv(t, 500)
	ctx := context.Background()

	first, err := env.ingest.Ingest(ctx, UploadInput{Format: model.FormatJSON, Reader: strings.NewReader(sampleUpload)})
	if err != nil {
		t.Fatalf("first Ingest failed: %v", err)
	}
	second, err := env.ingest.Ingest(ctx, UploadInput{Name: "again", Format: model.FormatJSON, Reader: strings.NewReader(sampleUpload)})
	if err != nil {
		t.Fatalf("second Ingest failed: %v", err)
	}
	if first.ID != second.ID || second.QuestionCount != 3 {
		t.Fatalf("first %+v second %+v", first, second)
	}
	page, err := env.retrieval.ListQuestions(QuestionListInput{})
	if err != nil {
		t.Fatalf("ListQuestions failed: %v", err)
	}
	if page.Total != 3 {
		t.Fatalf("total = %d after re-upload, want 3", page.Total)
	}
}

func TestIngestRetryAfterFailurePurgesPartialData(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()
	upload := ndjson(t,
		question("a", "What is the capital of France?"),
		question("b", "Name the longest river in Africa"),
		question("c", "boom: which planet has the strongest gravity?"),
	)

	env.classifier.broken.Store(true)
	ds, err := env.ingest.Ingest(ctx, UploadInput{Format: model.FormatJSON, Reader: strings.NewReader(upload)})
	if errs.KindOf(err) != errs.KindClassifierUnavailable {
		t.Fatalf("error = %v, want classifier_unavailable", err)
	}
	if ds.Status != model.DatasetFailed || !ds.Retryable || ds.QuestionCount != 2 {
		t.Fatalf("failed dataset = %+v", ds)
	}

	env.classifier.broken.Store(false)
	retried, err := env.ingest.Ingest(ctx, UploadInput{Format: model.FormatJSON, Reader: strings.NewReader(upload)})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if retried.ID != ds.ID || retried.Status != model.DatasetIndexed || retried.QuestionCount != 3 {
		t.Fatalf("retried dataset = %+v", retried)
	}
	page, err := env.retrieval.ListQuestions(QuestionListInput{DatasetID: ds.ID})
	if err != nil {
		t.Fatalf("ListQuestions failed: %v", err)
	}
	if page.Total != 3 {
		t.Fatalf("total = %d, want 3 with no duplicates", page.Total)
	}
}

func TestRetryPurgeDropsCachedSearches(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redisv9.NewClient(&redisv9.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := newTestEnvWith(t, envOptions{batchSize: 2, cache: cache.NewSearchCache(client, time.Minute)})
	ctx := context.Background()
	upload := ndjson(t,
		question("a", "What is the capital of France?"),
		question("b", "What is the capital of Peru?"),
		question("c", "boom: which planet has the strongest gravity?"),
	)

	env.classifier.broken.Store(true)
	if _, err := env.ingest.Ingest(ctx, UploadInput{Format: model.FormatJSON, Reader: strings.NewReader(upload)}); errs.KindOf(err) != errs.KindClassifierUnavailable {
		t.Fatalf("error = %v, want classifier_unavailable", err)
	}

	// the committed first batch is indexed in the background
	deadline := time.Now().Add(2 * time.Second)
	for {
		res, err := env.idx.Search(ctx, index.Query{Keyword: "capital"}, index.Page{Page: 1, PageSize: 10})
		if err != nil {
			t.Fatalf("index search failed: %v", err)
		}
		if res.Total == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("first batch never reached the index: total = %d", res.Total)
		}
		time.Sleep(10 * time.Millisecond)
	}
	page, err := env.retrieval.Search(ctx, SearchInput{Keyword: "capital"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("items = %d before retry, want 2", len(page.Items))
	}

	env.classifier.down.Store(true)
	if _, err := env.ingest.Ingest(ctx, UploadInput{Format: model.FormatJSON, Reader: strings.NewReader(upload)}); errs.KindOf(err) != errs.KindClassifierUnavailable {
		t.Fatalf("retry error = %v, want classifier_unavailable", err)
	}

	page, err = env.retrieval.Search(ctx, SearchInput{Keyword: "capital"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(page.Items) != 0 || page.Total != 0 {
		t.Fatalf("search returned purged questions: total = %d items = %+v", page.Total, page.Items)
	}
}

// slowIndex delays upserts while slow is set.
type slowIndex struct {
	*index.MemoryIndex
	slow atomic.Bool
}

func (s *slowIndex) Upsert(ctx context.Context, docs []index.Document) error {
	if s.slow.Load() {
		time.Sleep(300 * time.Millisecond)
	}
	return s.MemoryIndex.Upsert(ctx, docs)
}

func TestIngestIndexTimeoutThenRetry(t *testing.T) {
	slow := &slowIndex{}
	env := newTestEnvWith(t, envOptions{
		batchSize:  2,
		ackTimeout: 50 * time.Millisecond,
		wrapIndex: func(m *index.MemoryIndex) index.Index {
			slow.MemoryIndex = m
			return slow
		},
	})
	ctx := context.Background()
	upload := ndjson(t,
		question("a", "What is the capital of France?"),
		question("b", "Name the longest river in Africa"),
		question("c", "Which planet has the strongest gravity?"),
	)

	slow.slow.Store(true)
	ds, err := env.ingest.Ingest(ctx, UploadInput{Format: model.FormatJSON, Reader: strings.NewReader(upload)})
	if errs.KindOf(err) != errs.KindIndexTimeout {
		t.Fatalf("error = %v, want index_timeout", err)
	}
	if ds == nil || ds.Status != model.DatasetFailed || ds.FailureKind != string(errs.KindIndexTimeout) || !ds.Retryable {
		t.Fatalf("failed dataset = %+v", ds)
	}
	if ds.FailedBatchStart != 1 || ds.FailedBatchEnd != 3 {
		t.Fatalf("failed range = %d-%d, want 1-3", ds.FailedBatchStart, ds.FailedBatchEnd)
	}

	slow.slow.Store(false)
	env.ingest.opts.AckTimeout = 5 * time.Second
	retried, err := env.ingest.Ingest(ctx, UploadInput{Format: model.FormatJSON, Reader: strings.NewReader(upload)})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if retried.ID != ds.ID || retried.Status != model.DatasetIndexed || retried.QuestionCount != 3 || retried.FailureKind != "" {
		t.Fatalf("retried dataset = %+v", retried)
	}
}

// purgeFailIndex fails DeleteDataset while broken is set.
type purgeFailIndex struct {
	*index.MemoryIndex
	broken atomic.Bool
}

func (p *purgeFailIndex) DeleteDataset(ctx context.Context, datasetID uint) error {
	if p.broken.Load() {
		return errors.New("index unreachable")
	}
	return p.MemoryIndex.DeleteDataset(ctx, datasetID)
}

func TestRetryPurgeFailureLeavesDatasetRetryable(t *testing.T) {
	pf := &purgeFailIndex{}
	env := newTestEnvWith(t, envOptions{
		batchSize: 2,
		wrapIndex: func(m *index.MemoryIndex) index.Index {
			pf.MemoryIndex = m
			return pf
		},
	})
	ctx := context.Background()
	upload := ndjson(t,
		question("a", "What is the capital of France?"),
		question("b", "Name the longest river in Africa"),
		question("c", "boom: which planet has the strongest gravity?"),
	)

	env.classifier.broken.Store(true)
	ds, err := env.ingest.Ingest(ctx, UploadInput{Format: model.FormatJSON, Reader: strings.NewReader(upload)})
	if errs.KindOf(err) != errs.KindClassifierUnavailable {
		t.Fatalf("error = %v, want classifier_unavailable", err)
	}

	pf.broken.Store(true)
	if _, err := env.ingest.Ingest(ctx, UploadInput{Format: model.FormatJSON, Reader: strings.NewReader(upload)}); err == nil {
		t.Fatal("retry with a failing purge should fail")
	}
	got, err := env.ingest.GetDataset(ds.ID)
	if err != nil {
		t.Fatalf("GetDataset failed: %v", err)
	}
	if got.Status != model.DatasetFailed || !got.Retryable {
		t.Fatalf("dataset after purge failure = %+v, want failed and retryable", got)
	}

	pf.broken.Store(false)
	env.classifier.broken.Store(false)
	retried, err := env.ingest.Ingest(ctx, UploadInput{Format: model.FormatJSON, Reader: strings.NewReader(upload)})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if retried.ID != ds.ID || retried.Status != model.DatasetIndexed || retried.QuestionCount != 3 {
		t.Fatalf("retried dataset = %+v", retried)
	}
}

func TestIngestSkipsMalformedRecordsWithinErrorRate(t *testing.T) {
	env := newTestEnv(t, 500)
	var records []map[string]any
	for i := 0; i < 40; i++ {
		records = append(records, question(fmt.Sprintf("q%d", i), "Explain why the roman empire fell"))
	}
	records = append(records, map[string]any{"type": "question", "id": "empty", "text": "  "})

	ds, err := env.ingest.Ingest(context.Background(), UploadInput{Format: model.FormatJSON, Reader: strings.NewReader(ndjson(t, records...))})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if ds.QuestionCount != 40 || ds.SkippedCount != 1 {
		t.Fatalf("counts = %d questions %d skipped", ds.QuestionCount, ds.SkippedCount)
	}
}

func TestIngestRejectsAnswerFieldOnQuestion(t *testing.T) {
	env := newTestEnv(t, 500)
	upload := ndjson(t, map[string]any{"type": "question", "id": "q1", "text": "What is 2 + 2?", "answer_text": "4"})

	ds, err := env.ingest.Ingest(context.Background(), UploadInput{Format: model.FormatJSON, Reader: strings.NewReader(upload)})
	if errs.KindOf(err) != errs.KindSchemaViolation {
		t.Fatalf("error = %v, want schema_violation", err)
	}
	if ds.Status != model.DatasetFailed || ds.QuestionCount != 0 {
		t.Fatalf("dataset = %+v", ds)
	}
}

func TestIngestCSV(t *testing.T) {
	env := newTestEnv(t, 500)
	upload := "type,id,question_id,text,gender\n" +
		"question,q1,,Which dynasty built the wall?,f\n" +
		"answer,,q1,The Ming dynasty,\n"

	ds, err := env.ingest.Ingest(context.Background(), UploadInput{Format: model.FormatCSV, Reader: strings.NewReader(upload)})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if ds.QuestionCount != 1 || ds.AnswerCount != 1 || ds.SourceFormat != model.FormatCSV {
		t.Fatalf("dataset = %+v", ds)
	}
}

func TestUploadLabelsWinAndDisagreementNeedsReview(t *testing.T) {
	env := newTestEnv(t, 500)
	upload := ndjson(t, map[string]any{
		"type": "question", "id": "q1", "text": "What is the sum of 2 and 3?",
		"category": "history", "difficulty": "easy",
	})
	ds, err := env.ingest.Ingest(context.Background(), UploadInput{Format: model.FormatJSON, Reader: strings.NewReader(upload)})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	page, err := env.retrieval.ListQuestions(QuestionListInput{DatasetID: ds.ID})
	if err != nil || len(page.Items) != 1 {
		t.Fatalf("ListQuestions = %+v, %v", page, err)
	}
	q := page.Items[0]
	if *q.Category != "history" || !q.NeedsReview {
		t.Fatalf("question labels = %s review=%v", *q.Category, q.NeedsReview)
	}
	history, err := env.labels.History(q.ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 2 || history[0].ModelVersion != classifier.KeywordModelVersion || history[1].ModelVersion != model.ModelVersionUpload {
		t.Fatalf("history = %+v", history)
	}
}

func TestClassificationIsDeterministic(t *testing.T) {
	env := newTestEnv(t, 500)
	ctx := context.Background()
	a, err := env.ingest.Ingest(ctx, UploadInput{Format: model.FormatJSON, Reader: strings.NewReader(sampleUpload)})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	b, err := env.ingest.Ingest(ctx, UploadInput{Format: model.FormatJSON, Reader: strings.NewReader(sampleUpload + "\n")})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if a.ID == b.ID {
		t.Fatal("different bytes must produce different datasets")
	}
	pa, _ := env.retrieval.ListQuestions(QuestionListInput{DatasetID: a.ID})
	pb, _ := env.retrieval.ListQuestions(QuestionListInput{DatasetID: b.ID})
	for i := range pa.Items {
		qa, qb := pa.Items[i], pb.Items[i]
		if *qa.Category != *qb.Category || *qa.Difficulty != *qb.Difficulty {
			t.Fatalf("%s labeled %s/%s then %s/%s", qa.ExternalID, *qa.Category, *qa.Difficulty, *qb.Category, *qb.Difficulty)
		}
	}
}

func TestOverrideReindexes(t *testing.T) {
	env := newTestEnv(t, 500)
	ctx := context.Background()
	ds, err := env.ingest.Ingest(ctx, UploadInput{Format: model.FormatJSON, Reader: strings.NewReader(sampleUpload)})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	page, _ := env.retrieval.ListQuestions(QuestionListInput{DatasetID: ds.ID})
	q3 := page.Items[2]

	if _, err := env.labels.Override(ctx, OverrideInput{QuestionID: q3.ID, Category: "astrology", Difficulty: "hard", ReviewedBy: "alice"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown category: err = %v", err)
	}
	if _, err := env.labels.Override(ctx, OverrideInput{QuestionID: 9999, Category: "science", Difficulty: "hard", ReviewedBy: "alice"}); !errors.Is(err, ErrQuestionNotFound) {
		t.Fatalf("missing question: err = %v", err)
	}

	result, err := env.labels.Override(ctx, OverrideInput{QuestionID: q3.ID, Category: "Science", Difficulty: "hard", ReviewedBy: "alice"})
	if err != nil {
		t.Fatalf("Override failed: %v", err)
	}
	if result.ModelVersion != model.ModelVersionManual || result.Confidence != 1 || result.ReviewedBy != "alice" {
		t.Fatalf("result = %+v", result)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		res, err := env.retrieval.Search(ctx, SearchInput{Category: "science", DatasetID: ds.ID})
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		if len(res.Items) == 1 && res.Items[0].ID == q3.ID {
			if res.Items[0].NeedsReview || *res.Items[0].Difficulty != "hard" {
				t.Fatalf("stored labels not updated: %+v", res.Items[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("override never reached the index: %+v", res.Items)
		}
		time.Sleep(10 * time.Millisecond)
	}

	history, err := env.labels.History(q3.ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 2 || history[0].Category != "history" || history[1].Category != "science" {
		t.Fatalf("history = %+v", history)
	}
}

func biasRecords(t *testing.T) string {
	t.Helper()
	var records []map[string]any
	add := func(group, region string, n, selected int) {
		for i := 0; i < n; i++ {
			records = append(records, map[string]any{
				"type":     "question",
				"id":       fmt.Sprintf("%s-%s-%d", group, region, i),
				"text":     "Describe the history of the roman empire",
				"gender":   group,
				"region":   region,
				"selected": i < selected,
			})
		}
	}
	add("a", "north", 35, 21)
	add("b", "south", 35, 14)
	add("c", "west", 5, 5)
	return ndjson(t, records...)
}

func TestAnalyzeBias(t *testing.T) {
	env := newTestEnv(t, 500)
	ctx := context.Background()
	ds, err := env.ingest.Ingest(ctx, UploadInput{Format: model.FormatJSON, Reader: strings.NewReader(biasRecords(t))})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	report, err := env.bias.Analyze(ctx, ds.ID, []string{"gender", " gender", ""})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if report.SampleSize != 75 || report.ModelVersion != classifier.KeywordModelVersion {
		t.Fatalf("report = sample %d model %q", report.SampleSize, report.ModelVersion)
	}
	if string(report.ProtectedAttributes) != `["gender"]` {
		t.Fatalf("attributes = %s", report.ProtectedAttributes)
	}

	var metrics bias.Report
	if err := json.Unmarshal(report.Metrics, &metrics); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	gender := metrics.Attributes["gender"]
	dp := gender.Metrics[bias.DemographicParityDifference]
	if dp.Status != bias.StatusOK || dp.Value == nil || math.Abs(*dp.Value-0.2) > 1e-9 {
		t.Fatalf("demographic parity = %+v", dp)
	}
	for _, g := range gender.Groups {
		if g.Value == "c" && g.Status != bias.StatusInsufficientData {
			t.Fatalf("group c status = %s", g.Status)
		}
	}
	eo := gender.Metrics[bias.EqualizedOddsDifference]
	if eo.Status == bias.StatusOK {
		t.Fatalf("equalized odds without labels = %+v", eo)
	}

	again, err := env.bias.Analyze(ctx, ds.ID, []string{"gender"})
	if err != nil {
		t.Fatalf("second Analyze failed: %v", err)
	}
	if again.ID == report.ID {
		t.Fatal("a second analysis must create a new report")
	}
	reports, err := env.bias.ListReports(ds.ID)
	if err != nil || len(reports) != 2 {
		t.Fatalf("ListReports = %d, %v", len(reports), err)
	}
	stored, err := env.bias.GetReport(report.ID)
	if err != nil || string(stored.Metrics) != string(report.Metrics) {
		t.Fatalf("stored report changed: %v", err)
	}
}

func TestAnalyzeRefusesBusyOrMissingDataset(t *testing.T) {
	env := newTestEnv(t, 500)
	ctx := context.Background()
	busy := &model.Dataset{Name: "busy", Fingerprint: "f", SourceFormat: model.FormatCSV, Status: model.DatasetValidating, UploadTimestamp: time.Now()}
	if err := repository.NewDatasetRepository(env.db).Create(busy); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := env.bias.Analyze(ctx, busy.ID, []string{"gender"}); !errors.Is(err, ErrDatasetBusy) {
		t.Fatalf("busy: err = %v", err)
	}
	if _, err := env.bias.Analyze(ctx, 404, []string{"gender"}); !errors.Is(err, ErrDatasetNotFound) {
		t.Fatalf("missing: err = %v", err)
	}
	if _, err := env.bias.Analyze(ctx, busy.ID, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("no attributes: err = %v", err)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	env := newTestEnv(t, 500)
	stuck := &model.Dataset{Name: "stuck", Fingerprint: "g", SourceFormat: model.FormatJSON, Status: model.DatasetUploading, UploadTimestamp: time.Now()}
	if err := repository.NewDatasetRepository(env.db).Create(stuck); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	n, err := env.ingest.RecoverInterrupted(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("RecoverInterrupted = %d, %v", n, err)
	}
	got, err := env.ingest.GetDataset(stuck.ID)
	if err != nil {
		t.Fatalf("GetDataset failed: %v", err)
	}
	if got.Status != model.DatasetFailed || !got.Retryable || got.FailureKind != string(errs.KindInternal) {
		t.Fatalf("recovered dataset = %+v", got)
	}
}
