package classifier

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"datacuration/internal/ai"
	"datacuration/internal/errs"
)

var taxonomy = []string{"math", "science", "history", "geography", "language", "programming", "general"}

func TestKeywordClassifier(t *testing.T) {
	k := NewKeywordClassifier(taxonomy)
	ctx := context.Background()

	tests := []struct {
		text     string
		category string
		review   bool
	}{
		{"What is 2 + 2?", "math", false},
		{"Solve the equation for x", "math", false},
		{"Which empire did Caesar rule?", "history", false},
		{"What is the capital of France?", "geography", false},
		{"Tell me something nice", "general", true},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			r, err := k.Classify(ctx, tt.text)
			if err != nil {
				t.Fatal(err)
			}
			if r.Category != tt.category {
				t.Fatalf("category = %q, want %q", r.Category, tt.category)
			}
			if got := r.Confidence < 0.6; got != tt.review {
				t.Fatalf("confidence %.2f, review=%v want %v", r.Confidence, got, tt.review)
			}
			if r.ModelVersion != KeywordModelVersion {
				t.Fatalf("model version = %q", r.ModelVersion)
			}
		})
	}
}

func TestKeywordClassifierDeterministic(t *testing.T) {
	k := NewKeywordClassifier(taxonomy)
	texts := []string{"Explain why the French Revolution began", "Write a recursive function in python", "What is photosynthesis?"}
	a, _ := k.ClassifyBatch(context.Background(), texts)
	for i := 0; i < 20; i++ {
		b, _ := k.ClassifyBatch(context.Background(), texts)
		for j := range a {
			if a[j] != b[j] {
				t.Fatalf("run %d differs at %d: %+v vs %+v", i, j, a[j], b[j])
			}
		}
	}
	if a[0].Difficulty != "hard" {
		t.Fatalf("difficulty = %q, want hard", a[0].Difficulty)
	}
}

type flaky struct {
	failures int32
	calls    atomic.Int32
}

func (f *flaky) ModelVersion() string { return "flaky" }

func (f *flaky) Classify(ctx context.Context, text string) (Result, error) {
	rs, err := f.ClassifyBatch(ctx, []string{text})
	if err != nil {
		return Result{}, err
	}
	return rs[0], nil
}

func (f *flaky) ClassifyBatch(_ context.Context, texts []string) ([]Result, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, errors.New("connection refused")
	}
	out := make([]Result, len(texts))
	for i, t := range texts {
		out[i] = Result{Category: "general", Difficulty: "easy", Confidence: float64(len(t)) / 10, ModelVersion: "flaky"}
	}
	return out, nil
}

func TestServiceRetriesAndPreservesOrder(t *testing.T) {
	f := &flaky{failures: 2}
	s := NewService(f, Options{Threshold: 0.5, Concurrency: 1, MaxAttempts: 3, Backoff: time.Millisecond})

	texts := make([]string, 70)
	for i := range texts {
		texts[i] = string(make([]byte, i%10))
	}
	out, err := s.ClassifyBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("ClassifyBatch failed: %v", err)
	}
	if len(out) != len(texts) {
		t.Fatalf("len = %d, want %d", len(out), len(texts))
	}
	for i, r := range out {
		want := float64(i%10) / 10
		if r.Confidence != want {
			t.Fatalf("result %d confidence = %v, want %v", i, r.Confidence, want)
		}
		if r.NeedsReview != (want < 0.5) {
			t.Fatalf("result %d needs_review = %v", i, r.NeedsReview)
		}
	}
}

func TestServiceGivesUp(t *testing.T) {
	f := &flaky{failures: 100}
	s := NewService(f, Options{Concurrency: 2, MaxAttempts: 3, Backoff: time.Millisecond})
	_, err := s.ClassifyBatch(context.Background(), []string{"a"})
	if !errors.Is(err, errs.ErrClassifierUnavailable) {
		t.Fatalf("expected ClassifierUnavailable, got %v", err)
	}
	if got := f.calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

type fakeCompleter struct {
	reply string
	calls atomic.Int32
}

func (f *fakeCompleter) Model() string { return "test-model" }

func (f *fakeCompleter) CompleteJSON(context.Context, []ai.ChatMessage) (string, error) {
	f.calls.Add(1)
	return f.reply, nil
}

func TestLLMClassifierRepairsAndMemoizes(t *testing.T) {
	fc := &fakeCompleter{reply: "{\"category\": \"Science\", \"difficulty\": \"medium\", \"confidence\": 0.9,}"}
	l := NewLLMClassifier(fc, nil, taxonomy, []string{"easy", "medium", "hard"})

	for i := 0; i < 3; i++ {
		r, err := l.Classify(context.Background(), "What is an atom?")
		if err != nil {
			t.Fatalf("Classify failed: %v", err)
		}
		if r.Category != "science" || r.Difficulty != "medium" || r.Confidence != 0.9 || r.ModelVersion != "llm:test-model" {
			t.Fatalf("result = %+v", r)
		}
	}
	if got := fc.calls.Load(); got != 1 {
		t.Fatalf("llm called %d times, want 1", got)
	}
}

func TestLLMClassifierOutOfTaxonomy(t *testing.T) {
	fc := &fakeCompleter{reply: `{"category":"astrology","difficulty":"easy","confidence":0.99}`}
	l := NewLLMClassifier(fc, nil, taxonomy, []string{"easy", "medium", "hard"})
	r, err := l.Classify(context.Background(), "What is your sign?")
	if err != nil {
		t.Fatal(err)
	}
	if r.Category != "general" || r.Confidence != 0 {
		t.Fatalf("result = %+v", r)
	}
}
