package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"datacuration/internal/ai"
)

type completer interface {
	CompleteJSON(ctx context.Context, messages []ai.ChatMessage) (string, error)
	Model() string
}

// LLMClassifier asks an OpenAI-compatible model for a label. Results are
// memoized per text so a given model version always returns the same label.
type LLMClassifier struct {
	client       completer
	cache        ResultCache
	categories   []string
	difficulties []string
}

func NewLLMClassifier(client completer, cache ResultCache, categories, difficulties []string) *LLMClassifier {
	if cache == nil {
		cache = NewMemoryCache(0)
	}
	return &LLMClassifier{
		client:       client,
		cache:        cache,
		categories:   categories,
		difficulties: difficulties,
	}
}

func (l *LLMClassifier) ModelVersion() string {
	return "llm:" + l.client.Model()
}

func (l *LLMClassifier) Classify(ctx context.Context, text string) (Result, error) {
	version := l.ModelVersion()
	if r, ok, err := l.cache.Get(ctx, version, text); err != nil {
		log.Printf("classifier: cache get failed: %v", err)
	} else if ok {
		return r, nil
	}

	raw, err := l.client.CompleteJSON(ctx, []ai.ChatMessage{
		{Role: "system", Content: l.systemPrompt()},
		{Role: "user", Content: text},
	})
	if err != nil {
		return Result{}, err
	}
	r, err := l.parse(raw)
	if err != nil {
		return Result{}, err
	}
	r.ModelVersion = version

	if err := l.cache.Set(ctx, version, text, r); err != nil {
		log.Printf("classifier: cache set failed: %v", err)
	}
	return r, nil
}

func (l *LLMClassifier) ClassifyBatch(ctx context.Context, texts []string) ([]Result, error) {
	out := make([]Result, len(texts))
	for i, t := range texts {
		r, err := l.Classify(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

func (l *LLMClassifier) systemPrompt() string {
	return fmt.Sprintf(`You label quiz questions. Reply with one JSON object:
{"category": one of [%s], "difficulty": one of [%s], "confidence": number between 0 and 1}.
Judge only the question text. Do not answer the question.`,
		strings.Join(l.categories, ", "), strings.Join(l.difficulties, ", "))
}

func (l *LLMClassifier) parse(raw string) (Result, error) {
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return Result{}, fmt.Errorf("repair llm json failed: %w", err)
	}
	var out struct {
		Category   string  `json:"category"`
		Difficulty string  `json:"difficulty"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return Result{}, fmt.Errorf("parse llm json failed: %w", err)
	}

	r := Result{
		Category:   strings.ToLower(strings.TrimSpace(out.Category)),
		Difficulty: strings.ToLower(strings.TrimSpace(out.Difficulty)),
		Confidence: out.Confidence,
	}
	// Labels outside the taxonomy are kept out of the store and forced into review.
	if !contains(l.categories, r.Category) {
		r.Category = fallbackCategory(l.categories)
		r.Confidence = 0
	}
	if !contains(l.difficulties, r.Difficulty) {
		r.Difficulty = "medium"
		r.Confidence = 0
	}
	if r.Confidence < 0 {
		r.Confidence = 0
	}
	if r.Confidence > 1 {
		r.Confidence = 1
	}
	return r, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func fallbackCategory(categories []string) string {
	if contains(categories, "general") || len(categories) == 0 {
		return "general"
	}
	return categories[0]
}
