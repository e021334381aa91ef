// Package classifier assigns a category and a difficulty to question text.
package classifier

import (
	"context"
)

type Result struct {
	Category     string  `json:"category"`
	Difficulty   string  `json:"difficulty"`
	Confidence   float64 `json:"confidence"`
	ModelVersion string  `json:"model_version"`
}

// Classifier implementations must be deterministic for a fixed ModelVersion:
// the same text always yields the same Result.
type Classifier interface {
	Classify(ctx context.Context, text string) (Result, error)
	// ClassifyBatch returns exactly one result per input, in input order.
	ClassifyBatch(ctx context.Context, texts []string) ([]Result, error)
	ModelVersion() string
}

// ResultCache memoizes results per model version and text.
type ResultCache interface {
	Get(ctx context.Context, modelVersion, text string) (Result, bool, error)
	Set(ctx context.Context, modelVersion, text string, r Result) error
}
