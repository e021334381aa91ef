package classifier

import (
	"context"
	"math"
	"strings"
	"unicode"
)

const KeywordModelVersion = "keyword-v1"

var defaultKeywords = map[string][]string{
	"math": {"math", "sum", "equation", "solve", "integral", "derivative", "algebra", "calculate",
		"number", "prime", "fraction", "percent", "geometry", "triangle", "multiply", "divide", "square", "root"},
	"science": {"physics", "chemistry", "biology", "atom", "molecule", "cell", "energy", "gravity",
		"photosynthesis", "element", "planet", "force", "dna", "species", "electron", "experiment"},
	"history": {"war", "century", "empire", "king", "queen", "revolution", "ancient", "dynasty",
		"president", "treaty", "caesar", "roman", "medieval", "battle", "history", "pharaoh"},
	"geography": {"capital", "country", "river", "mountain", "continent", "ocean", "city", "border",
		"population", "desert", "island", "climate", "latitude"},
	"language": {"grammar", "verb", "noun", "synonym", "antonym", "translate", "word", "sentence",
		"spelling", "adjective", "meaning", "plural", "tense"},
	"programming": {"code", "function", "algorithm", "variable", "compile", "python", "golang", "java",
		"loop", "array", "database", "api", "program", "bug", "software", "recursion"},
}

var hardMarkers = []string{"prove", "derive", "explain", "analyze", "analyse", "evaluate", "compare", "justify", "why"}

// KeywordClassifier scores text against per-category keyword lists. It is
// fully deterministic and needs no external service.
type KeywordClassifier struct {
	categories []string
	keywords   map[string]map[string]bool
	fallback   string
}

// NewKeywordClassifier builds a classifier over the given taxonomy. Ties are
// broken by taxonomy order.
func NewKeywordClassifier(categories []string) *KeywordClassifier {
	k := &KeywordClassifier{
		categories: categories,
		keywords:   make(map[string]map[string]bool, len(categories)),
	}
	for _, c := range categories {
		set := make(map[string]bool)
		for _, w := range defaultKeywords[c] {
			set[w] = true
		}
		k.keywords[c] = set
		if c == "general" {
			k.fallback = c
		}
	}
	if k.fallback == "" && len(categories) > 0 {
		k.fallback = categories[0]
	}
	return k
}

func (k *KeywordClassifier) ModelVersion() string { return KeywordModelVersion }

func (k *KeywordClassifier) Classify(_ context.Context, text string) (Result, error) {
	tokens := Tokenize(text)

	scores := make(map[string]int, len(k.categories))
	total := 0
	for _, tok := range tokens {
		for _, c := range k.categories {
			if k.keywords[c][tok] {
				scores[c]++
				total++
			}
		}
	}
	if hasArithmetic(text) {
		if _, ok := k.keywords["math"]; ok {
			scores["math"] += 2
			total += 2
		}
	}

	res := Result{Category: k.fallback, Confidence: 0.3, ModelVersion: KeywordModelVersion}
	best := 0
	for _, c := range k.categories {
		if scores[c] > best {
			best = scores[c]
			res.Category = c
		}
	}
	if best > 0 {
		share := float64(best) / float64(total)
		strength := math.Min(1, float64(best)/2)
		res.Confidence = math.Round((0.4+0.6*share*strength)*1e4) / 1e4
	}
	res.Difficulty = difficulty(tokens)
	return res, nil
}

func (k *KeywordClassifier) ClassifyBatch(ctx context.Context, texts []string) ([]Result, error) {
	out := make([]Result, len(texts))
	for i, t := range texts {
		r, err := k.Classify(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

func difficulty(tokens []string) string {
	for _, tok := range tokens {
		for _, m := range hardMarkers {
			if tok == m {
				return "hard"
			}
		}
	}
	switch {
	case len(tokens) > 30:
		return "hard"
	case len(tokens) <= 8:
		return "easy"
	default:
		return "medium"
	}
}

func hasArithmetic(text string) bool {
	prevDigit := false
	for i, r := range text {
		if strings.ContainsRune("+-*/=^", r) && prevDigit {
			rest := strings.TrimLeft(text[i+1:], " ")
			if rest != "" && unicode.IsDigit(rune(rest[0])) {
				return true
			}
		}
		if !unicode.IsSpace(r) {
			prevDigit = unicode.IsDigit(r)
		}
	}
	return false
}

// Tokenize lowercases text and splits it on anything that is not a letter
// or a digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
