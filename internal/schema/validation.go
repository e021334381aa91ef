package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gorm.io/datatypes"

	"datacuration/internal/errs"
	"datacuration/internal/model"
)

const (
	maxMetadataKeys  = 64
	maxMetadataValue = 4096
	maxTextLength    = 64 << 10
)

var Difficulties = []string{"easy", "medium", "hard"}

var DefaultCategories = []string{"math", "science", "history", "geography", "language", "programming", "general"}

// Validator checks records against the category taxonomy.
type Validator struct {
	categories   map[string]bool
	difficulties map[string]bool
}

func NewValidator(categories []string) *Validator {
	if len(categories) == 0 {
		categories = DefaultCategories
	}
	v := &Validator{
		categories:   make(map[string]bool, len(categories)),
		difficulties: make(map[string]bool, len(Difficulties)),
	}
	for _, c := range categories {
		v.categories[strings.ToLower(strings.TrimSpace(c))] = true
	}
	for _, d := range Difficulties {
		v.difficulties[d] = true
	}
	return v
}

func (v *Validator) Categories() []string {
	out := make([]string, 0, len(v.categories))
	for c := range v.categories {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (v *Validator) ValidCategory(c string) bool   { return v.categories[c] }
func (v *Validator) ValidDifficulty(d string) bool { return v.difficulties[d] }

// ValidateQuestion builds a Question from a question record. The returned
// question has no ID or DatasetID yet.
func (v *Validator) ValidateQuestion(rec Record) (*model.Question, error) {
	if rec.Type() != TypeQuestion {
		return nil, atRecord(errs.Validation(FieldType, fmt.Sprintf("expected question record, got %q", rec.String(FieldType))), rec)
	}
	for _, f := range answerShapedFields {
		if rec.has(f) {
			return nil, atRecord(errs.SchemaViolation(f, "answer-shaped field in question record"), rec)
		}
	}
	text, err := validText(rec)
	if err != nil {
		return nil, err
	}
	meta, err := buildMetadata(rec)
	if err != nil {
		return nil, err
	}

	q := &model.Question{
		ExternalID: rec.String(FieldID),
		Text:       text,
		Metadata:   meta,
	}
	if q.ExternalID == "" {
		q.ExternalID = "row-" + strconv.Itoa(rec.Position)
	}
	if c := strings.ToLower(rec.String(FieldCategory)); c != "" {
		if !v.categories[c] {
			return nil, atRecord(errs.Validation(FieldCategory, fmt.Sprintf("unknown category %q", c)), rec)
		}
		q.Category = &c
	}
	if d := strings.ToLower(rec.String(FieldDifficulty)); d != "" {
		if !v.difficulties[d] {
			return nil, atRecord(errs.Validation(FieldDifficulty, fmt.Sprintf("unknown difficulty %q", d)), rec)
		}
		q.Difficulty = &d
	}
	return q, nil
}

// PendingAnswer is a structurally valid answer whose question reference has
// not been resolved yet.
type PendingAnswer struct {
	Answer      *model.Answer
	QuestionRef string
	Position    int
}

// CheckAnswer validates everything about an answer record except the
// question reference.
func (v *Validator) CheckAnswer(rec Record) (*PendingAnswer, error) {
	if rec.Type() != TypeAnswer {
		return nil, atRecord(errs.Validation(FieldType, fmt.Sprintf("expected answer record, got %q", rec.String(FieldType))), rec)
	}
	for _, f := range questionShapedFields {
		if rec.has(f) {
			return nil, atRecord(errs.SchemaViolation(f, "question-shaped field in answer record"), rec)
		}
	}
	text, err := validText(rec)
	if err != nil {
		return nil, err
	}
	meta, err := buildMetadata(rec)
	if err != nil {
		return nil, err
	}
	return &PendingAnswer{
		Answer: &model.Answer{
			ExternalID: rec.String(FieldID),
			Text:       text,
			Metadata:   meta,
		},
		QuestionRef: rec.String(FieldQuestionID),
		Position:    rec.Position,
	}, nil
}

// Link resolves the pending answer's question reference against known, a
// map from question external id to stored question id.
func Link(p *PendingAnswer, known map[string]uint) (*model.Answer, error) {
	id, ok := known[p.QuestionRef]
	if p.QuestionRef == "" || !ok || id == 0 {
		e := errs.OrphanAnswer(p.QuestionRef)
		e.Record = p.Position
		return nil, e
	}
	p.Answer.QuestionID = id
	return p.Answer, nil
}

// ValidateAnswer is CheckAnswer followed by Link.
func (v *Validator) ValidateAnswer(rec Record, known map[string]uint) (*model.Answer, error) {
	p, err := v.CheckAnswer(rec)
	if err != nil {
		return nil, err
	}
	return Link(p, known)
}

// AssertSeparation rejects the whole batch if any question record carries
// answer content or any answer record carries question content. It must run
// before anything in the batch is persisted.
func AssertSeparation(batch []Record) error {
	for _, rec := range batch {
		var forbidden []string
		switch rec.Type() {
		case TypeQuestion:
			forbidden = answerShapedFields
		case TypeAnswer:
			forbidden = questionShapedFields
		default:
			continue
		}
		for _, f := range forbidden {
			if rec.has(f) || metadataHas(rec, f) {
				e := errs.SchemaViolation(f, fmt.Sprintf("%s record carries %q", rec.Type(), f))
				e.Record = rec.Position
				return e
			}
		}
	}
	return nil
}

func metadataHas(rec Record, key string) bool {
	m, ok := rec.Fields[FieldMetadata].(map[string]any)
	if !ok {
		return false
	}
	sub := Record{Fields: m}
	return sub.has(key)
}

func validText(rec Record) (string, error) {
	text := rec.String(FieldText)
	if text == "" {
		return "", atRecord(errs.Validation(FieldText, "text is empty"), rec)
	}
	if len(text) > maxTextLength {
		return "", atRecord(errs.Validation(FieldText, "text too long"), rec)
	}
	return text, nil
}

// buildMetadata merges the explicit metadata object with non-reserved
// top-level fields. Only string, number and bool values are accepted.
func buildMetadata(rec Record) (datatypes.JSON, error) {
	meta := make(map[string]any)
	if raw, ok := rec.Fields[FieldMetadata]; ok && raw != nil {
		switch m := raw.(type) {
		case map[string]any:
			for k, val := range m {
				meta[k] = val
			}
		case string:
			if strings.TrimSpace(m) != "" {
				return nil, atRecord(errs.Validation(FieldMetadata, "metadata must be an object"), rec)
			}
		default:
			return nil, atRecord(errs.Validation(FieldMetadata, "metadata must be an object"), rec)
		}
	}
	for k, val := range rec.Fields {
		if reservedFields[k] {
			continue
		}
		if s, ok := val.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		meta[k] = val
	}
	if len(meta) > maxMetadataKeys {
		return nil, atRecord(errs.Validation(FieldMetadata, fmt.Sprintf("too many metadata keys (max %d)", maxMetadataKeys)), rec)
	}
	for k, val := range meta {
		clean, ok := primitive(val)
		if !ok {
			return nil, atRecord(errs.Validation("metadata."+k, "metadata values must be string, number or bool"), rec)
		}
		if s, isStr := clean.(string); isStr && len(s) > maxMetadataValue {
			return nil, atRecord(errs.Validation("metadata."+k, "metadata value too long"), rec)
		}
		meta[k] = clean
	}
	if len(meta) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, atRecord(errs.Validation(FieldMetadata, err.Error()), rec)
	}
	return datatypes.JSON(b), nil
}

func primitive(v any) (any, bool) {
	switch t := v.(type) {
	case string, bool, float64, float32, int, int64, int32, uint, uint64:
		return t, true
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f, true
		}
		return t.String(), true
	}
	return nil, false
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint:
		return strconv.FormatUint(uint64(t), 10)
	}
	return fmt.Sprint(v)
}

func atRecord(e *errs.Error, rec Record) *errs.Error {
	e.Record = rec.Position
	return e
}
