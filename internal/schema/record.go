// Package schema turns raw upload records into canonical questions and
// answers and guards the question/answer separation.
package schema

import "strings"

type RecordType string

const (
	TypeQuestion RecordType = "question"
	TypeAnswer   RecordType = "answer"
)

// Record is one raw row of an upload, before validation.
type Record struct {
	// Position is the 1-based position of the record in the upload.
	Position int
	Fields   map[string]any
	// Err is set when the raw row could not be decoded into fields.
	Err error
}

// Reserved field names. Any other top-level field becomes metadata.
const (
	FieldType       = "type"
	FieldID         = "id"
	FieldQuestionID = "question_id"
	FieldText       = "text"
	FieldCategory   = "category"
	FieldDifficulty = "difficulty"
	FieldMetadata   = "metadata"
)

var reservedFields = map[string]bool{
	FieldType:       true,
	FieldID:         true,
	FieldQuestionID: true,
	FieldText:       true,
	FieldCategory:   true,
	FieldDifficulty: true,
	FieldMetadata:   true,
}

// answerShapedFields may never appear with a value on a question record.
var answerShapedFields = []string{"answer_text", "answer", "answers", "answer_id", "correct_answer"}

// questionShapedFields may never appear with a value on an answer record.
var questionShapedFields = []string{"question_text", FieldCategory, FieldDifficulty}

func (r Record) Type() RecordType {
	return RecordType(strings.ToLower(r.String(FieldType)))
}

// String returns the trimmed string form of a scalar field, "" when absent.
func (r Record) String(key string) string {
	v, ok := r.Fields[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(scalarString(v))
}

func (r Record) has(key string) bool {
	v, ok := r.Fields[key]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}
