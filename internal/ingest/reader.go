package ingest

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"datacuration/internal/errs"
	"datacuration/internal/model"
	"datacuration/internal/schema"
)

// Batch is a contiguous slice of the upload. Start and End are 1-based
// record positions, inclusive.
type Batch struct {
	Seq     int
	Start   int
	End     int
	Records []schema.Record
}

type decoder interface {
	// next returns io.EOF after the last record. A *recordError means only
	// the current record is unreadable; any other error is fatal.
	next() (map[string]any, error)
}

type recordError struct{ msg string }

func (e *recordError) Error() string { return e.msg }

// BatchReader yields batches without ever holding more than one batch of
// records in memory.
type BatchReader struct {
	dec  decoder
	size int
	pos  int
	seq  int
	done bool
}

func NewBatchReader(r io.Reader, format model.SourceFormat, size int) (*BatchReader, error) {
	if size <= 0 {
		return nil, fmt.Errorf("batch size must be positive")
	}
	var (
		dec decoder
		err error
	)
	switch format {
	case model.FormatCSV:
		dec, err = newCSVDecoder(r)
	case model.FormatJSON:
		dec, err = newJSONDecoder(r)
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return &BatchReader{dec: dec, size: size}, nil
}

// Next returns the next batch, or io.EOF when the upload is exhausted.
func (b *BatchReader) Next() (*Batch, error) {
	if b.done {
		return nil, io.EOF
	}
	batch := &Batch{Seq: b.seq + 1, Start: b.pos + 1}
	for len(batch.Records) < b.size {
		fields, err := b.dec.next()
		if errors.Is(err, io.EOF) {
			b.done = true
			break
		}
		b.pos++
		var recErr *recordError
		if errors.As(err, &recErr) {
			batch.Records = append(batch.Records, schema.Record{Position: b.pos, Err: recErr})
			continue
		}
		if err != nil {
			e := errs.Validation("", "malformed upload: "+err.Error())
			e.Record = b.pos
			return nil, e
		}
		batch.Records = append(batch.Records, schema.Record{Position: b.pos, Fields: fields})
	}
	if len(batch.Records) == 0 {
		return nil, io.EOF
	}
	b.seq++
	batch.End = b.pos
	return batch, nil
}

type csvDecoder struct {
	r      *csv.Reader
	header []string
}

func newCSVDecoder(r io.Reader) (*csvDecoder, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = false
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errs.Validation("", "csv upload has no header row")
		}
		return nil, errs.Validation("", "read csv header: "+err.Error())
	}
	cols := make([]string, len(header))
	for i, h := range header {
		h = strings.TrimPrefix(h, "\ufeff")
		cols[i] = strings.ToLower(strings.TrimSpace(h))
	}
	return &csvDecoder{r: cr, header: cols}, nil
}

func (d *csvDecoder) next() (map[string]any, error) {
	row, err := d.r.Read()
	if err != nil {
		var pe *csv.ParseError
		if errors.As(err, &pe) && errors.Is(pe.Err, csv.ErrFieldCount) {
			return nil, &recordError{msg: fmt.Sprintf("row has %d fields, header has %d", len(row), len(d.header))}
		}
		return nil, err
	}
	fields := make(map[string]any, len(row))
	for i, col := range d.header {
		if col == "" {
			continue
		}
		val := row[i]
		if col == schema.FieldMetadata && strings.HasPrefix(strings.TrimSpace(val), "{") {
			var m map[string]any
			dec := json.NewDecoder(strings.NewReader(val))
			dec.UseNumber()
			if err := dec.Decode(&m); err == nil {
				fields[col] = m
				continue
			}
		}
		fields[col] = val
	}
	return fields, nil
}

type jsonDecoder struct {
	dec   *json.Decoder
	array bool
	ended bool
}

// newJSONDecoder accepts a top-level array of objects or NDJSON.
func newJSONDecoder(r io.Reader) (*jsonDecoder, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	d := &jsonDecoder{dec: json.NewDecoder(br)}
	d.dec.UseNumber()
	if first == '[' {
		if _, err := d.dec.Token(); err != nil {
			return nil, errs.Validation("", "read json array: "+err.Error())
		}
		d.array = true
	}
	return d, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n', 0xEF, 0xBB, 0xBF:
			if _, err := br.ReadByte(); err != nil {
				return 0, err
			}
			continue
		}
		return b[0], nil
	}
}

func (d *jsonDecoder) next() (map[string]any, error) {
	if d.ended {
		return nil, io.EOF
	}
	if d.array && !d.dec.More() {
		if _, err := d.dec.Token(); err != nil {
			return nil, err
		}
		d.ended = true
		return nil, io.EOF
	}
	var v any
	if err := d.dec.Decode(&v); err != nil {
		if errors.Is(err, io.EOF) && !d.array {
			d.ended = true
			return nil, io.EOF
		}
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &recordError{msg: fmt.Sprintf("record is %T, want object", v)}
	}
	return obj, nil
}
