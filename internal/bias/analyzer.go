// Package bias computes group fairness metrics over a fixed set of records.
// It is pure: callers feed it a snapshot and persist the result.
package bias

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

const (
	StatusOK               = "ok"
	StatusInsufficientData = "insufficient_data"
	StatusUnavailable      = "unavailable"
)

type Options struct {
	MinGroupSize int
	OutcomeField string
	LabelField   string
}

type counts struct {
	members   int
	outcomes  int
	positives int
	labelPos  int
	truePos   int
	labelNeg  int
	falsePos  int
}

// Analyzer accumulates records one at a time so a snapshot of any size can
// be analyzed with memory proportional to the number of groups.
type Analyzer struct {
	opts       Options
	attributes []string
	groups     map[string]map[string]*counts
	missing    map[string]int
	sampleSize int
	labeled    bool
}

func NewAnalyzer(attributes []string, opts Options) *Analyzer {
	if opts.MinGroupSize <= 0 {
		opts.MinGroupSize = 30
	}
	a := &Analyzer{
		opts:       opts,
		attributes: attributes,
		groups:     make(map[string]map[string]*counts, len(attributes)),
		missing:    make(map[string]int, len(attributes)),
	}
	for _, attr := range attributes {
		a.groups[attr] = make(map[string]*counts)
	}
	return a
}

// Add folds one record's metadata into the running counts.
func (a *Analyzer) Add(meta map[string]any) {
	a.sampleSize++
	outcome, hasOutcome := truth(meta[a.opts.OutcomeField])
	label, hasLabel := truth(meta[a.opts.LabelField])
	if hasLabel {
		a.labeled = true
	}

	for _, attr := range a.attributes {
		value, ok := groupValue(meta[attr])
		if !ok {
			a.missing[attr]++
			continue
		}
		c, ok := a.groups[attr][value]
		if !ok {
			c = &counts{}
			a.groups[attr][value] = c
		}
		c.members++
		if !hasOutcome {
			continue
		}
		c.outcomes++
		if outcome {
			c.positives++
		}
		if !hasLabel {
			continue
		}
		if label {
			c.labelPos++
			if outcome {
				c.truePos++
			}
		} else {
			c.labelNeg++
			if outcome {
				c.falsePos++
			}
		}
	}
}

// AddJSON is Add for a raw JSON metadata column. Undecodable metadata counts
// as a record missing every attribute.
func (a *Analyzer) AddJSON(raw []byte) {
	meta := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &meta)
	}
	a.Add(meta)
}

func (a *Analyzer) SampleSize() int { return a.sampleSize }

// Result computes every metric for every attribute.
func (a *Analyzer) Result() Report {
	rep := Report{SampleSize: a.sampleSize, Attributes: make(map[string]AttributeReport, len(a.attributes))}
	for _, attr := range a.attributes {
		groups := a.groupStats(attr)
		ar := AttributeReport{
			Missing: a.missing[attr],
			Groups:  groups,
			Metrics: make(map[string]Metric),
		}
		for _, m := range Metrics() {
			ar.Metrics[m.Name()] = m.Compute(groups, a.labeled)
		}
		rep.Attributes[attr] = ar
	}
	return rep
}

func (a *Analyzer) groupStats(attr string) []GroupStats {
	values := make([]string, 0, len(a.groups[attr]))
	for v := range a.groups[attr] {
		values = append(values, v)
	}
	sort.Strings(values)

	out := make([]GroupStats, 0, len(values))
	for _, v := range values {
		c := a.groups[attr][v]
		g := GroupStats{
			Value:     v,
			Count:     c.members,
			Outcomes:  c.outcomes,
			Positives: c.positives,
			Labeled:   c.labelPos + c.labelNeg,
		}
		if c.outcomes < a.opts.MinGroupSize {
			g.Status = StatusInsufficientData
			out = append(out, g)
			continue
		}
		g.Status = StatusOK
		g.SelectionRate = ratio(c.positives, c.outcomes)
		if g.Labeled >= a.opts.MinGroupSize {
			g.TruePositiveRate = ratio(c.truePos, c.labelPos)
			g.FalsePositiveRate = ratio(c.falsePos, c.labelNeg)
		}
		out = append(out, g)
	}
	return out
}

func ratio(num, den int) *float64 {
	if den == 0 {
		return nil
	}
	v := float64(num) / float64(den)
	return &v
}

// truth reads a boolean-ish value. Strings true/1/yes/y and false/0/no/n are
// accepted case-insensitively.
func truth(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case float64:
		return t != 0, true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return false, false
		}
		return f != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "y":
			return true, true
		case "false", "0", "no", "n":
			return false, true
		}
	}
	return false, false
}

func groupValue(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	case json.Number:
		return t.String(), true
	}
	return "", false
}
