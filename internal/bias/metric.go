package bias

import "math"

const (
	DemographicParityDifference = "demographic_parity_difference"
	StatisticalParityDifference = "statistical_parity_difference"
	EqualizedOddsDifference     = "equalized_odds_difference"
)

type Report struct {
	SampleSize int                        `json:"sample_size"`
	Attributes map[string]AttributeReport `json:"attributes"`
}

type AttributeReport struct {
	Missing int               `json:"missing"`
	Groups  []GroupStats      `json:"groups"`
	Metrics map[string]Metric `json:"metrics"`
}

type GroupStats struct {
	Value             string   `json:"value"`
	Status            string   `json:"status"`
	Count             int      `json:"count"`
	Outcomes          int      `json:"outcomes"`
	Positives         int      `json:"positives"`
	Labeled           int      `json:"labeled"`
	SelectionRate     *float64 `json:"selection_rate,omitempty"`
	TruePositiveRate  *float64 `json:"true_positive_rate,omitempty"`
	FalsePositiveRate *float64 `json:"false_positive_rate,omitempty"`
}

// Metric is one fairness measurement. Value is nil unless Status is ok.
type Metric struct {
	Status string   `json:"status"`
	Value  *float64 `json:"value,omitempty"`
	// Group is set when the value belongs to one group, as for statistical parity.
	Group  string `json:"group,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type MetricFunc interface {
	Name() string
	Compute(groups []GroupStats, labeled bool) Metric
}

func Metrics() []MetricFunc {
	return []MetricFunc{demographicParity{}, statisticalParity{}, equalizedOdds{}}
}

func sufficient(groups []GroupStats) []GroupStats {
	var out []GroupStats
	for _, g := range groups {
		if g.Status == StatusOK {
			out = append(out, g)
		}
	}
	return out
}

func anyOutcomes(groups []GroupStats) bool {
	for _, g := range groups {
		if g.Outcomes > 0 {
			return true
		}
	}
	return false
}

// rateGate returns a non-nil Metric when a rate-based metric cannot be computed.
func rateGate(groups []GroupStats) *Metric {
	if !anyOutcomes(groups) {
		return &Metric{Status: StatusUnavailable, Reason: "no outcome values"}
	}
	if len(sufficient(groups)) < 2 {
		return &Metric{Status: StatusInsufficientData, Reason: "fewer than two groups meet the minimum size"}
	}
	return nil
}

func ok(v float64) Metric {
	v = math.Round(v*1e9) / 1e9
	return Metric{Status: StatusOK, Value: &v}
}

// demographicParity is the spread between the highest and lowest selection rate.
type demographicParity struct{}

func (demographicParity) Name() string { return DemographicParityDifference }

func (demographicParity) Compute(groups []GroupStats, _ bool) Metric {
	if m := rateGate(groups); m != nil {
		return *m
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, g := range sufficient(groups) {
		lo = math.Min(lo, *g.SelectionRate)
		hi = math.Max(hi, *g.SelectionRate)
	}
	return ok(hi - lo)
}

// statisticalParity compares each group with everyone else in the attribute
// and reports the signed difference with the largest magnitude.
type statisticalParity struct{}

func (statisticalParity) Name() string { return StatisticalParityDifference }

func (statisticalParity) Compute(groups []GroupStats, _ bool) Metric {
	if m := rateGate(groups); m != nil {
		return *m
	}
	totalOutcomes, totalPositives := 0, 0
	for _, g := range groups {
		totalOutcomes += g.Outcomes
		totalPositives += g.Positives
	}

	var (
		best  float64
		group string
		found bool
	)
	for _, g := range sufficient(groups) {
		restN := totalOutcomes - g.Outcomes
		if restN == 0 {
			continue
		}
		rest := float64(totalPositives-g.Positives) / float64(restN)
		d := *g.SelectionRate - rest
		if !found || math.Abs(d) > math.Abs(best) {
			best, group, found = d, g.Value, true
		}
	}
	if !found {
		return Metric{Status: StatusInsufficientData, Reason: "no comparison group"}
	}
	m := ok(best)
	m.Group = group
	return m
}

// equalizedOdds is the larger of the true positive rate spread and the false
// positive rate spread across groups. It needs ground-truth labels.
type equalizedOdds struct{}

func (equalizedOdds) Name() string { return EqualizedOddsDifference }

func (equalizedOdds) Compute(groups []GroupStats, labeled bool) Metric {
	if !labeled {
		return Metric{Status: StatusUnavailable, Reason: "no label values"}
	}
	if m := rateGate(groups); m != nil {
		return *m
	}
	tpr := spread(groups, func(g GroupStats) *float64 { return g.TruePositiveRate })
	fpr := spread(groups, func(g GroupStats) *float64 { return g.FalsePositiveRate })
	switch {
	case tpr == nil && fpr == nil:
		return Metric{Status: StatusInsufficientData, Reason: "fewer than two groups have enough labeled records"}
	case tpr == nil:
		return ok(*fpr)
	case fpr == nil:
		return ok(*tpr)
	default:
		return ok(math.Max(*tpr, *fpr))
	}
}

func spread(groups []GroupStats, rate func(GroupStats) *float64) *float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	n := 0
	for _, g := range sufficient(groups) {
		r := rate(g)
		if r == nil {
			continue
		}
		lo = math.Min(lo, *r)
		hi = math.Max(hi, *r)
		n++
	}
	if n < 2 {
		return nil
	}
	d := hi - lo
	return &d
}
