package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"carbonrecycling-backend/internal/metricsource"
	"carbonrecycling-backend/internal/rules"
)

// ErrZeroReference marks a percentage-change condition whose reference
// resolved to zero. The rule is skipped for the cycle, never fired.
var ErrZeroReference = errors.New("reference value is zero")

type Evaluation struct {
	Met    bool
	Actual any
	Limit  string
	Series []metricsource.Sample
}

type Evaluator struct {
	Metrics    metricsource.Source
	References metricsource.ReferenceSource
	Now        func() time.Time
}

func (e *Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Evaluator) EvaluateCondition(ctx context.Context, orgID string, cond rules.Condition) (Evaluation, error) {
	window := rules.WindowOrDefault(cond.TimeWindow)
	until := e.now()
	since := until.Add(-window)
	samples, err := e.Metrics.FetchSeries(ctx, orgID, cond.Field, since, until)
	if err != nil {
		return Evaluation{}, &rules.DataUnavailableError{Field: cond.Field, Cause: err}
	}

	switch cond.Operator {
	case rules.OpMissingData:
		return Evaluation{
			Met:    len(samples) == 0,
			Actual: len(samples),
			Limit:  fmt.Sprintf("no samples in %s", window),
			Series: samples,
		}, nil
	case rules.OpContains, rules.OpNotContains:
		return evaluateSubstring(cond, samples)
	}

	actual, ok := reduce(samples, cond.Aggregation)
	if !ok {
		return Evaluation{}, &rules.DataUnavailableError{Field: cond.Field, Cause: metricsource.ErrNoSamples}
	}

	if cond.Operator == rules.OpPercentageChange {
		ref, err := e.resolveReference(ctx, orgID, cond, since, window)
		if err != nil {
			return Evaluation{}, err
		}
		if ref == 0 {
			return Evaluation{}, fmt.Errorf("field %s: %w", cond.Field, ErrZeroReference)
		}
		pct := math.Abs((actual-ref)/ref) * 100
		return Evaluation{
			Met:    pct >= cond.Value,
			Actual: pct,
			Limit:  fmt.Sprintf("change >= %v%% vs %s", cond.Value, cond.CompareWith),
			Series: samples,
		}, nil
	}

	return evaluateNumeric(cond, actual, samples)
}

func evaluateNumeric(cond rules.Condition, actual float64, samples []metricsource.Sample) (Evaluation, error) {
	eval := Evaluation{Actual: actual, Series: samples}
	switch cond.Operator {
	case rules.OpGreaterThan:
		eval.Met = actual > cond.Value
		eval.Limit = fmt.Sprintf("> %v", cond.Value)
	case rules.OpGreaterThanOrEqual:
		eval.Met = actual >= cond.Value
		eval.Limit = fmt.Sprintf(">= %v", cond.Value)
	case rules.OpLessThan:
		eval.Met = actual < cond.Value
		eval.Limit = fmt.Sprintf("< %v", cond.Value)
	case rules.OpLessThanOrEqual:
		eval.Met = actual <= cond.Value
		eval.Limit = fmt.Sprintf("<= %v", cond.Value)
	case rules.OpEquals:
		eval.Met = actual == cond.Value
		eval.Limit = fmt.Sprintf("== %v", cond.Value)
	case rules.OpNotEquals:
		eval.Met = actual != cond.Value
		eval.Limit = fmt.Sprintf("!= %v", cond.Value)
	case rules.OpInRange:
		if len(cond.Range) != 2 {
			return Evaluation{}, fmt.Errorf("operator %s needs a two-element range", cond.Operator)
		}
		eval.Met = actual >= cond.Range[0] && actual <= cond.Range[1]
		eval.Limit = fmt.Sprintf("between %v and %v", cond.Range[0], cond.Range[1])
	case rules.OpOutOfRange:
		if len(cond.Range) != 2 {
			return Evaluation{}, fmt.Errorf("operator %s needs a two-element range", cond.Operator)
		}
		eval.Met = actual < cond.Range[0] || actual > cond.Range[1]
		eval.Limit = fmt.Sprintf("outside %v and %v", cond.Range[0], cond.Range[1])
	default:
		return Evaluation{}, fmt.Errorf("unsupported operator %q", cond.Operator)
	}
	return eval, nil
}

func evaluateSubstring(cond rules.Condition, samples []metricsource.Sample) (Evaluation, error) {
	if len(samples) == 0 {
		return Evaluation{}, &rules.DataUnavailableError{Field: cond.Field, Cause: metricsource.ErrNoSamples}
	}
	latest := samples[0]
	text := latest.Text
	if text == "" {
		text = strconv.FormatFloat(latest.Value, 'f', -1, 64)
	}
	met := strings.Contains(text, cond.Match)
	limit := fmt.Sprintf("contains %q", cond.Match)
	if cond.Operator == rules.OpNotContains {
		met = !met
		limit = fmt.Sprintf("not contains %q", cond.Match)
	}
	return Evaluation{Met: met, Actual: text, Limit: limit, Series: samples}, nil
}

// reduce folds a newest-first series into a single value. SUM and
// COUNT are defined on an empty series; the rest are not.
func reduce(samples []metricsource.Sample, agg rules.Aggregation) (float64, bool) {
	switch agg {
	case rules.AggSum:
		sum := 0.0
		for _, s := range samples {
			sum += s.Value
		}
		return sum, true
	case rules.AggCount:
		return float64(len(samples)), true
	case rules.AggAverage:
		if len(samples) == 0 {
			return 0, false
		}
		sum := 0.0
		for _, s := range samples {
			sum += s.Value
		}
		return sum / float64(len(samples)), true
	case rules.AggMin:
		if len(samples) == 0 {
			return 0, false
		}
		min := samples[0].Value
		for _, s := range samples[1:] {
			if s.Value < min {
				min = s.Value
			}
		}
		return min, true
	case rules.AggMax:
		if len(samples) == 0 {
			return 0, false
		}
		max := samples[0].Value
		for _, s := range samples[1:] {
			if s.Value > max {
				max = s.Value
			}
		}
		return max, true
	case rules.AggLatest, "":
		if len(samples) == 0 {
			return 0, false
		}
		return samples[0].Value, true
	default:
		return 0, false
	}
}

func (e *Evaluator) resolveReference(ctx context.Context, orgID string, cond rules.Condition, since time.Time, window time.Duration) (float64, error) {
	switch cond.CompareWith {
	case rules.ComparePreviousPeriod:
		prev, err := e.Metrics.FetchSeries(ctx, orgID, cond.Field, since.Add(-window), since)
		if err != nil {
			return 0, &rules.DataUnavailableError{Field: cond.Field, Cause: err}
		}
		ref, ok := reduce(prev, cond.Aggregation)
		if !ok {
			return 0, &rules.DataUnavailableError{Field: cond.Field, Cause: metricsource.ErrNoSamples}
		}
		return ref, nil
	case rules.CompareBaseline:
		return e.referenceValue(cond.Field, func() (float64, error) {
			return e.References.Baseline(ctx, orgID, cond.Field)
		})
	case rules.CompareTarget:
		return e.referenceValue(cond.Field, func() (float64, error) {
			return e.References.Target(ctx, orgID, cond.Field)
		})
	case rules.CompareIndustryAverage:
		return e.referenceValue(cond.Field, func() (float64, error) {
			return e.References.IndustryAverage(ctx, orgID, cond.Field)
		})
	case rules.CompareFixedValue:
		return cond.Value, nil
	default:
		return 0, fmt.Errorf("unsupported comparison base %q", cond.CompareWith)
	}
}

func (e *Evaluator) referenceValue(field string, fetch func() (float64, error)) (float64, error) {
	if e.References == nil {
		return 0, &rules.DataUnavailableError{Field: field, Cause: errors.New("reference source not configured")}
	}
	val, err := fetch()
	if err != nil {
		return 0, &rules.DataUnavailableError{Field: field, Cause: err}
	}
	return val, nil
}
