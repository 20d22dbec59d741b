// Package normalizer turns raw per-condition model scores into severity-tagged
// analysis outcomes.
package normalizer

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// DefaultTimestampLayout renders like a browser's en-US toLocaleString.
const DefaultTimestampLayout = "1/2/2006, 3:04:05 PM"

// Rounding selects how percentages are rounded.
type Rounding string

const (
	// RoundWhole rounds half-up to an integer percentage.
	RoundWhole Rounding = "whole"
	// RoundHundredths rounds half-up to two decimal places.
	RoundHundredths Rounding = "hundredths"
)

// OutOfRange selects what happens to probabilities outside [0,1].
type OutOfRange string

const (
	// RejectOutOfRange fails the whole batch with a *MalformedScoreError.
	RejectOutOfRange OutOfRange = "reject"
	// ClampOutOfRange pulls the value to the nearest bound and continues.
	ClampOutOfRange OutOfRange = "clamp"
)

// ConditionResult is the display model for one scored condition.
type ConditionResult struct {
	Condition   string   `json:"condition"`
	Probability float64  `json:"probability"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// AnalysisOutcome is the normalized result of one analysis run.
type AnalysisOutcome struct {
	Results     []ConditionResult `json:"results"`
	OverallRisk Severity          `json:"overallRisk"`
	Timestamp   string            `json:"timestamp"`
}

// Input carries everything BuildOutcome needs. Endpoint and Scheme are explicit so
// concurrent callers can use different policies.
type Input struct {
	Endpoint            Endpoint
	Scheme              Scheme
	Scores              RawScoreMap
	AggregateConfidence *float64
}

// Options configures a Normalizer. Zero values fall back to defaults.
type Options struct {
	Rounding        Rounding
	OutOfRange      OutOfRange
	TimestampLayout string
	Location        *time.Location
	Now             func() time.Time
}

// Normalizer applies rounding, range and timestamp policy. It is immutable and
// safe for concurrent use.
type Normalizer struct {
	rounding   Rounding
	outOfRange OutOfRange
	layout     string
	location   *time.Location
	now        func() time.Time
}

// New builds a Normalizer from options.
func New(opts Options) (*Normalizer, error) {
	n := &Normalizer{
		rounding:   opts.Rounding,
		outOfRange: opts.OutOfRange,
		layout:     opts.TimestampLayout,
		location:   opts.Location,
		now:        opts.Now,
	}
	switch n.rounding {
	case "":
		n.rounding = RoundWhole
	case RoundWhole, RoundHundredths:
	default:
		return nil, fmt.Errorf("unknown rounding mode %q", opts.Rounding)
	}
	switch n.outOfRange {
	case "":
		n.outOfRange = RejectOutOfRange
	case RejectOutOfRange, ClampOutOfRange:
	default:
		return nil, fmt.Errorf("unknown out-of-range policy %q", opts.OutOfRange)
	}
	if n.layout == "" {
		n.layout = DefaultTimestampLayout
	}
	if n.location == nil {
		n.location = time.Local
	}
	if n.now == nil {
		n.now = time.Now
	}
	return n, nil
}

// Normalize converts scores into display results in input order.
func (n *Normalizer) Normalize(scores RawScoreMap, scheme Scheme) ([]ConditionResult, error) {
	checked, err := n.validate(scores)
	if err != nil {
		return nil, err
	}

	results := make([]ConditionResult, 0, len(checked))
	for _, s := range checked {
		percent := n.percentage(s.Probability)
		severity := ClassifySeverity(s.Probability, scheme)
		name := displayName(s.Condition)
		results = append(results, ConditionResult{
			Condition:   name,
			Probability: percent,
			Severity:    severity,
			Description: describe(name, percent, severity),
		})
	}
	return results, nil
}

// DeriveOverallRisk classifies the aggregate confidence when supplied, otherwise
// the highest per-condition probability.
func (n *Normalizer) DeriveOverallRisk(scores RawScoreMap, scheme Scheme, aggregate *float64) (Severity, error) {
	if aggregate != nil {
		value, err := n.checkProbability("", *aggregate)
		if err != nil {
			return "", err
		}
		return ClassifySeverity(value, scheme), nil
	}

	checked, err := n.validate(scores)
	if err != nil {
		return "", err
	}
	highest, ok := checked.Max()
	if !ok {
		return "", &EmptyInputError{}
	}
	return ClassifySeverity(highest, scheme), nil
}

// BuildOutcome normalizes the scores, derives the overall risk and stamps a
// display timestamp. The overall tier is never below the highest result tier.
func (n *Normalizer) BuildOutcome(in Input) (*AnalysisOutcome, error) {
	if len(in.Scores) == 0 && in.AggregateConfidence == nil {
		return nil, &EmptyInputError{}
	}

	scheme := in.Scheme
	if scheme == "" {
		scheme = in.Endpoint.DefaultScheme()
	}

	results, err := n.Normalize(in.Scores, scheme)
	if err != nil {
		return nil, err
	}
	overall, err := n.DeriveOverallRisk(in.Scores, scheme, in.AggregateConfidence)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		overall = maxSeverity(overall, r.Severity)
	}

	return &AnalysisOutcome{
		Results:     results,
		OverallRisk: overall,
		Timestamp:   n.now().In(n.location).Format(n.layout),
	}, nil
}

func (n *Normalizer) validate(scores RawScoreMap) (RawScoreMap, error) {
	checked := make(RawScoreMap, 0, len(scores))
	seen := make(map[string]struct{}, len(scores))
	for _, s := range scores {
		if s.Condition == "" {
			return nil, &MalformedScoreError{Value: s.Probability, Reason: "condition name is empty"}
		}
		if _, dup := seen[s.Condition]; dup {
			return nil, &MalformedScoreError{Condition: s.Condition, Value: s.Probability, Reason: "duplicate condition"}
		}
		seen[s.Condition] = struct{}{}

		value, err := n.checkProbability(s.Condition, s.Probability)
		if err != nil {
			return nil, err
		}
		checked = append(checked, Score{Condition: s.Condition, Probability: value})
	}
	return checked, nil
}

func (n *Normalizer) checkProbability(condition string, value float64) (float64, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, &MalformedScoreError{Condition: condition, Value: value, Reason: "value is not a finite number"}
	}
	if value >= 0 && value <= 1 {
		return value, nil
	}
	if n.outOfRange == ClampOutOfRange {
		return math.Min(1, math.Max(0, value)), nil
	}
	return 0, &MalformedScoreError{Condition: condition, Value: value, Reason: "probability outside [0,1]"}
}

// percentage converts a probability to a half-up rounded percentage in [0,100].
// The product is first snapped to 1e-9 so 0.285 becomes 28.5 rather than 28.4999.
func (n *Normalizer) percentage(probability float64) float64 {
	scaled := math.Round(probability*100*1e9) / 1e9
	var rounded float64
	if n.rounding == RoundHundredths {
		rounded = math.Floor(math.Round(scaled*100*1e6)/1e6+0.5) / 100
	} else {
		rounded = math.Floor(scaled + 0.5)
	}
	return math.Min(100, math.Max(0, rounded))
}

func displayName(condition string) string {
	r, size := utf8.DecodeRuneInString(condition)
	if r == utf8.RuneError || !unicode.IsLower(r) {
		return condition
	}
	return string(unicode.ToUpper(r)) + condition[size:]
}

func describe(condition string, percent float64, severity Severity) string {
	var advice string
	switch severity {
	case SeverityHigh:
		advice = "Please consult an ophthalmologist promptly."
	case SeverityMedium:
		advice = "Regular monitoring recommended."
	default:
		advice = "Maintain regular check-ups."
	}
	return fmt.Sprintf("%s detected with %s%% probability. %s", condition, formatPercent(percent), advice)
}

func formatPercent(percent float64) string {
	s := fmt.Sprintf("%.2f", percent)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
