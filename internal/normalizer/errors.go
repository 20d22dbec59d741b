package normalizer

import "fmt"

// EmptyInputError reports an analysis with neither per-condition scores nor an
// aggregate confidence to derive a verdict from.
type EmptyInputError struct{}

func (*EmptyInputError) Error() string {
	return "no condition scores and no aggregate confidence to analyze"
}

// MalformedScoreError reports a score value that cannot be used as a probability.
type MalformedScoreError struct {
	Condition string
	Value     float64
	Reason    string
}

func (e *MalformedScoreError) Error() string {
	if e.Condition == "" {
		return fmt.Sprintf("malformed score: %s", e.Reason)
	}
	return fmt.Sprintf("malformed score for %q: %s", e.Condition, e.Reason)
}
