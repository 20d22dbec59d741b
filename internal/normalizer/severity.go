package normalizer

import (
	"fmt"
	"strings"
)

// Severity is the three-tier risk label attached to a probability.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities so tiers can be compared; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	default:
		return 0
	}
}

func maxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Scheme names a threshold policy for bucketing probabilities.
type Scheme string

const (
	// SchemeA is low-biased: <0.5 low, [0.5,0.8) medium, >=0.8 high.
	SchemeA Scheme = "A"
	// SchemeB is high-biased: <=0.3 low, (0.3,0.7] medium, >0.7 high.
	SchemeB Scheme = "B"
)

// ParseScheme accepts "A"/"B" in any case. An empty string yields an empty scheme,
// meaning "use the endpoint default".
func ParseScheme(raw string) (Scheme, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "":
		return "", nil
	case string(SchemeA):
		return SchemeA, nil
	case string(SchemeB):
		return SchemeB, nil
	default:
		return "", fmt.Errorf("unknown threshold scheme %q", raw)
	}
}

// ClassifySeverity buckets a probability in [0,1] under the given scheme.
// Any scheme other than SchemeB is treated as SchemeA.
func ClassifySeverity(probability float64, scheme Scheme) Severity {
	if scheme == SchemeB {
		switch {
		case probability > 0.7:
			return SeverityHigh
		case probability > 0.3:
			return SeverityMedium
		default:
			return SeverityLow
		}
	}

	switch {
	case probability >= 0.8:
		return SeverityHigh
	case probability >= 0.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
