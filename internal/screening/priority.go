package screening

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// PriorityLevel is the triage classification of a screening record.
type PriorityLevel string

const (
	// PriorityNone means the record has not been classified yet.
	PriorityNone PriorityLevel = ""

	PriorityCritical PriorityLevel = "critical"
	PriorityUrgent   PriorityLevel = "urgent"
	PriorityModerate PriorityLevel = "moderate"
	PriorityRoutine  PriorityLevel = "routine"
	PriorityNormal   PriorityLevel = "normal"
)

// Levels lists the classified priority levels from most to least severe.
var Levels = []PriorityLevel{PriorityCritical, PriorityUrgent, PriorityModerate, PriorityRoutine, PriorityNormal}

// Rank orders priority levels for queue sorting. Higher is more severe, none is 0.
func (p PriorityLevel) Rank() int {
	switch p {
	case PriorityCritical:
		return 5
	case PriorityUrgent:
		return 4
	case PriorityModerate:
		return 3
	case PriorityRoutine:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is one of the classified levels.
func (p PriorityLevel) Valid() bool {
	return p.Rank() > 0
}

func (p PriorityLevel) String() string {
	if p == PriorityNone {
		return "none"
	}
	return string(p)
}

// ParsePriority parses a classified priority level name.
func ParsePriority(s string) (PriorityLevel, error) {
	p := PriorityLevel(s)
	if !p.Valid() {
		return PriorityNone, fmt.Errorf("unknown priority level %q", s)
	}
	return p, nil
}

// Policy holds the lower score bound (inclusive) of each band above normal.
// Scores below Routine classify as normal.
type Policy struct {
	Critical float64 `yaml:"critical"`
	Urgent   float64 `yaml:"urgent"`
	Moderate float64 `yaml:"moderate"`
	Routine  float64 `yaml:"routine"`
}

// DefaultPolicy is the standard threshold table.
func DefaultPolicy() Policy {
	return Policy{Critical: 90, Urgent: 75, Moderate: 50, Routine: 25}
}

// Validate checks that thresholds are strictly descending within (0, 100].
func (p Policy) Validate() error {
	var errs []error
	bounds := []struct {
		name string
		v    float64
	}{
		{"critical", p.Critical},
		{"urgent", p.Urgent},
		{"moderate", p.Moderate},
		{"routine", p.Routine},
	}
	for i, b := range bounds {
		if math.IsNaN(b.v) || b.v <= 0 || b.v > 100 {
			errs = append(errs, fmt.Errorf("%s threshold %v must be in (0, 100]", b.name, b.v))
		}
		if i > 0 && b.v >= bounds[i-1].v {
			errs = append(errs, fmt.Errorf("%s threshold %v must be below %s threshold %v", b.name, b.v, bounds[i-1].name, bounds[i-1].v))
		}
	}
	return errors.Join(errs...)
}

// Classify maps an overall risk score to a priority level. It is total:
// out-of-range scores are clamped and NaN is treated as the worst case.
func (p Policy) Classify(score float64) PriorityLevel {
	if math.IsNaN(score) {
		return PriorityCritical
	}
	score = clampScore(score)
	switch {
	case score >= p.Critical:
		return PriorityCritical
	case score >= p.Urgent:
		return PriorityUrgent
	case score >= p.Moderate:
		return PriorityModerate
	case score >= p.Routine:
		return PriorityRoutine
	default:
		return PriorityNormal
	}
}

// Classify maps a score using DefaultPolicy.
func Classify(score float64) PriorityLevel {
	return DefaultPolicy().Classify(score)
}

// LoadPolicy reads a YAML threshold file. Missing keys keep their default value.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	b, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read policy: %w", err)
	}
	if err := yaml.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

func clampScore(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
