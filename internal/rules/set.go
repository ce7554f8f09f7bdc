package rules

import (
	"errors"
	"fmt"
	"math"
	"path"
	"sort"
	"time"

	"github.com/rewired-gh/marketsentinel/internal/models"
)

// RuleSet is an immutable, validated collection of rules kept in evaluation
// order: higher Priority first, configuration order within a priority.
type RuleSet struct {
	rules    []Rule
	loadedAt time.Time
	source   string
}

// NewRuleSet validates rules and returns them as an ordered set.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	seen := make(map[string]bool, len(rules))
	ordered := make([]Rule, len(rules))
	copy(ordered, rules)

	for i, r := range ordered {
		if err := validateRule(r); err != nil {
			return nil, &ConfigError{Rule: r.ID, Index: i, Err: err}
		}
		if seen[r.ID] {
			return nil, &ConfigError{Rule: r.ID, Index: i, Err: errors.New("duplicate rule id")}
		}
		seen[r.ID] = true
		if r.Severity == "" {
			ordered[i].Severity = models.SeverityWarning
		}
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	return &RuleSet{rules: ordered, loadedAt: time.Now()}, nil
}

// Empty returns a rule set with no rules.
func Empty() *RuleSet {
	return &RuleSet{loadedAt: time.Now()}
}

// Rules returns the rules in evaluation order.
func (s *RuleSet) Rules() []Rule {
	if s == nil {
		return nil
	}
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Len returns the number of rules.
func (s *RuleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Source returns the file the set was loaded from, if any.
func (s *RuleSet) Source() string {
	if s == nil {
		return ""
	}
	return s.source
}

// LoadedAt returns when the set was built.
func (s *RuleSet) LoadedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.loadedAt
}

func validateRule(r Rule) error {
	if r.ID == "" {
		return errors.New("rule id is required")
	}
	if r.Pattern == "" {
		return errors.New("instrument pattern is required")
	}
	if _, err := path.Match(r.Pattern, ""); err != nil {
		return fmt.Errorf("invalid instrument pattern %q: %w", r.Pattern, err)
	}
	if r.Cooldown < 0 {
		return errors.New("cooldown must not be negative")
	}

	switch c := r.Condition.(type) {
	case Above:
		return finite("threshold", c.Threshold)
	case Below:
		return finite("threshold", c.Threshold)
	case Deviation:
		if err := finite("k", c.K); err != nil {
			return err
		}
		if c.K <= 0 {
			return errors.New("deviation k must be positive")
		}
	case RateOfChange:
		if err := finite("bound", c.Bound); err != nil {
			return err
		}
		if c.Bound <= 0 {
			return errors.New("rate_of_change bound must be positive")
		}
	case nil:
		return errors.New("condition is required")
	default:
		return fmt.Errorf("unsupported condition %T", c)
	}
	return nil
}

func finite(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s must be finite", name)
	}
	return nil
}
