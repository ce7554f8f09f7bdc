package rules

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/rewired-gh/marketsentinel/internal/models"
)

// DefaultCooldown applies to rules that do not set one.
const DefaultCooldown = 5 * time.Minute

// ConfigError reports an invalid rule file or rule. A failed reload leaves
// the previously active rule set in place.
type ConfigError struct {
	Path  string
	Rule  string
	Index int
	Err   error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("rule config error")
	if e.Path != "" {
		fmt.Fprintf(&b, " in %s", e.Path)
	}
	if e.Rule != "" {
		fmt.Fprintf(&b, " [rule %s]", e.Rule)
	} else if e.Index >= 0 {
		fmt.Fprintf(&b, " [rule #%d]", e.Index)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// fileRule is the on-disk representation of a rule.
type fileRule struct {
	ID         string   `mapstructure:"id"`
	Instrument string   `mapstructure:"instrument"`
	Condition  string   `mapstructure:"condition"`
	Threshold  *float64 `mapstructure:"threshold"`
	K          float64  `mapstructure:"k"`
	Bound      float64  `mapstructure:"bound"`
	Cooldown   string   `mapstructure:"cooldown"`
	Priority   int      `mapstructure:"priority"`
	Severity   string   `mapstructure:"severity"`
}

// Load reads a rule file (YAML, JSON or TOML, by extension) and builds a rule set.
func Load(path string) (*RuleSet, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, &ConfigError{Path: path, Index: -1, Err: fmt.Errorf("failed to read rule file: %w", err)}
	}

	var raw []fileRule
	if err := v.UnmarshalKey("rules", &raw); err != nil {
		return nil, &ConfigError{Path: path, Index: -1, Err: fmt.Errorf("failed to unmarshal rules: %w", err)}
	}

	set, err := build(raw)
	if err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			cfgErr.Path = path
		}
		return nil, err
	}
	set.source = path
	return set, nil
}

func build(raw []fileRule) (*RuleSet, error) {
	rules := make([]Rule, 0, len(raw))
	for i, fr := range raw {
		r, err := fr.toRule()
		if err != nil {
			return nil, &ConfigError{Rule: fr.ID, Index: i, Err: err}
		}
		rules = append(rules, r)
	}
	return NewRuleSet(rules)
}

func (fr fileRule) toRule() (Rule, error) {
	cooldown := DefaultCooldown
	if strings.TrimSpace(fr.Cooldown) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(fr.Cooldown))
		if err != nil {
			return Rule{}, fmt.Errorf("invalid cooldown %q: %w", fr.Cooldown, err)
		}
		cooldown = d
	}

	severity, err := models.ParseSeverity(fr.Severity)
	if err != nil {
		return Rule{}, err
	}

	var cond Condition
	switch strings.ToLower(strings.TrimSpace(fr.Condition)) {
	case KindAbove:
		if fr.Threshold == nil {
			return Rule{}, errors.New("above requires threshold")
		}
		cond = Above{Threshold: *fr.Threshold}
	case KindBelow:
		if fr.Threshold == nil {
			return Rule{}, errors.New("below requires threshold")
		}
		cond = Below{Threshold: *fr.Threshold}
	case KindDeviation:
		cond = Deviation{K: fr.K}
	case KindRateOfChange:
		cond = RateOfChange{Bound: fr.Bound}
	default:
		return Rule{}, fmt.Errorf("unknown condition %q", fr.Condition)
	}

	return Rule{
		ID:        strings.TrimSpace(fr.ID),
		Pattern:   strings.TrimSpace(fr.Instrument),
		Condition: cond,
		Cooldown:  cooldown,
		Priority:  fr.Priority,
		Severity:  severity,
	}, nil
}

// Store holds the active rule set. Readers get the set that was current when
// they called Current; a swap never affects an evaluation already in flight.
type Store struct {
	current atomic.Pointer[RuleSet]
}

// NewStore creates a store with an initial rule set.
func NewStore(initial *RuleSet) *Store {
	s := &Store{}
	if initial == nil {
		initial = Empty()
	}
	s.current.Store(initial)
	return s
}

// Current returns the active rule set.
func (s *Store) Current() *RuleSet {
	return s.current.Load()
}

// Swap installs set and returns the previous one.
func (s *Store) Swap(set *RuleSet) *RuleSet {
	if set == nil {
		set = Empty()
	}
	return s.current.Swap(set)
}

// Reload loads path and swaps it in. On error the active set is unchanged.
func (s *Store) Reload(path string) (*RuleSet, error) {
	set, err := Load(path)
	if err != nil {
		return nil, err
	}
	s.Swap(set)
	return set, nil
}

// Watch reloads path whenever the file changes. onReload is called after each
// attempt with the new set or the error.
func (s *Store) Watch(path string, onReload func(*RuleSet, error)) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return &ConfigError{Path: path, Index: -1, Err: fmt.Errorf("failed to read rule file: %w", err)}
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		set, err := s.Reload(path)
		if onReload != nil {
			onReload(set, err)
		}
	})
	v.WatchConfig()
	return nil
}
