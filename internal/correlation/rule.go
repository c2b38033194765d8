// Package correlation provides time-windowed event correlation: matching
// incoming security events against threshold rules and synthesizing
// higher-level alerts when a burst of matching events crosses a threshold.
package correlation

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"netsentinel/internal/schema"
)

// Rule defines one correlation rule: a set of AND-ed field conditions,
// a time window, and a minimum matching-event count within that window.
type Rule struct {
	ID               string          `yaml:"id" json:"id"`
	Name             string          `yaml:"name" json:"name"`
	Description      string          `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled          bool            `yaml:"enabled" json:"enabled"`
	Severity         schema.Severity `yaml:"severity" json:"severity"`
	Priority         int             `yaml:"priority,omitempty" json:"priority,omitempty"`
	Conditions       []Condition     `yaml:"conditions" json:"conditions"`
	Window           time.Duration   `yaml:"window" json:"window"`
	Threshold        int             `yaml:"threshold" json:"threshold"`
	AggregationField string          `yaml:"aggregation_field,omitempty" json:"aggregation_field,omitempty"`
	Category         string          `yaml:"category,omitempty" json:"category,omitempty"`
	Tags             []string        `yaml:"tags,omitempty" json:"tags,omitempty"`

	// Mutated by the engine on every fire; guarded by the rule's
	// evaluation state lock.
	TriggerCount    int        `yaml:"-" json:"trigger_count"`
	LastTriggeredAt *time.Time `yaml:"-" json:"last_triggered_at,omitempty"`
}

// Condition is a single field-match predicate.
type Condition struct {
	Field    string   `yaml:"field" json:"field"`
	Operator string   `yaml:"operator" json:"operator"` // eq, ne, contains, prefix, regex, in, gt, gte, lt, lte, exists
	Value    any      `yaml:"value,omitempty" json:"value,omitempty"`
	Values   []string `yaml:"values,omitempty" json:"values,omitempty"` // for "in"
}

// Validate validates the rule configuration.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule ID is required")
	}
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.Threshold < 1 {
		return fmt.Errorf("rule %s: threshold must be >= 1", r.ID)
	}
	if r.Window <= 0 {
		return fmt.Errorf("rule %s: window must be > 0", r.ID)
	}
	if !r.Severity.IsValid() {
		return fmt.Errorf("rule %s: invalid severity %q", r.ID, r.Severity)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rule %s: at least one condition is required", r.ID)
	}
	for i, cond := range r.Conditions {
		if err := cond.Validate(); err != nil {
			return fmt.Errorf("rule %s: condition %d: %w", r.ID, i, err)
		}
	}
	return nil
}

// Validate validates a condition.
func (c *Condition) Validate() error {
	if c.Field == "" {
		return fmt.Errorf("field is required")
	}
	switch c.Operator {
	case "eq", "ne", "contains", "prefix", "gt", "gte", "lt", "lte", "exists":
	case "regex":
		if _, err := regexp.Compile(fmt.Sprintf("%v", c.Value)); err != nil {
			return fmt.Errorf("invalid regex: %w", err)
		}
	case "in":
		if len(c.Values) == 0 {
			return fmt.Errorf("values required for in operator")
		}
	default:
		return fmt.Errorf("invalid operator: %s", c.Operator)
	}
	return nil
}

// Match checks a field value against the condition. A malformed
// condition (bad regex, non-numeric operand for a numeric operator)
// returns an error so the engine can skip the owning rule.
func (c *Condition) Match(value any) (bool, error) {
	switch c.Operator {
	case "eq":
		return matchEquals(value, c.Value), nil
	case "ne":
		return !matchEquals(value, c.Value), nil
	case "contains":
		return strings.Contains(asString(value), asString(c.Value)), nil
	case "prefix":
		return strings.HasPrefix(asString(value), asString(c.Value)), nil
	case "regex":
		re, err := regexp.Compile(asString(c.Value))
		if err != nil {
			return false, fmt.Errorf("field %s: bad regex: %w", c.Field, err)
		}
		return re.MatchString(asString(value)), nil
	case "in":
		s := asString(value)
		for _, v := range c.Values {
			if s == v {
				return true, nil
			}
		}
		return false, nil
	case "gt", "gte", "lt", "lte":
		ev, ok1 := toFloat64(value)
		cv, ok2 := toFloat64(c.Value)
		if !ok2 {
			return false, fmt.Errorf("field %s: non-numeric operand %v for %s", c.Field, c.Value, c.Operator)
		}
		if !ok1 {
			return false, nil
		}
		switch c.Operator {
		case "gt":
			return ev > cv, nil
		case "gte":
			return ev >= cv, nil
		case "lt":
			return ev < cv, nil
		case "lte":
			return ev <= cv, nil
		}
	case "exists":
		return value != nil && value != "", nil
	}
	return false, fmt.Errorf("field %s: unknown operator %s", c.Field, c.Operator)
}

func matchEquals(value, expected any) bool {
	if ev, ok := toFloat64(value); ok {
		if cv, ok := toFloat64(expected); ok {
			return ev == cv
		}
	}
	return asString(value) == asString(expected)
}

func asString(v any) string {
	return fmt.Sprintf("%v", v)
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%f", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

// ParseRule parses a rule from YAML bytes.
func ParseRule(data []byte) (*Rule, error) {
	var rule Rule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("failed to parse rule: %w", err)
	}
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rule: %w", err)
	}
	return &rule, nil
}

// ParseRules parses multiple rules from YAML bytes. A document holding
// a single rule object is also accepted.
func ParseRules(data []byte) ([]*Rule, error) {
	var rules []*Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		rule, singleErr := ParseRule(data)
		if singleErr != nil {
			return nil, fmt.Errorf("failed to parse rules: %w", err)
		}
		return []*Rule{rule}, nil
	}
	for i, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return rules, nil
}
