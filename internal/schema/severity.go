package schema

import (
	"fmt"
	"strings"
)

// Severity is the single ordered severity scale used throughout the
// pipeline. Telemetry sources use mixed encodings (strings in ban and
// firewall events, integers 1-4 in Suricata alerts); ParseSeverity
// normalizes them at the ingestion boundary.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal position of the severity, info < low <
// medium < high < critical. Unknown values rank as info.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// IsValid checks if the severity is a known value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// suricataSeverity maps Suricata's numeric severity (1 = most severe)
// to the canonical scale. The mapping is deliberately explicit rather
// than computed so operators can audit it.
var suricataSeverity = map[int]Severity{
	1: SeverityCritical,
	2: SeverityHigh,
	3: SeverityMedium,
	4: SeverityLow,
}

// ParseSeverity normalizes a severity value from any telemetry source.
// Unrecognized inputs normalize to info rather than failing: severity
// is advisory, not load-bearing, at the ingestion boundary.
func ParseSeverity(v any) Severity {
	switch val := v.(type) {
	case Severity:
		if val.IsValid() {
			return val
		}
	case string:
		s := Severity(strings.ToLower(strings.TrimSpace(val)))
		if s.IsValid() {
			return s
		}
	case int:
		if s, ok := suricataSeverity[val]; ok {
			return s
		}
	case float64:
		if s, ok := suricataSeverity[int(val)]; ok {
			return s
		}
	}
	return SeverityInfo
}

// MaxSeverity returns the more severe of two values.
func MaxSeverity(a, b Severity) Severity {
	if a.Rank() >= b.Rank() {
		return a
	}
	return b
}

// String implements fmt.Stringer.
func (s Severity) String() string {
	if s.IsValid() {
		return string(s)
	}
	return fmt.Sprintf("unknown(%s)", string(s))
}
