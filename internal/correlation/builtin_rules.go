package correlation

import (
	"time"

	"netsentinel/internal/schema"
)

// BuiltinRules returns the built-in correlation rules covering the
// default telemetry sources (Suricata, Fail2Ban, firewall).
func BuiltinRules() []*Rule {
	return []*Rule{
		BruteForceRule(),
		PortScanRule(),
		BanStormRule(),
		FirewallDropFloodRule(),
		IDSCriticalBurstRule(),
		DistributedAuthFailureRule(),
	}
}

// BruteForceRule detects repeated brute-force telemetry from one source.
func BruteForceRule() *Rule {
	return &Rule{
		ID:          "builtin-brute-force",
		Name:        "Brute Force Attack Detected",
		Description: "Repeated brute-force events from the same source IP",
		Enabled:     true,
		Severity:    schema.SeverityHigh,
		Priority:    10,
		Category:    "authentication",
		Tags:        []string{"authentication", "brute-force"},
		Conditions: []Condition{
			{Field: "event_type", Operator: "eq", Value: "brute_force"},
		},
		AggregationField: "source_ip",
		Window:           5 * time.Minute,
		Threshold:        5,
	}
}

// PortScanRule detects Suricata scan alerts bursting from one source.
func PortScanRule() *Rule {
	return &Rule{
		ID:          "builtin-port-scan",
		Name:        "Port Scan Detected",
		Description: "Multiple IDS scan signatures from the same source IP",
		Enabled:     true,
		Severity:    schema.SeverityMedium,
		Priority:    20,
		Category:    "reconnaissance",
		Tags:        []string{"ids", "scan"},
		Conditions: []Condition{
			{Field: "event_type", Operator: "eq", Value: "ids.alert"},
			{Field: "signature", Operator: "contains", Value: "scan"},
		},
		AggregationField: "source_ip",
		Window:           2 * time.Minute,
		Threshold:        10,
	}
}

// BanStormRule detects a burst of Fail2Ban bans across jails,
// indicating a coordinated attack rather than a lone offender.
func BanStormRule() *Rule {
	return &Rule{
		ID:          "builtin-ban-storm",
		Name:        "Ban Storm",
		Description: "Unusually many ban events in a short period",
		Enabled:     true,
		Severity:    schema.SeverityHigh,
		Priority:    30,
		Category:    "enforcement",
		Tags:        []string{"fail2ban"},
		Conditions: []Condition{
			{Field: "event_type", Operator: "eq", Value: "fail2ban.ban"},
		},
		Window:    10 * time.Minute,
		Threshold: 20,
	}
}

// FirewallDropFloodRule detects sustained firewall drops for one source.
func FirewallDropFloodRule() *Rule {
	return &Rule{
		ID:          "builtin-fw-drop-flood",
		Name:        "Firewall Drop Flood",
		Description: "Sustained dropped connections from the same source IP",
		Enabled:     true,
		Severity:    schema.SeverityMedium,
		Priority:    40,
		Category:    "network",
		Tags:        []string{"firewall"},
		Conditions: []Condition{
			{Field: "event_type", Operator: "eq", Value: "firewall.drop"},
		},
		AggregationField: "source_ip",
		Window:           time.Minute,
		Threshold:        50,
	}
}

// IDSCriticalBurstRule detects any burst of critical IDS alerts.
func IDSCriticalBurstRule() *Rule {
	return &Rule{
		ID:          "builtin-ids-critical-burst",
		Name:        "Critical IDS Alert Burst",
		Description: "Multiple critical-severity IDS alerts in a short window",
		Enabled:     true,
		Severity:    schema.SeverityCritical,
		Priority:    5,
		Category:    "ids",
		Tags:        []string{"ids"},
		Conditions: []Condition{
			{Field: "event_type", Operator: "prefix", Value: "ids."},
			{Field: "severity", Operator: "gte", Value: schema.SeverityCritical.Rank()},
		},
		Window:    5 * time.Minute,
		Threshold: 3,
	}
}

// DistributedAuthFailureRule detects auth failures against one target
// from many sources, grouped by the destination rather than the source.
func DistributedAuthFailureRule() *Rule {
	return &Rule{
		ID:          "builtin-distributed-auth-failure",
		Name:        "Distributed Authentication Failures",
		Description: "Authentication failures converging on a single destination",
		Enabled:     true,
		Severity:    schema.SeverityHigh,
		Priority:    15,
		Category:    "authentication",
		Tags:        []string{"authentication", "distributed"},
		Conditions: []Condition{
			{Field: "event_type", Operator: "in", Values: []string{"auth_failure", "brute_force"}},
		},
		AggregationField: "dest_ip",
		Window:           5 * time.Minute,
		Threshold:        25,
	}
}
