package engine

import (
	"sort"
	"strings"
)

// Severity of an alert or a score band.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityWarning:  1,
	SeverityInfo:     2,
}

func (s Severity) valid() bool {
	_, ok := severityRank[s]
	return ok
}

// ParseSeverity accepts the three canonical names plus the urgency words
// used by clinical forms.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "emergency", "urgent", "high":
		return SeverityCritical, true
	case "warning", "moderate", "medium":
		return SeverityWarning, true
	case "info", "routine", "low":
		return SeverityInfo, true
	}
	return "", false
}

// Rule is one entry of the alert bank. Several rules may share an ID when
// they describe the same condition at different severities.
type Rule struct {
	ID       string
	Severity Severity
	Message  string
	Action   string
	// Labels name the findings behind the rule, for traceability.
	Labels []string
	When   Predicate
}

type Alert struct {
	RuleID     string   `json:"rule_id"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	Action     string   `json:"action,omitempty"`
	Conditions []string `json:"conditions,omitempty"`
}

// EvaluateAlerts runs the rules in declaration order and returns the fired
// alerts sorted by severity, then declaration order, keeping only the first
// alert per rule id.
func EvaluateAlerts(rules []Rule, env Env) []Alert {
	type fired struct {
		index int
		alert Alert
	}
	var hits []fired
	for i, r := range rules {
		if r.When == nil || !r.When.Eval(env) {
			continue
		}
		hits = append(hits, fired{index: i, alert: Alert{
			RuleID:     r.ID,
			Severity:   r.Severity,
			Message:    r.Message,
			Action:     r.Action,
			Conditions: append([]string(nil), r.Labels...),
		}})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		ri, rj := severityRank[hits[i].alert.Severity], severityRank[hits[j].alert.Severity]
		if ri != rj {
			return ri < rj
		}
		return hits[i].index < hits[j].index
	})

	alerts := make([]Alert, 0, len(hits))
	seen := make(map[string]bool, len(hits))
	for _, h := range hits {
		if seen[h.alert.RuleID] {
			continue
		}
		seen[h.alert.RuleID] = true
		alerts = append(alerts, h.alert)
	}
	return alerts
}

// HighestSeverity returns the most severe level among alerts, or "" when
// there are none.
func HighestSeverity(alerts []Alert) Severity {
	var best Severity
	for _, a := range alerts {
		if best == "" || severityRank[a.Severity] < severityRank[best] {
			best = a.Severity
		}
	}
	return best
}
