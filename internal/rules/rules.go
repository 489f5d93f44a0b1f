// Package rules turns per-tenant YAML routing configuration into a
// validated, strongly-typed rule set and evaluates it. Evaluation is a pure
// function of the rule set and the classification output, so decisions are
// deterministic and safe to re-run when rules change.
package rules

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// RuleSet is the parsed form of a tenant's workflow rule YAML.
type RuleSet struct {
	Routing  RoutingRules  `koanf:"routing"`
	Autosend AutosendRules `koanf:"autosend"`
}

// RoutingRules drive team assignment, SLA deadlines, tagging, and forced
// human review.
type RoutingRules struct {
	// TeamMap assigns a team per classification category. Categories not in
	// the map fall back to the model-suggested team, then DefaultTeam.
	TeamMap     map[string]string `koanf:"team_map"`
	DefaultTeam string            `koanf:"default_team"`

	// SLAHours maps priority to response deadline hours.
	SLAHours map[string]int `koanf:"sla_hours"`

	AutoTags AutoTags `koanf:"auto_tags"`

	// EscalateConfidenceBelow forces review under this confidence.
	EscalateConfidenceBelow float64 `koanf:"escalate_confidence_below"`

	// ForceReviewCategories always escalate regardless of confidence
	// (e.g. legal, security).
	ForceReviewCategories []string `koanf:"force_review_categories"`

	// ForceReviewTags escalate when any applied tag matches.
	ForceReviewTags []string `koanf:"force_review_tags"`
}

// AutoTags attach tags keyed off priority and sentiment.
type AutoTags struct {
	Priority  map[string][]string `koanf:"priority"`
	Sentiment map[string][]string `koanf:"sentiment"`
}

// AutosendRules gate automatic dispatch. Enabled must be opted into
// explicitly; an absent section means no autosend from rules' side.
type AutosendRules struct {
	Enabled bool `koanf:"enabled"`
}

const (
	defaultTeam     = "support"
	defaultSLAHours = 24
)

// Parse unmarshals and validates rule YAML. An empty document yields the
// default rule set.
func Parse(raw []byte) (*RuleSet, error) {
	k := koanf.New(".")
	if len(raw) > 0 {
		if err := k.Load(rawbytes.Provider(raw), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse rule yaml: %w", err)
		}
	}

	var rs RuleSet
	if err := k.Unmarshal("", &rs); err != nil {
		return nil, fmt.Errorf("unmarshal rules: %w", err)
	}

	if rs.Routing.DefaultTeam == "" {
		rs.Routing.DefaultTeam = defaultTeam
	}
	if err := rs.validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

func (rs *RuleSet) validate() error {
	if rs.Routing.EscalateConfidenceBelow < 0 || rs.Routing.EscalateConfidenceBelow > 1 {
		return fmt.Errorf("escalate_confidence_below out of range: %v", rs.Routing.EscalateConfidenceBelow)
	}
	for priority, hours := range rs.Routing.SLAHours {
		if hours <= 0 {
			return fmt.Errorf("sla_hours for %q must be positive, got %d", priority, hours)
		}
	}
	return nil
}

// SLAFor returns the response deadline hours for a priority.
func (rs *RuleSet) SLAFor(priority string) int {
	if hours, ok := rs.Routing.SLAHours[priority]; ok {
		return hours
	}
	return defaultSLAHours
}
