package rules

import (
	"slices"
	"time"

	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
)

// Evaluate maps a classification through the rule set to a routing
// decision. Pure: no clock reads (now is an input), no I/O.
func Evaluate(rs *RuleSet, cls *domain.Classification, now time.Time) *domain.RoutingDecision {
	decision := &domain.RoutingDecision{
		Team:     teamFor(rs, cls),
		SLADueAt: now.Add(time.Duration(rs.SLAFor(cls.Priority)) * time.Hour),
	}

	decision.Tags = appendTags(nil, rs.Routing.AutoTags.Priority[cls.Priority])
	decision.Tags = appendTags(decision.Tags, rs.Routing.AutoTags.Sentiment[cls.Sentiment])

	// Forced review is independent of confidence: certain categories and
	// tags always get a human.
	if slices.Contains(rs.Routing.ForceReviewCategories, cls.Category) {
		decision.ForceHuman = true
		decision.ForceReason = "category:" + cls.Category
	}
	if !decision.ForceHuman {
		for _, tag := range decision.Tags {
			if slices.Contains(rs.Routing.ForceReviewTags, tag) {
				decision.ForceHuman = true
				decision.ForceReason = "tag:" + tag
				break
			}
		}
	}

	if !decision.ForceHuman && rs.Routing.EscalateConfidenceBelow > 0 &&
		cls.Confidence < rs.Routing.EscalateConfidenceBelow {
		decision.ForceHuman = true
		decision.ForceReason = "confidence_below_rule_floor"
		decision.Tags = appendTags(decision.Tags, []string{"auto-escalated"})
	}

	return decision
}

func teamFor(rs *RuleSet, cls *domain.Classification) string {
	if team, ok := rs.Routing.TeamMap[cls.Category]; ok {
		return team
	}
	if cls.SuggestedTeam != "" {
		return cls.SuggestedTeam
	}
	return rs.Routing.DefaultTeam
}

// appendTags appends without duplicates, preserving order.
func appendTags(tags []string, add []string) []string {
	for _, t := range add {
		if !slices.Contains(tags, t) {
			tags = append(tags, t)
		}
	}
	return tags
}
