package rules

import (
	"testing"
	"time"

	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
)

const sampleYAML = `
routing:
  team_map:
    billing: finance
    technical: engineering
  default_team: support
  sla_hours:
    critical: 2
    high: 8
    medium: 24
  auto_tags:
    priority:
      critical: ["urgent", "page-oncall"]
    sentiment:
      negative: ["unhappy-customer"]
  escalate_confidence_below: 0.5
  force_review_categories: ["legal", "security"]
  force_review_tags: ["page-oncall"]
autosend:
  enabled: true
`

func mustParse(t *testing.T, raw string) *RuleSet {
	t.Helper()
	rs, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return rs
}

var now = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func TestEvaluate_TeamAssignment(t *testing.T) {
	rs := mustParse(t, sampleYAML)

	tests := []struct {
		name string
		cls  domain.Classification
		want string
	}{
		{"mapped category", domain.Classification{Category: "billing", Confidence: 0.9}, "finance"},
		{"unmapped falls back to suggestion", domain.Classification{Category: "general", SuggestedTeam: "sales", Confidence: 0.9}, "sales"},
		{"no suggestion falls back to default", domain.Classification{Category: "general", Confidence: 0.9}, "support"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(rs, &tt.cls, now)
			if d.Team != tt.want {
				t.Errorf("Team = %q, want %q", d.Team, tt.want)
			}
		})
	}
}

func TestEvaluate_SLADeadline(t *testing.T) {
	rs := mustParse(t, sampleYAML)

	d := Evaluate(rs, &domain.Classification{Category: "technical", Priority: "critical", Confidence: 0.9}, now)
	if want := now.Add(2 * time.Hour); !d.SLADueAt.Equal(want) {
		t.Errorf("SLADueAt = %s, want %s", d.SLADueAt, want)
	}

	// Unknown priority uses the 24h default.
	d = Evaluate(rs, &domain.Classification{Category: "technical", Priority: "unknown", Confidence: 0.9}, now)
	if want := now.Add(24 * time.Hour); !d.SLADueAt.Equal(want) {
		t.Errorf("default SLADueAt = %s, want %s", d.SLADueAt, want)
	}
}

func TestEvaluate_AutoTags(t *testing.T) {
	rs := mustParse(t, sampleYAML)

	d := Evaluate(rs, &domain.Classification{
		Category: "technical", Priority: "critical", Sentiment: "negative", Confidence: 0.9,
	}, now)

	want := []string{"urgent", "page-oncall", "unhappy-customer"}
	if len(d.Tags) != len(want) {
		t.Fatalf("Tags = %v, want %v", d.Tags, want)
	}
	for i, tag := range want {
		if d.Tags[i] != tag {
			t.Errorf("Tags[%d] = %q, want %q", i, d.Tags[i], tag)
		}
	}
}

func TestEvaluate_ForcedReview(t *testing.T) {
	rs := mustParse(t, sampleYAML)

	tests := []struct {
		name       string
		cls        domain.Classification
		wantForce  bool
		wantReason string
	}{
		{
			"legal category always escalates even at full confidence",
			domain.Classification{Category: "legal", Confidence: 1.0},
			true, "category:legal",
		},
		{
			"force review tag",
			domain.Classification{Category: "technical", Priority: "critical", Confidence: 0.95},
			true, "tag:page-oncall",
		},
		{
			"confidence below rule floor",
			domain.Classification{Category: "general", Confidence: 0.3},
			true, "confidence_below_rule_floor",
		},
		{
			"clean case not forced",
			domain.Classification{Category: "billing", Priority: "medium", Confidence: 0.95},
			false, "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(rs, &tt.cls, now)
			if d.ForceHuman != tt.wantForce {
				t.Errorf("ForceHuman = %v, want %v", d.ForceHuman, tt.wantForce)
			}
			if d.ForceReason != tt.wantReason {
				t.Errorf("ForceReason = %q, want %q", d.ForceReason, tt.wantReason)
			}
		})
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	rs := mustParse(t, sampleYAML)
	cls := &domain.Classification{Category: "billing", Priority: "high", Sentiment: "negative", Confidence: 0.8}

	first := Evaluate(rs, cls, now)
	for i := 0; i < 10; i++ {
		again := Evaluate(rs, cls, now)
		if again.Team != first.Team || !again.SLADueAt.Equal(first.SLADueAt) ||
			again.ForceHuman != first.ForceHuman || len(again.Tags) != len(first.Tags) {
			t.Fatalf("evaluation %d diverged: %+v vs %+v", i, again, first)
		}
	}
}
