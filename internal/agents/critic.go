package agents

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/normanking/conductor/pkg/engine"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CRITIC
// ═══════════════════════════════════════════════════════════════════════════════

// Critic returns the critique-response capability: a deterministic scorer
// over the summarize output. The score rewards length, coverage of the
// query's significant terms, extracted key points, and source backing, so a
// re-run after feedback-widened research genuinely scores higher.
func Critic() engine.Definition {
	return engine.Definition{
		Name:        engine.CapCritiqueResponse,
		Description: "Scores answer quality and produces revision feedback",
		Timeout:     10 * time.Second,
		Handler:     engine.HandlerFunc(critiqueResponse),
		Fallback: func(inv engine.Invocation) map[string]any {
			// With the critic itself down there is no verdict to act on;
			// a neutral passing score keeps the session from looping on an
			// unjudgeable answer.
			return map[string]any{
				"score":    0.65,
				"feedback": "quality review unavailable",
			}
		},
	}
}

func critiqueResponse(ctx context.Context, inv engine.Invocation) (map[string]any, error) {
	text := inv.ContextField(engine.StageSummarize, "text")
	if strings.TrimSpace(text) == "" {
		return map[string]any{
			"score":    0.0,
			"feedback": "the answer is empty",
		}, nil
	}

	words := strings.Fields(text)
	lengthScore := minFloat(float64(len(words))/60.0, 1.0) * 0.35

	terms := significantTerms(inv.Query, 6)
	coverageScore := 0.35
	var missing []string
	if len(terms) > 0 {
		lower := strings.ToLower(text)
		covered := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				covered++
			} else {
				missing = append(missing, term)
			}
		}
		coverageScore = float64(covered) / float64(len(terms)) * 0.35
	}

	structureScore := 0.0
	if len(stringSlice(inv.Context, engine.StageSummarize, "key_points")) >= 2 {
		structureScore = 0.15
	}

	sourceScore := 0.0
	if n, ok := intField(inv.Context, engine.StageResearch, "source_count"); ok && n >= 3 {
		sourceScore = 0.15
	}

	score := math.Round((lengthScore+coverageScore+structureScore+sourceScore)*100) / 100

	feedback := ""
	if score < 0.75 {
		switch {
		case len(missing) > 0:
			feedback = fmt.Sprintf("the answer does not address: %s", strings.Join(missing, ", "))
		case len(words) < 40:
			feedback = "the answer is too thin; expand the findings"
		default:
			feedback = "add supporting detail and clearer key points"
		}
	}

	return map[string]any{
		"score":    score,
		"feedback": feedback,
	}, nil
}

// intField reads an int-ish field from a stage's output in context.
func intField(ctx map[string]any, stage, field string) (int, bool) {
	out, ok := ctx[stage].(map[string]any)
	if !ok {
		return 0, false
	}
	switch v := out[field].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}
