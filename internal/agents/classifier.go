package agents

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/normanking/conductor/pkg/engine"
)

// ═══════════════════════════════════════════════════════════════════════════════
// INTENT CLASSIFIER
// ═══════════════════════════════════════════════════════════════════════════════

// intentClassifier implements regex-based intent classification. It is built
// for speed (~1ms) and resolves the large majority of requests confidently;
// everything ambiguous falls back to general.
type intentClassifier struct {
	patterns map[engine.Intent][]*compiledPattern
}

// compiledPattern holds a pre-compiled regex with its weight.
type compiledPattern struct {
	regex  *regexp.Regexp
	weight float64
}

// Classifier returns the classify-intent capability.
func Classifier() engine.Definition {
	c := &intentClassifier{patterns: buildIntentPatterns()}
	return engine.Definition{
		Name:        engine.CapClassifyIntent,
		Description: "Regex-weighted intent classification over the query text",
		Timeout:     5 * time.Second,
		Handler: engine.HandlerFunc(func(ctx context.Context, inv engine.Invocation) (map[string]any, error) {
			intent, confidence := c.classify(inv.Query)
			return map[string]any{
				"intent":     intent.String(),
				"confidence": confidence,
			}, nil
		}),
		Fallback: func(inv engine.Invocation) map[string]any {
			return map[string]any{"intent": engine.IntentGeneral.String(), "confidence": 0.0}
		},
	}
}

// classify scores every intent's patterns against the lowered input and
// returns the strongest with a confidence estimate. Empty input (a voice
// request whose transcript is still pending) classifies as general.
func (c *intentClassifier) classify(input string) (engine.Intent, float64) {
	lower := strings.ToLower(strings.TrimSpace(input))
	if lower == "" {
		return engine.IntentGeneral, 0.4
	}

	scores := make(map[engine.Intent]float64)
	matchCounts := make(map[engine.Intent]int)
	for intent, patterns := range c.patterns {
		for _, p := range patterns {
			if p.regex.MatchString(lower) {
				scores[intent] += p.weight
				matchCounts[intent]++
			}
		}
	}

	best := engine.IntentGeneral
	var bestScore, totalScore float64
	for intent, score := range scores {
		totalScore += score
		if score > bestScore {
			bestScore = score
			best = intent
		}
	}
	if totalScore == 0 {
		return engine.IntentGeneral, 0.4
	}

	confidence := bestScore / totalScore
	if len(scores) == 1 {
		confidence = minFloat(confidence+0.25, 1.0)
	}
	if matchCounts[best] >= 2 {
		confidence = minFloat(confidence+0.1, 1.0)
	}
	if len(scores) > 1 {
		second := secondBestScore(scores, best)
		if second > 0 && (bestScore-second)/bestScore < 0.3 {
			confidence *= 0.8
		}
	}
	return best, confidence
}

func secondBestScore(scores map[engine.Intent]float64, best engine.Intent) float64 {
	var second float64
	for intent, score := range scores {
		if intent != best && score > second {
			second = score
		}
	}
	return second
}

// buildIntentPatterns creates the weighted regex table per intent.
func buildIntentPatterns() map[engine.Intent][]*compiledPattern {
	return map[engine.Intent][]*compiledPattern{
		engine.IntentSummarize: {
			{regexp.MustCompile(`\b(summarize|summarise)\b`), 1.2},
			{regexp.MustCompile(`\b(summary|overview|brief|tl;?dr)\b`), 1.0},
			{regexp.MustCompile(`\b(key\s+points?|main\s+ideas?|in\s+short)\b`), 0.9},
			{regexp.MustCompile(`\b(condense|shorten|recap)\b`), 0.8},
		},
		engine.IntentCompare: {
			{regexp.MustCompile(`\b(compare|comparison|contrast)\b`), 1.2},
			{regexp.MustCompile(`\b(vs\.?|versus)\b`), 1.1},
			{regexp.MustCompile(`\b(difference|differences)\s+between\b`), 1.1},
			{regexp.MustCompile(`\b(better|worse)\s+than\b`), 0.8},
			{regexp.MustCompile(`\bwhich\s+(one\s+)?(is|should)\b`), 0.7},
		},
		engine.IntentExplain: {
			{regexp.MustCompile(`\bexplain\b`), 1.2},
			{regexp.MustCompile(`\bwhat\s+(is|are|does)\b`), 1.0},
			{regexp.MustCompile(`\bhow\s+(does|do|did)\b`), 1.0},
			{regexp.MustCompile(`\bwhy\s+(is|are|does|do|did)\b`), 0.9},
			{regexp.MustCompile(`\b(tell\s+me\s+about|walk\s+me\s+through|help\s+me\s+understand)\b`), 0.9},
		},
		engine.IntentResearch: {
			{regexp.MustCompile(`\bresearch\b`), 1.2},
			{regexp.MustCompile(`\b(find|look\s+up|search\s+for)\b`), 1.0},
			{regexp.MustCompile(`\b(information|details|facts)\s+(on|about)\b`), 1.0},
			{regexp.MustCompile(`\b(latest|recent|current)\s+\w+\b`), 0.7},
			{regexp.MustCompile(`\b(sources?|references?)\b`), 0.7},
		},
		engine.IntentReadAloud: {
			{regexp.MustCompile(`\bread\s+(this|that|it|me|aloud|out)\b`), 1.2},
			{regexp.MustCompile(`\b(speak|say)\s+(this|that|it)\b`), 1.1},
			{regexp.MustCompile(`\b(aloud|out\s+loud)\b`), 1.0},
			{regexp.MustCompile(`\b(voice|audio)\s+(version|output)\b`), 0.9},
			{regexp.MustCompile(`\btext[-\s]to[-\s]speech\b`), 1.0},
		},
		engine.IntentAnalyze: {
			{regexp.MustCompile(`\b(analyze|analyse|analysis)\b`), 1.2},
			{regexp.MustCompile(`\b(examine|inspect|study)\b`), 1.0},
			{regexp.MustCompile(`\b(break\s+down|deep\s+dive)\b`), 0.9},
			{regexp.MustCompile(`\b(evaluate|assess)\b`), 0.9},
			{regexp.MustCompile(`\b(trends?|patterns?|implications?)\b`), 0.7},
		},
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
