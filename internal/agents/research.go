package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/normanking/conductor/pkg/engine"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RESEARCH
// ═══════════════════════════════════════════════════════════════════════════════

// Research returns the research-topic capability: a deterministic findings
// generator standing in for a real retrieval or inference backend. Critique
// feedback from a quality re-entry widens the findings, so re-runs converge
// instead of repeating themselves.
func Research() engine.Definition {
	return engine.Definition{
		Name:        engine.CapResearchTopic,
		Description: "Gathers findings about the query topic",
		Timeout:     20 * time.Second,
		Handler:     engine.HandlerFunc(researchTopic),
		Fallback: func(inv engine.Invocation) map[string]any {
			topic := topicOf(inv)
			return map[string]any{
				"topic": topic,
				"findings": []string{
					fmt.Sprintf("Background material on %s was unavailable; the answer relies on the request text alone.", topic),
				},
				"source_count": 0,
			}
		},
	}
}

func researchTopic(ctx context.Context, inv engine.Invocation) (map[string]any, error) {
	topic := topicOf(inv)
	terms := significantTerms(topic, 4)

	findings := []string{
		fmt.Sprintf("%s is the central subject of this request.", capitalize(topic)),
	}
	for _, term := range terms {
		findings = append(findings,
			fmt.Sprintf("The aspect %q shapes how %s is commonly discussed.", term, topic))
	}

	// Upstream modality stages feed in through context: a transcript, an
	// image description, extracted text, or retrieved passages all become
	// additional findings.
	if transcript := inv.ContextField(engine.StageTranscribe, "transcript"); transcript != "" {
		findings = append(findings, "The spoken request says: "+transcript)
	}
	if desc := inv.ContextField(engine.StageVisionAnalysis, "description"); desc != "" {
		findings = append(findings, "The attached image shows: "+desc)
	}
	if text := inv.ContextField(engine.StageOCR, "text"); text != "" {
		findings = append(findings, "Text embedded in the image reads: "+text)
	}
	for _, passage := range stringSlice(inv.Context, engine.StageRetrieve, "passages") {
		findings = append(findings, "A matching document passage notes: "+passage)
	}

	if inv.Feedback != "" {
		findings = append(findings,
			fmt.Sprintf("Revisited after review (%s): %s merits a broader treatment, including its practical implications and limitations.",
				strings.TrimSpace(inv.Feedback), topic))
	}

	return map[string]any{
		"topic":        topic,
		"findings":     findings,
		"source_count": len(findings),
		"mode":         inv.Param("mode", engine.IntentGeneral.String()),
	}, nil
}

// topicOf trims the query down to its subject, preferring the transcript
// for voice requests with no typed text.
func topicOf(inv engine.Invocation) string {
	topic := strings.TrimSpace(inv.Query)
	if topic == "" {
		topic = strings.TrimSpace(inv.ContextField(engine.StageTranscribe, "transcript"))
	}
	if topic == "" {
		return "the submitted material"
	}
	topic = strings.TrimRight(topic, "?!. ")
	for _, prefix := range []string{
		"explain ", "summarize ", "research ", "analyze ", "compare ",
		"what is ", "what are ", "how does ", "tell me about ", "find ",
	} {
		lower := strings.ToLower(topic)
		if strings.HasPrefix(lower, prefix) {
			topic = topic[len(prefix):]
			break
		}
	}
	if topic == "" {
		return "the submitted material"
	}
	return topic
}

// significantTerms picks up to n distinct words long enough to carry
// meaning, in query order.
func significantTerms(s string, n int) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len(w) <= 3 || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
		if len(terms) == n {
			break
		}
	}
	return terms
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// stringSlice reads a []string (or []any of strings) field out of a stage's
// output in the accumulated context.
func stringSlice(ctx map[string]any, stage, field string) []string {
	out, ok := ctx[stage].(map[string]any)
	if !ok {
		return nil
	}
	switch v := out[field].(type) {
	case []string:
		return v
	case []any:
		var result []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	}
	return nil
}
