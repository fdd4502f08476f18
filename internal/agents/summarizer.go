package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/normanking/conductor/pkg/engine"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SUMMARIZER
// ═══════════════════════════════════════════════════════════════════════════════

// Summarizer returns the generate-text capability. It composes the answer
// from whatever upstream stages put into context and streams it token by
// token when the caller enabled streaming.
func Summarizer() engine.Definition {
	return engine.Definition{
		Name:        engine.CapGenerateText,
		Description: "Composes the final answer from accumulated stage outputs",
		Timeout:     30 * time.Second,
		Handler:     engine.HandlerFunc(summarizeAnswer),
		Fallback: func(inv engine.Invocation) map[string]any {
			text := "The request could not be fully processed; this is a partial answer based on the query alone: " +
				strings.TrimSpace(inv.Query)
			return map[string]any{
				"text":       text,
				"key_points": []string{},
				"word_count": len(strings.Fields(text)),
			}
		},
	}
}

func summarizeAnswer(ctx context.Context, inv engine.Invocation) (map[string]any, error) {
	findings := stringSlice(inv.Context, engine.StageResearch, "findings")
	topic := inv.ContextField(engine.StageResearch, "topic")
	if topic == "" {
		topic = topicOf(inv)
	}

	var sb strings.Builder
	intent := inv.Param("intent", engine.IntentGeneral.String())
	switch engine.Intent(intent) {
	case engine.IntentCompare:
		sb.WriteString(fmt.Sprintf("Comparing the subjects of %s:", topic))
	case engine.IntentExplain:
		sb.WriteString(fmt.Sprintf("Here is an explanation of %s.", topic))
	case engine.IntentAnalyze:
		sb.WriteString(fmt.Sprintf("An analysis of %s follows.", topic))
	case engine.IntentSummarize:
		sb.WriteString(fmt.Sprintf("In summary, %s comes down to the points below.", topic))
	default:
		sb.WriteString(fmt.Sprintf("Here is what stands out about %s.", topic))
	}

	if len(findings) == 0 {
		// Nothing upstream: fall back to the modality stages directly.
		if desc := inv.ContextField(engine.StageVisionAnalysis, "description"); desc != "" {
			findings = append(findings, "The image shows "+desc)
		}
		if text := inv.ContextField(engine.StageOCR, "text"); text != "" {
			findings = append(findings, "The embedded text reads "+text)
		}
		if transcript := inv.ContextField(engine.StageTranscribe, "transcript"); transcript != "" {
			findings = append(findings, "The recording says "+transcript)
		}
		findings = append(findings, stringSlice(inv.Context, engine.StageRetrieve, "passages")...)
	}
	for _, f := range findings {
		sb.WriteString(" ")
		sb.WriteString(strings.TrimRight(f, ". "))
		sb.WriteString(".")
	}

	text := sb.String()
	streamTokens(ctx, inv, text)

	keyPoints := make([]string, 0, 3)
	for i, f := range findings {
		if i == 3 {
			break
		}
		keyPoints = append(keyPoints, strings.TrimRight(f, ". "))
	}

	return map[string]any{
		"text":       text,
		"key_points": keyPoints,
		"word_count": len(strings.Fields(text)),
	}, nil
}

// streamTokens emits the answer word by word. A dead context stops the
// stream early; the full text is still returned in the output.
func streamTokens(ctx context.Context, inv engine.Invocation, text string) {
	if inv.Emit == nil {
		return
	}
	for _, word := range strings.Fields(text) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		inv.Emit(word + " ")
	}
}
