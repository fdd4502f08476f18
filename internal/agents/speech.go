package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/normanking/conductor/pkg/engine"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SPEECH SYNTHESIS
// ═══════════════════════════════════════════════════════════════════════════════

// secondsPerWord estimates playback duration of synthesized speech.
const secondsPerWord = 0.6

// Speech returns the synthesize-speech capability. It does not produce real
// audio; it names the file a synthesis backend would write and estimates its
// duration from the answer's word count.
func Speech() engine.Definition {
	return engine.Definition{
		Name:        engine.CapSynthesizeSpeech,
		Description: "Renders the final answer as speech",
		Timeout:     20 * time.Second,
		Handler: engine.HandlerFunc(func(ctx context.Context, inv engine.Invocation) (map[string]any, error) {
			text := inv.ContextField(engine.StageSummarize, "text")
			if strings.TrimSpace(text) == "" {
				return nil, fmt.Errorf("nothing to speak: summarize output is empty")
			}
			words := len(strings.Fields(text))
			return map[string]any{
				"file":             fmt.Sprintf("tts/%s.wav", inv.SessionID),
				"voice":            inv.Param("voice", "default"),
				"duration_seconds": float64(words) * secondsPerWord,
				"word_count":       words,
			}, nil
		}),
		Fallback: func(inv engine.Invocation) map[string]any {
			return map[string]any{
				"file":             "",
				"voice":            inv.Param("voice", "default"),
				"duration_seconds": 0.0,
				"word_count":       0,
			}
		},
	}
}
