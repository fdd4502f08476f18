package agents

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/normanking/conductor/pkg/engine"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MEDIA CAPABILITIES
// ═══════════════════════════════════════════════════════════════════════════════

// The media providers are deterministic stand-ins keyed off attachment
// metadata; real deployments replace them with model-backed capabilities
// under the same registry names.

// pcmBytesPerSecond assumes 16 kHz 16-bit mono for duration estimates.
const pcmBytesPerSecond = 32000

// Vision returns the analyze-image capability.
func Vision() engine.Definition {
	return engine.Definition{
		Name:        engine.CapAnalyzeImage,
		Description: "Describes the uploaded image",
		Timeout:     20 * time.Second,
		Handler: engine.HandlerFunc(func(ctx context.Context, inv engine.Invocation) (map[string]any, error) {
			name := inv.Param("file", "upload")
			labels := labelsFromName(name)
			desc := fmt.Sprintf("a %s image", strings.TrimPrefix(filepath.Ext(name), "."))
			if len(labels) > 0 {
				desc = fmt.Sprintf("an image relating to %s", strings.Join(labels, ", "))
			}
			return map[string]any{
				"description": desc,
				"labels":      labels,
			}, nil
		}),
		Fallback: func(inv engine.Invocation) map[string]any {
			return map[string]any{
				"description": "image analysis was unavailable",
				"labels":      []string{},
			}
		},
	}
}

// OCR returns the extract-text capability.
func OCR() engine.Definition {
	return engine.Definition{
		Name:        engine.CapExtractText,
		Description: "Extracts embedded text from the uploaded image",
		Timeout:     15 * time.Second,
		Handler: engine.HandlerFunc(func(ctx context.Context, inv engine.Invocation) (map[string]any, error) {
			name := inv.Param("file", "")
			words := labelsFromName(name)
			text := ""
			if len(words) > 0 {
				text = strings.Join(words, " ")
			}
			return map[string]any{
				"text":   text,
				"blocks": len(words),
			}, nil
		}),
		Fallback: func(inv engine.Invocation) map[string]any {
			return map[string]any{"text": "", "blocks": 0}
		},
	}
}

// Transcriber returns the transcribe-audio capability.
func Transcriber() engine.Definition {
	return engine.Definition{
		Name:        engine.CapTranscribeAudio,
		Description: "Transcribes the uploaded recording",
		Timeout:     30 * time.Second,
		Handler: engine.HandlerFunc(func(ctx context.Context, inv engine.Invocation) (map[string]any, error) {
			// The typed query accompanies voice requests that already went
			// through client-side recognition; otherwise the attachment
			// name is all the heuristic has.
			transcript := strings.TrimSpace(inv.Query)
			if transcript == "" {
				if words := labelsFromName(inv.Param("file", "")); len(words) > 0 {
					transcript = strings.Join(words, " ")
				}
			}
			duration := 0.0
			if size, err := sizeParam(inv); err == nil && size > 0 {
				duration = float64(size) / pcmBytesPerSecond
			}
			return map[string]any{
				"transcript":       transcript,
				"duration_seconds": duration,
			}, nil
		}),
		Fallback: func(inv engine.Invocation) map[string]any {
			return map[string]any{"transcript": "", "duration_seconds": 0.0}
		},
	}
}

// labelsFromName derives descriptor words from an attachment's file name.
func labelsFromName(name string) []string {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	base = strings.NewReplacer("-", " ", "_", " ", ".", " ").Replace(base)
	var labels []string
	for _, w := range strings.Fields(strings.ToLower(base)) {
		if len(w) > 2 {
			labels = append(labels, w)
		}
	}
	return labels
}

func sizeParam(inv engine.Invocation) (int64, error) {
	raw := inv.Param("size", "")
	if raw == "" {
		return 0, fmt.Errorf("no size param")
	}
	var size int64
	_, err := fmt.Sscanf(raw, "%d", &size)
	return size, err
}
