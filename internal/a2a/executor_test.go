package a2a

import (
	"testing"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/conductor/pkg/engine"
)

func TestExtractTextFromMessage(t *testing.T) {
	tests := []struct {
		name     string
		msg      *a2a.Message
		expected string
	}{
		{
			name:     "nil message",
			msg:      nil,
			expected: "",
		},
		{
			name:     "single text part",
			msg:      &a2a.Message{Parts: []a2a.Part{a2a.TextPart{Text: "hello"}}},
			expected: "hello ",
		},
		{
			name: "multiple text parts concatenate",
			msg: &a2a.Message{Parts: []a2a.Part{
				a2a.TextPart{Text: "first"},
				a2a.TextPart{Text: "second"},
			}},
			expected: "first second ",
		},
		{
			name: "pointer parts included",
			msg: &a2a.Message{Parts: []a2a.Part{
				&a2a.TextPart{Text: "by pointer"},
			}},
			expected: "by pointer ",
		},
		{
			name: "data parts skipped",
			msg: &a2a.Message{Parts: []a2a.Part{
				a2a.DataPart{Data: map[string]any{"k": "v"}},
				a2a.TextPart{Text: "only this"},
			}},
			expected: "only this ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractTextFromMessage(tt.msg))
		})
	}
}

func TestNewAgentCardDefaults(t *testing.T) {
	card := NewAgentCard(CardConfig{})

	assert.Equal(t, "Conductor", card.Name)
	assert.Equal(t, "1.0.0", card.Version)
	assert.Equal(t, "0.3", card.ProtocolVersion)
	assert.Equal(t, a2a.TransportProtocolJSONRPC, card.PreferredTransport)
	assert.True(t, card.Capabilities.Streaming)
	require.NotEmpty(t, card.Skills)

	ids := make([]string, 0, len(card.Skills))
	for _, skill := range card.Skills {
		ids = append(ids, skill.ID)
		assert.NotEmpty(t, skill.Name)
		assert.NotEmpty(t, skill.Description)
	}
	assert.Contains(t, ids, "research")
	assert.Contains(t, ids, "summarize")
}

func TestNewAgentCardOverrides(t *testing.T) {
	card := NewAgentCard(CardConfig{
		Name:    "Custom",
		Version: "9.9.9",
		URL:     "https://agents.example.com/",
	})

	assert.Equal(t, "Custom", card.Name)
	assert.Equal(t, "9.9.9", card.Version)
	assert.Equal(t, "https://agents.example.com/", card.URL)
}

func TestBuildResultMetadata(t *testing.T) {
	t.Run("nil result", func(t *testing.T) {
		assert.Nil(t, buildResultMetadata(nil))
	})

	t.Run("clean result", func(t *testing.T) {
		metadata := buildResultMetadata(&engine.Result{
			Intent:           engine.IntentSummarize,
			IntentConfidence: 0.85,
			QualityScore:     0.9,
			Confidence:       engine.ConfidenceHigh,
			WordCount:        120,
			ProcessingTime:   1500 * time.Millisecond,
		})
		assert.Equal(t, "summarize", metadata["intent"])
		assert.Equal(t, 0.9, metadata["qualityScore"])
		assert.Equal(t, int64(1500), metadata["processingTimeMs"])
		assert.NotContains(t, metadata, "degraded")
	})

	t.Run("degraded result carries the flag", func(t *testing.T) {
		metadata := buildResultMetadata(&engine.Result{
			Intent:     engine.IntentResearch,
			Degraded:   true,
			Confidence: engine.ConfidenceLow,
			KeyPoints:  []string{"a", "b"},
		})
		assert.Equal(t, true, metadata["degraded"])
		assert.Equal(t, []string{"a", "b"}, metadata["keyPoints"])
	})
}
