package a2a

import (
	"net/http"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"

	"github.com/normanking/conductor/pkg/engine"
)

// CardConfig names the service in the published agent card.
type CardConfig struct {
	Name        string
	Description string
	Version     string
	URL         string
}

// Mounts carries the HTTP handlers a host server registers for the A2A
// transport: the JSON-RPC endpoint and the public agent card.
type Mounts struct {
	JSONRPC   http.Handler
	Card      http.Handler
	CardPaths []string
}

// NewMounts builds the A2A protocol handlers over the engine.
func NewMounts(eng *engine.Engine, cfg CardConfig) *Mounts {
	executor := NewSessionExecutor(eng)
	handler := a2asrv.NewHandler(executor)
	card := NewAgentCard(cfg)

	return &Mounts{
		JSONRPC: a2asrv.NewJSONRPCHandler(handler),
		Card:    a2asrv.NewStaticAgentCardHandler(card),
		CardPaths: []string{
			a2asrv.WellKnownAgentCardPath,
			// Alternate path some clients still probe.
			"/.well-known/agent.json",
		},
	}
}

// NewAgentCard describes the orchestration service for A2A discovery.
func NewAgentCard(cfg CardConfig) *a2a.AgentCard {
	if cfg.Name == "" {
		cfg.Name = "Conductor"
	}
	if cfg.Description == "" {
		cfg.Description = "Multi-agent orchestration service: plans, executes, and quality-checks capability pipelines for one-shot requests"
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	if cfg.URL == "" {
		cfg.URL = "http://localhost:8700/"
	}

	return &a2a.AgentCard{
		Name:               cfg.Name,
		Description:        cfg.Description,
		Version:            cfg.Version,
		ProtocolVersion:    "0.3",
		URL:                cfg.URL,
		PreferredTransport: a2a.TransportProtocolJSONRPC,
		Capabilities: a2a.AgentCapabilities{
			Streaming:              true,
			PushNotifications:      false,
			StateTransitionHistory: true,
		},
		DefaultInputModes:  []string{"text", "application/json"},
		DefaultOutputModes: []string{"text", "application/json"},
		Skills: []a2a.AgentSkill{
			{
				ID:          "research",
				Name:        "Topic Research",
				Description: "Gather findings on a topic from multiple sources, then synthesize them into a coherent answer with key points.",
				Tags:        []string{"research", "search", "synthesis", "findings"},
				Examples:    []string{"Research the current state of WebAssembly outside the browser", "What are the tradeoffs between event sourcing and CRUD?"},
				InputModes:  []string{"text"},
				OutputModes: []string{"text", "application/json"},
			},
			{
				ID:          "summarize",
				Name:        "Summarization",
				Description: "Condense a question or topic into a concise summary that passes an automated quality critique before delivery.",
				Tags:        []string{"summary", "condense", "quality"},
				Examples:    []string{"Summarize the history of distributed consensus", "Give me a short overview of QUIC"},
				InputModes:  []string{"text"},
				OutputModes: []string{"text", "application/json"},
			},
			{
				ID:          "analyze",
				Name:        "Analysis",
				Description: "Break a subject into its parts, weigh evidence, and report conclusions with a confidence grade.",
				Tags:        []string{"analysis", "reasoning", "confidence"},
				Examples:    []string{"Analyze the pros and cons of monorepos", "Compare raft and paxos"},
				InputModes:  []string{"text"},
				OutputModes: []string{"text", "application/json"},
			},
			{
				ID:          "narrate",
				Name:        "Spoken Narration",
				Description: "Render the final answer as synthesized speech in addition to text. Enable via the enable_speech message metadata flag.",
				Tags:        []string{"speech", "tts", "narration"},
				InputModes:  []string{"text"},
				OutputModes: []string{"text", "application/json"},
			},
		},
	}
}
