package engine

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"
)

func echoDefinition(name string) Definition {
	return Definition{
		Name: name,
		Handler: HandlerFunc(func(ctx context.Context, inv Invocation) (map[string]any, error) {
			return map[string]any{"query": inv.Query}, nil
		}),
	}
}

func TestNewRegistryRejectsInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name    string
		defs    []Definition
		wantSub string
	}{
		{"empty name", []Definition{{Handler: echoDefinition("x").Handler}}, "empty name"},
		{"nil handler", []Definition{{Name: "broken"}}, "no handler"},
		{"duplicate name", []Definition{echoDefinition("dup"), echoDefinition("dup")}, "twice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.defs...)
			if err == nil {
				t.Fatal("expected construction to fail")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("expected error mentioning %q, got %v", tt.wantSub, err)
			}
		})
	}
}

func TestNewRegistryAppliesDefaultTimeout(t *testing.T) {
	reg, err := NewRegistry(
		echoDefinition("untimed"),
		Definition{
			Name:    "timed",
			Timeout: 3 * time.Second,
			Handler: HandlerFunc(func(ctx context.Context, inv Invocation) (map[string]any, error) {
				return nil, nil
			}),
		},
	)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	def, ok := reg.Lookup("untimed")
	if !ok {
		t.Fatal("untimed capability not found")
	}
	if def.Timeout != DefaultStageTimeout {
		t.Errorf("expected default timeout %v, got %v", DefaultStageTimeout, def.Timeout)
	}

	def, _ = reg.Lookup("timed")
	if def.Timeout != 3*time.Second {
		t.Errorf("expected declared timeout kept, got %v", def.Timeout)
	}
}

func TestRegistryLookupAndNames(t *testing.T) {
	reg, err := NewRegistry(echoDefinition("charlie"), echoDefinition("alpha"), echoDefinition("bravo"))
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	if reg.Len() != 3 {
		t.Errorf("expected 3 capabilities, got %d", reg.Len())
	}
	if !reg.Has("alpha") {
		t.Error("expected alpha to be registered")
	}
	if reg.Has("delta") {
		t.Error("did not expect delta to be registered")
	}
	if _, ok := reg.Lookup("delta"); ok {
		t.Error("expected lookup miss for delta")
	}

	want := []string{"alpha", "bravo", "charlie"}
	if got := reg.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected sorted names %v, got %v", want, got)
	}
}

func TestDefinitionHasFallback(t *testing.T) {
	def := echoDefinition("plain")
	if def.HasFallback() {
		t.Error("expected no fallback")
	}
	def.Fallback = func(inv Invocation) map[string]any { return map[string]any{} }
	if !def.HasFallback() {
		t.Error("expected fallback to be reported")
	}
}

func TestHandlerFuncInvoke(t *testing.T) {
	h := HandlerFunc(func(ctx context.Context, inv Invocation) (map[string]any, error) {
		return map[string]any{"stage": inv.Stage}, nil
	})
	out, err := h.Invoke(context.Background(), Invocation{Stage: "summarize"})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if out["stage"] != "summarize" {
		t.Errorf("expected stage summarize, got %v", out["stage"])
	}
}

func TestInvocationContextAccessors(t *testing.T) {
	inv := Invocation{
		Context: map[string]any{
			"topic": "raft consensus",
			StageResearch: map[string]any{
				"findings": []string{"log replication"},
				"mode":     "research",
			},
		},
		Params: map[string]string{"intent": "explain"},
	}

	if got := inv.ContextString("topic"); got != "raft consensus" {
		t.Errorf("expected topic string, got %q", got)
	}
	if got := inv.ContextString("missing"); got != "" {
		t.Errorf("expected empty string for missing key, got %q", got)
	}
	if got := inv.ContextField(StageResearch, "mode"); got != "research" {
		t.Errorf("expected research mode, got %q", got)
	}
	if got := inv.ContextField(StageResearch, "findings"); got != "" {
		t.Errorf("expected empty string for non-string field, got %q", got)
	}
	if got := inv.ContextField("ghost", "mode"); got != "" {
		t.Errorf("expected empty string for missing stage, got %q", got)
	}

	if got := inv.Param("intent", "general"); got != "explain" {
		t.Errorf("expected param explain, got %q", got)
	}
	if got := inv.Param("mode", "fallback"); got != "fallback" {
		t.Errorf("expected param default, got %q", got)
	}

	empty := Invocation{}
	if got := empty.ContextString("anything"); got != "" {
		t.Errorf("expected empty string on nil context, got %q", got)
	}
	if got := empty.ContextField("stage", "field"); got != "" {
		t.Errorf("expected empty string on nil context, got %q", got)
	}
}
