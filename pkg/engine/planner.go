package engine

import (
	"fmt"

	"github.com/normanking/conductor/pkg/engine/graph"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PIPELINE PLANNER
// ═══════════════════════════════════════════════════════════════════════════════

// Planner turns a classified request into a Plan. It is stateless: Plan is
// pure and deterministic for a given (intent, modality, hasFile, wantSpeech)
// tuple, with no side effects and no I/O.
type Planner struct{}

// NewPlanner creates a Planner.
func NewPlanner() *Planner { return &Planner{} }

// visualGroup is the parallel group shared by the image upfront stages.
const visualGroup = "visual"

// researchIntents lists the intents that get a research body stage even on
// non-text modalities. Text and audio requests always research.
var researchIntents = map[Intent]bool{
	IntentResearch: true,
	IntentCompare:  true,
	IntentExplain:  true,
	IntentAnalyze:  true,
}

// Plan builds the stage sequence for one session.
//
// Modality decides the upfront stages: image inserts vision-analysis and ocr
// in one parallel group, audio inserts transcribe before any text-dependent
// stage, document inserts retrieve. Every plan ends with the fixed tail
// summarize -> critique, plus speak when speech was requested or the intent
// is read_aloud. Text with intent general degenerates to exactly
// research -> summarize -> critique.
func (p *Planner) Plan(intent Intent, modality Modality, hasFile, wantSpeech bool) *Plan {
	if !intent.Valid() {
		intent = IntentGeneral
	}
	if !modality.Valid() {
		modality = ModalityText
	}
	if intent == IntentReadAloud {
		wantSpeech = true
	}

	var stages []StageSpec

	// Upfront modality stages.
	var upfront []string
	switch modality {
	case ModalityImage:
		stages = append(stages,
			StageSpec{Name: StageVisionAnalysis, Capability: CapAnalyzeImage, ParallelGroup: visualGroup},
			StageSpec{Name: StageOCR, Capability: CapExtractText, ParallelGroup: visualGroup},
		)
		upfront = []string{StageVisionAnalysis, StageOCR}
	case ModalityAudio:
		stages = append(stages, StageSpec{Name: StageTranscribe, Capability: CapTranscribeAudio})
		upfront = []string{StageTranscribe}
	case ModalityDocument:
		stages = append(stages, StageSpec{Name: StageRetrieve, Capability: CapSearchDocuments})
		upfront = []string{StageRetrieve}
	}

	// Body: research runs for every text or audio request, and for
	// research-shaped intents on the other modalities.
	withResearch := modality == ModalityText || modality == ModalityAudio || researchIntents[intent]
	if withResearch {
		stages = append(stages, StageSpec{
			Name:       StageResearch,
			Capability: CapResearchTopic,
			DependsOn:  upfront,
			Retryable:  true,
			MaxRetries: 1,
			Params:     map[string]string{"mode": string(intent)},
		})
	}

	// Fixed tail.
	summarizeDeps := upfront
	if withResearch {
		summarizeDeps = []string{StageResearch}
	}
	stages = append(stages,
		StageSpec{
			Name:       StageSummarize,
			Capability: CapGenerateText,
			DependsOn:  summarizeDeps,
			Retryable:  true,
			MaxRetries: 1,
			Params:     map[string]string{"intent": string(intent)},
		},
		StageSpec{Name: StageCritique, Capability: CapCritiqueResponse, DependsOn: []string{StageSummarize}},
	)
	if wantSpeech {
		stages = append(stages, StageSpec{Name: StageSpeak, Capability: CapSynthesizeSpeech, DependsOn: []string{StageCritique}})
	}

	retryStage := StageSummarize
	if withResearch {
		retryStage = StageResearch
	}

	return &Plan{
		Intent:     intent,
		Modality:   modality,
		Stages:     stages,
		RetryStage: retryStage,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// PLAN VALIDATION
// ═══════════════════════════════════════════════════════════════════════════════

// ValidatePlan checks a plan against the capability registry before any
// stage executes. A missing capability surfaces CapabilityUnavailable here,
// at plan-validation time, never at execution time.
func ValidatePlan(plan *Plan, reg *Registry) error {
	if plan == nil || len(plan.Stages) == 0 {
		return &SessionError{Kind: KindValidation, Message: "plan has no stages"}
	}

	seen := make(map[string]int, len(plan.Stages))
	g := graph.New()

	for i, spec := range plan.Stages {
		if spec.Name == "" {
			return &SessionError{Kind: KindValidation, Message: fmt.Sprintf("stage %d has no name", i)}
		}
		if _, dup := seen[spec.Name]; dup {
			return &SessionError{Kind: KindValidation, Message: fmt.Sprintf("duplicate stage %q", spec.Name)}
		}
		seen[spec.Name] = i

		if !reg.Has(spec.Capability) {
			return &SessionError{
				Kind:    KindCapabilityUnavailable,
				Message: fmt.Sprintf("stage %q references unregistered capability %q", spec.Name, spec.Capability),
			}
		}

		g.AddStage(spec.Name)
		for _, dep := range spec.DependsOn {
			depIdx, ok := seen[dep]
			if !ok {
				return &SessionError{
					Kind:    KindValidation,
					Message: fmt.Sprintf("stage %q depends on unknown or later stage %q", spec.Name, dep),
				}
			}
			// The cursor walks stages in plan order, so a dependency in
			// the same parallel group could never be satisfied.
			if plan.Stages[depIdx].ParallelGroup != "" && plan.Stages[depIdx].ParallelGroup == spec.ParallelGroup {
				return &SessionError{
					Kind:    KindValidation,
					Message: fmt.Sprintf("stage %q depends on %q inside the same parallel group", spec.Name, dep),
				}
			}
			if err := g.AddDependency(spec.Name, dep); err != nil {
				return &SessionError{Kind: KindValidation, Message: err.Error()}
			}
		}
	}

	// Parallel groups must be contiguous runs: the coordinator dispatches
	// the run at the cursor as one barrier.
	for i := 1; i < len(plan.Stages); i++ {
		gid := plan.Stages[i].ParallelGroup
		if gid == "" || plan.Stages[i-1].ParallelGroup == gid {
			continue
		}
		for j := 0; j < i-1; j++ {
			if plan.Stages[j].ParallelGroup == gid {
				return &SessionError{
					Kind:    KindValidation,
					Message: fmt.Sprintf("parallel group %q is not contiguous", gid),
				}
			}
		}
	}

	if plan.RetryStage != "" {
		if _, ok := seen[plan.RetryStage]; !ok {
			return &SessionError{Kind: KindValidation, Message: fmt.Sprintf("retry stage %q not in plan", plan.RetryStage)}
		}
	}

	return nil
}
