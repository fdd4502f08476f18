package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/normanking/conductor/pkg/engine"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DOCUMENT RETRIEVAL
// ═══════════════════════════════════════════════════════════════════════════════

// Retriever returns the search-documents capability: a chunk-and-retrieve
// stand-in that fabricates passages from the query's significant terms and
// the uploaded document's name.
func Retriever() engine.Definition {
	return engine.Definition{
		Name:        engine.CapSearchDocuments,
		Description: "Retrieves passages relevant to the query from the uploaded document",
		Timeout:     15 * time.Second,
		Handler: engine.HandlerFunc(func(ctx context.Context, inv engine.Invocation) (map[string]any, error) {
			doc := inv.Param("file", "the uploaded document")
			terms := significantTerms(inv.Query, 3)
			if len(terms) == 0 {
				terms = labelsFromName(doc)
			}

			passages := make([]string, 0, len(terms))
			for i, term := range terms {
				passages = append(passages,
					fmt.Sprintf("Section %d of %s discusses %s in context.", i+1, doc, term))
			}
			return map[string]any{
				"passages": passages,
				"matches":  len(passages),
				"document": doc,
			}, nil
		}),
		Fallback: func(inv engine.Invocation) map[string]any {
			return map[string]any{
				"passages": []string{},
				"matches":  0,
				"document": inv.Param("file", ""),
			}
		},
	}
}
