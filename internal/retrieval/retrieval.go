// ABOUTME: Retriever interface supplying context passages for chat turns
// ABOUTME: Includes a static implementation for dev mode and tests

package retrieval

import (
	"context"
	"strings"

	"github.com/loomhq/loom-gateway/internal/frame"
)

// Passage is one retrieved context snippet with its provenance.
type Passage struct {
	Text   string
	Source frame.Source
}

// Retriever returns passages relevant to a query within a workspace.
type Retriever interface {
	Retrieve(ctx context.Context, workspaceID, query string) ([]Passage, error)
}

// Static serves a fixed passage set, filtered by naive substring match.
// It backs dev mode, where no external vector service is available.
type Static struct {
	Passages []Passage
}

// Retrieve returns every passage sharing a word with the query, or nothing
// when the query matches none.
func (s *Static) Retrieve(_ context.Context, _ string, query string) ([]Passage, error) {
	words := strings.Fields(strings.ToLower(query))
	var out []Passage
	for _, p := range s.Passages {
		text := strings.ToLower(p.Text)
		for _, w := range words {
			if strings.Contains(text, w) {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}

// Empty is a Retriever that never returns passages.
type Empty struct{}

// Retrieve returns no passages.
func (Empty) Retrieve(context.Context, string, string) ([]Passage, error) {
	return nil, nil
}
