// Package search defines the Provider interface for the document retriever
// behind the search_documents tool. Results are injected into the next LLM
// completion as a system-role RAG note; they are never spoken directly.
package search

import "context"

// Snippet is one retrieved document fragment.
type Snippet struct {
	// Text is the snippet content.
	Text string

	// Score is the similarity score; higher is more relevant.
	Score float64

	// Source identifies the origin document, when known.
	Source string
}

// Provider is the abstraction over any vector-search backend.
//
// Implementations must be safe for concurrent use and must respect context
// cancellation.
type Provider interface {
	// Search returns up to k snippets relevant to query, most relevant
	// first. An empty result is not an error.
	Search(ctx context.Context, query string, k int) ([]Snippet, error)
}
