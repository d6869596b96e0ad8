// Package memory provides the episodic memory layers of the agent.
//
// Memory is split into a long-term episodic store and a short-horizon
// working context. Every completed turn is fused into a single
// content-addressed record, so committing the same exchange twice never
// produces a second record.
//
// Architecture:
//   - VectorStore: Similarity-search backend (chromem-go locally)
//   - Embedder: Text-to-vector conversion (HTTP backend with hash fallback)
//   - SearchStrategy: Which vector spaces a record and a query are embedded into
//   - EpisodicStore: Commit, search and pin operations over the VectorStore
//   - WorkingContext: Recent turns, narrative anchors and operator injections
//
// Ranking:
//   - Store hits are weighted by manual weight, similarity and a 7-day decay
//   - Working-buffer turns carry a fixed weight so live context is never outranked
//   - Entries are deduplicated by text, sorted and truncated to k
//
// Integration:
//   - RECALL phase: WorkingContext.Recall before the response is generated
//   - COMMIT phase: WorkingContext.AddTurn/UpdateAnchor and EpisodicStore.Commit
package memory
