// Package types holds the small value types shared between the ANN core and
// the packages built on top of it.
package types

// Candidate is the internal search record of the HNSW graph: an internal id
// and its cosine distance from the query.
type Candidate struct {
	Id       uint32
	Distance float64
}

// SearchResult is a single hit leaving the ANN core, keyed by external id.
type SearchResult struct {
	ID       string
	Distance float64
}

// Similarity converts the cosine distance back to a raw cosine in [-1,1].
func (r SearchResult) Similarity() float64 {
	return 1.0 - r.Distance
}
