// Package hnsw provides the implementation of the Hierarchical Navigable Small World
// graph algorithm for approximate nearest neighbor search under cosine distance.
//
// This file defines the Node struct, the building block of the graph. Each
// node holds a unit vector and its connections across layers.
package hnsw

// Node represents a single vector within the HNSW graph.
type Node struct {
	// Id is the external identifier (the knowledge-graph node id).
	Id string
	// InternalID is the dense index into the graph's node slice.
	InternalID uint32
	// VectorF32 stores float32 vectors. Immutable once published.
	VectorF32 []float32
	// VectorF16 stores float16 vectors as raw bits. Immutable once published.
	VectorF16 []uint16

	// Connections[l] holds the neighbours at layer l.
	Connections [][]uint32
	// Deleted marks a soft-deleted node. It stays in the graph for
	// traversal until the next vacuum.
	Deleted bool
}

// vector returns the node's vector as float32 regardless of precision.
func (n *Node) vector() []float32 {
	if n.VectorF32 != nil {
		out := make([]float32, len(n.VectorF32))
		copy(out, n.VectorF32)
		return out
	}
	return distanceFromF16(n.VectorF16)
}
