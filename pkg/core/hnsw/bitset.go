package hnsw

// visitedSet is a growable bitmap over internal ids, pooled between searches.
type visitedSet struct {
	words []uint64
}

func newVisitedSet(capacity uint32) *visitedSet {
	return &visitedSet{words: make([]uint64, (capacity>>6)+1)}
}

func (v *visitedSet) ensure(maxID uint32) {
	need := int(maxID>>6) + 1
	if len(v.words) < need {
		grown := make([]uint64, need)
		copy(grown, v.words)
		v.words = grown
	}
}

// visit marks n and reports whether it was already marked.
func (v *visitedSet) visit(n uint32) bool {
	v.ensure(n)
	w, bit := n>>6, uint64(1)<<(n&63)
	if v.words[w]&bit != 0 {
		return true
	}
	v.words[w] |= bit
	return false
}

func (v *visitedSet) reset() {
	clear(v.words)
}
