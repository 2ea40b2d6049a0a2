package hnsw

import (
	"container/heap"

	"github.com/sanonone/kektorbrain/pkg/core/types"
)

// minHeap keeps the nearest candidate on top. It drives graph exploration.
type minHeap []types.Candidate

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].Distance < h[j].Distance }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(types.Candidate)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (h *minHeap) push(c types.Candidate) { heap.Push(h, c) }
func (h *minHeap) pop() types.Candidate  { return heap.Pop(h).(types.Candidate) }

// maxHeap keeps the farthest of the current best results on top, so it can
// be evicted when something closer turns up.
type maxHeap []types.Candidate

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[i].Distance > h[j].Distance }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(types.Candidate)) }
func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (h *maxHeap) push(c types.Candidate) { heap.Push(h, c) }
func (h *maxHeap) pop() types.Candidate  { return heap.Pop(h).(types.Candidate) }
func (h maxHeap) peek() types.Candidate  { return h[0] }
