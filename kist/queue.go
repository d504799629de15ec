package kist

import "container/heap"

// pqEntry is one channel's slot in the pending priority queue.
// serviceSeq implements round-robin among equal-priority channels: the
// channel least recently served sorts first. jitter breaks exact ties
// among channels that have never been served, drawn from the weak RNG
// so no one channel is favored by map/slice iteration order alone.
type pqEntry struct {
	ch         Channel
	priority   int64
	serviceSeq int64
	jitter     int64
	index      int
}

type priorityQueue []*pqEntry

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	a, b := pq[i], pq[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if a.serviceSeq != b.serviceSeq {
		return a.serviceSeq < b.serviceSeq
	}
	return a.jitter < b.jitter
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	e := x.(*pqEntry)
	e.index = len(*pq)
	*pq = append(*pq, e)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	e := old[n-1]
	e.index = -1
	*pq = old[:n-1]
	return e
}

var _ heap.Interface = (*priorityQueue)(nil)
