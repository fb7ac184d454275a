package scheduler

import "container/heap"

// taskNode is an entry in the ready queue.
type taskNode struct {
	key      string
	priority int // lower value dispatches first
	index    int // heap index
}

// readyQueue is a min-heap of ready tasks. Tasks deeper on the critical path
// carry lower priority values so long chains start early; ordering among
// ready tasks is a heuristic only, never a correctness property.
type readyQueue []*taskNode

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool { return q[i].priority < q[j].priority }

func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *readyQueue) Push(x any) {
	node := x.(*taskNode)
	node.index = len(*q)
	*q = append(*q, node)
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	node := old[n-1]
	old[n-1] = nil
	node.index = -1
	*q = old[:n-1]
	return node
}

// push enqueues a task key with the given priority.
func (q *readyQueue) push(key string, priority int) {
	heap.Push(q, &taskNode{key: key, priority: priority})
}

// pop removes and returns the highest-priority task key.
func (q *readyQueue) pop() string {
	return heap.Pop(q).(*taskNode).key
}
