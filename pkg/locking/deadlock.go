package locking

import "slices"

// findCycle searches the wait-for graph reachable from requester, whose
// waiter w has just been queued, for a path back to requester. It returns
// the client ids along the cycle starting with requester, or nil.
//
// Edges are never stored. A parked client's outgoing edges are read from the
// slot it is waiting on, under that slot's mutex, one slot at a time. The
// caller holds the table latch, so no other wait can be installed while the
// search runs.
func findCycle(requester *Client, w *waiter) []int64 {
	parent := map[*Client]*Client{}
	visited := map[*Client]bool{requester: true}

	var stack []*Client
	for _, b := range w.slot.blockers(w) {
		visited[b] = true
		parent[b] = requester
		stack = append(stack, b)
	}

	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		cw := c.waiting.Load()
		if cw == nil {
			continue
		}
		for _, b := range cw.slot.blockers(cw) {
			if b == requester {
				return cyclePath(parent, requester, c)
			}
			if visited[b] {
				continue
			}
			visited[b] = true
			parent[b] = c
			stack = append(stack, b)
		}
	}
	return nil
}

func cyclePath(parent map[*Client]*Client, requester, last *Client) []int64 {
	var path []int64
	for c := last; c != requester; c = parent[c] {
		path = append(path, c.id)
	}
	path = append(path, requester.id)
	slices.Reverse(path)
	return path
}
