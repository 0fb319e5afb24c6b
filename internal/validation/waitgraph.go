package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/replaykit/pkg/schema"
)

// CheckWaitGraph looks for a cycle in a wait-for graph, where waits[a] lists
// the nodes a is blocked on (for example an orchestration waiting on the
// holder of an entity lock). Cycle detection uses Kahn's algorithm; on a cycle
// the result carries one error naming every node left on it.
func CheckWaitGraph(waits map[string][]string) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodes := make(map[string]bool, len(waits))
	for from, tos := range waits {
		nodes[from] = true
		for _, to := range tos {
			nodes[to] = true
		}
	}

	// edges[id] = nodes id waits on, reverse[id] = nodes waiting on id.
	edges := make(map[string][]string, len(nodes))
	reverse := make(map[string][]string, len(nodes))
	for from, tos := range waits {
		seen := make(map[string]bool, len(tos))
		for _, to := range tos {
			if seen[to] {
				continue
			}
			seen[to] = true
			edges[from] = append(edges[from], to)
			reverse[to] = append(reverse[to], from)
		}
	}

	inDegree := make(map[string]int, len(nodes))
	for id := range nodes {
		inDegree[id] = len(edges[id])
	}

	queue := make([]string, 0, len(nodes))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	// Sort roots for deterministic output.
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, waiter := range reverse[node] {
			inDegree[waiter]--
			if inDegree[waiter] == 0 {
				queue = append(queue, waiter)
			}
		}
	}

	if visited != len(nodes) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		result.AddError("waits", schema.ErrCodeLockingRules,
			fmt.Sprintf("wait-for cycle among %s", strings.Join(stuck, ", ")))
	}
	return result
}

// LockWaits builds the wait-for graph of lock requests from entity states.
// Nodes are lock requests, labeled "instance[request id]". A queued lock
// request waits on the request currently holding the entity, so a section
// whose release is still in flight is a different node from its owner's next
// lock request.
func LockWaits(states []*schema.SchedulerState) map[string][]string {
	waits := make(map[string][]string)
	for _, st := range states {
		if st == nil || st.LockedBy == "" {
			continue
		}
		holder := lockNode(st.LockedBy, st.LockRequestID)
		for _, req := range st.Queue {
			if !req.IsLockRequest() || req.ID.String() == st.LockRequestID {
				continue
			}
			waiter := lockNode(req.ParentInstanceID, req.ID.String())
			waits[waiter] = append(waits[waiter], holder)
		}
	}
	return waits
}

func lockNode(instanceID, requestID string) string {
	return instanceID + "[" + requestID + "]"
}
