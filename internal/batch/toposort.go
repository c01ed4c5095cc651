package batch

import (
	"github.com/weaveboard/synckit/internal/entity"
)

// DefaultMaxDepth bounds ancestor-chain traversal during the sort. A task
// tree deeper than this is almost certainly cyclic or corrupt; the sort
// emits early instead of walking further.
const DefaultMaxDepth = 100

// SortByParent orders payloads so every entity precedes the entities that
// name it as parent. Parents outside the input set are treated as already
// present remotely and impose no ordering.
//
// The traversal is iterative with explicit visiting marks. A cycle is broken
// by emitting the currently visited node early rather than failing the
// batch, and the depth guard forces early emission on implausibly deep
// chains. The output is always a permutation of the input: every node
// appears exactly once.
func SortByParent(nodes []*entity.Payload, maxDepth int) []*entity.Payload {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	byID := make(map[string]*entity.Payload, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	visited := make(map[string]bool, len(nodes))
	visiting := make(map[string]bool, len(nodes))
	out := make([]*entity.Payload, 0, len(nodes))

	emit := func(n *entity.Payload) {
		if !visited[n.ID] {
			visited[n.ID] = true
			delete(visiting, n.ID)
			out = append(out, n)
		}
	}

	for _, start := range nodes {
		if visited[start.ID] {
			continue
		}

		stack := []*entity.Payload{start}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			if visited[n.ID] {
				stack = stack[:len(stack)-1]
				continue
			}

			p, hasParent := byID[n.ParentID]

			switch {
			case !hasParent || visited[p.ID]:
				// No pending dependency; safe to emit.
				emit(n)
				stack = stack[:len(stack)-1]

			case visiting[p.ID]:
				// The parent is below us on the stack: a cycle. Emit this
				// node early to break it.
				emit(n)
				stack = stack[:len(stack)-1]

			case len(stack) >= maxDepth:
				// Depth guard: emit rather than chase the chain further.
				emit(n)
				stack = stack[:len(stack)-1]

			default:
				visiting[n.ID] = true
				stack = append(stack, p)
			}
		}
	}
	return out
}
