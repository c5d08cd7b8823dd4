// Package lineage resolves an idea's origin id by following parent links to
// a fixed point.
package lineage

// ResolveOrigin walks the parent mapping from id until it reaches a node
// with no parent. The walk is iterative with an explicit visited set: the
// moment a revisit or self-loop is detected the current node is returned
// unchanged, bounding worst-case work on cyclic data.
func ResolveOrigin(id string, parents map[string]string) string {
	if id == "" {
		return id
	}

	visited := map[string]struct{}{id: {}}
	current := id
	for {
		parent, ok := parents[current]
		if !ok || parent == "" || parent == current {
			return current
		}
		if _, seen := visited[parent]; seen {
			return current
		}
		visited[parent] = struct{}{}
		current = parent
	}
}
