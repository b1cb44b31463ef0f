package executions

import "sort"

// BuildTree assembles steps into a forest. Roots are ordered by phase and
// then sequence; children are ordered by sequence. A step whose parent is
// missing from steps is treated as a root.
func BuildTree(steps []*Step) []*StepNode {
	nodes := make(map[string]*StepNode, len(steps))
	for _, st := range steps {
		nodes[st.ID] = &StepNode{Step: st, Children: []*StepNode{}}
	}

	var roots []*StepNode
	for _, st := range steps {
		node := nodes[st.ID]
		parent, ok := nodes[st.ParentID]
		if st.ParentID == "" || !ok || parent == node {
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}

	for _, node := range nodes {
		sort.Slice(node.Children, func(i, j int) bool {
			return node.Children[i].Sequence < node.Children[j].Sequence
		})
	}
	sort.Slice(roots, func(i, j int) bool {
		if roots[i].Phase != roots[j].Phase {
			return roots[i].Phase < roots[j].Phase
		}
		return roots[i].Sequence < roots[j].Sequence
	})
	return roots
}

// Walk visits every node depth-first in tree order.
func Walk(roots []*StepNode, fn func(node *StepNode, depth int)) {
	var visit func(n *StepNode, depth int)
	visit = func(n *StepNode, depth int) {
		fn(n, depth)
		for _, c := range n.Children {
			visit(c, depth+1)
		}
	}
	for _, r := range roots {
		visit(r, 0)
	}
}
