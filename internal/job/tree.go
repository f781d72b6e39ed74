package job

import "sort"

// Node is the tree view of parent/child relations. Parent/child links are
// informational only; they never affect execution.
type Node struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Parent   string  `json:"parent,omitempty"`
	Children []*Node `json:"children,omitempty"`
}

// BuildTree arranges defs into a forest. Jobs whose parent is missing
// become roots. Cycles are broken at the first revisited node.
func BuildTree(defs []Definition) []*Node {
	byID := make(map[int64]Definition, len(defs))
	kids := make(map[int64][]int64)
	var roots []int64
	for _, d := range defs {
		byID[d.ID] = d
	}
	for _, d := range defs {
		if d.ParentID != nil {
			if _, ok := byID[*d.ParentID]; ok && *d.ParentID != d.ID {
				kids[*d.ParentID] = append(kids[*d.ParentID], d.ID)
				continue
			}
		}
		roots = append(roots, d.ID)
	}

	seen := make(map[int64]bool, len(defs))
	var build func(id int64, parent string) *Node
	build = func(id int64, parent string) *Node {
		seen[id] = true
		d := byID[id]
		n := &Node{ID: id, Name: d.Name, Parent: parent}
		ch := kids[id]
		sort.Slice(ch, func(i, j int) bool { return ch[i] < ch[j] })
		for _, c := range ch {
			if seen[c] {
				continue
			}
			n.Children = append(n.Children, build(c, d.Name))
		}
		return n
	}

	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })
	var out []*Node
	for _, id := range roots {
		out = append(out, build(id, ""))
	}
	// Members of a pure cycle have no root; surface each cycle once.
	ids := make([]int64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if !seen[id] {
			out = append(out, build(id, ""))
		}
	}
	return out
}
