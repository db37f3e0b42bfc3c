package expr

// Children returns n's direct sub-expressions in canonical order.
func Children(n Node) []Node {
	switch v := n.(type) {
	case *Binary:
		return []Node{v.Left, v.Right}
	case *Unary:
		return []Node{v.Operand}
	case *Call:
		out := append([]Node(nil), v.Args...)
		if v.Where != nil {
			out = append(out, v.Where)
		}
		return out
	case *Case:
		out := make([]Node, 0, 2*len(v.Branches)+1)
		for _, b := range v.Branches {
			out = append(out, b.When, b.Then)
		}
		if v.Else != nil {
			out = append(out, v.Else)
		}
		return out
	case *Assign:
		return []Node{v.Target, v.Value}
	}
	return nil
}

// Preorder lists every node of the tree, parents before children. The
// position of a node in this list is stable across surface forms.
func Preorder(root Node) []Node {
	var out []Node
	stack := []Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == nil {
			continue
		}
		out = append(out, n)
		kids := Children(n)
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	return out
}

// Depth is the number of nodes on the longest root-to-leaf path. A lone
// literal has depth 1.
func Depth(root Node) int {
	type frame struct {
		n Node
		d int
	}
	best := 0
	stack := []frame{{root, 1}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.n == nil {
			continue
		}
		if f.d > best {
			best = f.d
		}
		for _, k := range Children(f.n) {
			stack = append(stack, frame{k, f.d + 1})
		}
	}
	return best
}
