package documap

import "fmt"

// QNode is a node in a filter expression tree: either a Q leaf of raw
// keyword conditions or an And/Or combination of subtrees.
type QNode interface {
	And(other QNode) QNode
	Or(other QNode) QNode
	isLeaf() bool
}

// Q is a leaf of keyword conditions in the double underscore syntax,
// e.g. Q{"age__gte": 18, "name__istartswith": "jo"}.
type Q map[string]any

func (q Q) isLeaf() bool { return true }

func (q Q) And(other QNode) QNode { return newCombination(opAnd, q, other) }
func (q Q) Or(other QNode) QNode  { return newCombination(opOr, q, other) }

// Empty reports whether the leaf constrains nothing.
func (q Q) Empty() bool { return len(q) == 0 }

type combOp int

const (
	opAnd combOp = iota
	opOr
)

type combination struct {
	op       combOp
	children []QNode
}

func (c *combination) isLeaf() bool { return false }

func (c *combination) And(other QNode) QNode { return newCombination(opAnd, c, other) }
func (c *combination) Or(other QNode) QNode  { return newCombination(opOr, c, other) }

// newCombination flattens children that share the operation and drops
// empty leaves so the tree stays shallow.
func newCombination(op combOp, nodes ...QNode) QNode {
	out := &combination{op: op}
	for _, n := range nodes {
		switch child := n.(type) {
		case nil:
		case Q:
			if !child.Empty() {
				out.children = append(out.children, child)
			}
		case *combination:
			if child.op == op {
				out.children = append(out.children, child.children...)
			} else {
				out.children = append(out.children, child)
			}
		default:
			out.children = append(out.children, n)
		}
	}
	switch len(out.children) {
	case 0:
		return Q{}
	case 1:
		return out.children[0]
	}
	return out
}

// And combines nodes into a conjunction, Or into a disjunction.
func And(nodes ...QNode) QNode { return newCombination(opAnd, nodes...) }
func Or(nodes ...QNode) QNode  { return newCombination(opOr, nodes...) }

// simplify merges a conjunction of pure leaves into a single leaf. Two
// leaves constraining the same raw key cannot be merged and surface
// ErrDuplicateConditions instead of being silently dropped.
func simplify(n QNode) (QNode, error) {
	c, ok := n.(*combination)
	if !ok {
		return n, nil
	}
	children := make([]QNode, 0, len(c.children))
	for _, child := range c.children {
		s, err := simplify(child)
		if err != nil {
			return nil, err
		}
		children = append(children, s)
	}
	if c.op == opAnd {
		allLeaves := true
		for _, child := range children {
			if !child.isLeaf() {
				allLeaves = false
				break
			}
		}
		if allLeaves {
			merged := Q{}
			for _, child := range children {
				for k, v := range child.(Q) {
					if _, ok := merged[k]; ok {
						return nil, fmt.Errorf("%w: %s", ErrDuplicateConditions, k)
					}
					merged[k] = v
				}
			}
			return merged, nil
		}
	}
	return &combination{op: c.op, children: children}, nil
}
