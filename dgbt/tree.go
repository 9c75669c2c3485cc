package dgbt

import "fmt"

// A Node is one decision-tree node. Leaves have an InvalidAttribute
// attribute and carry a prediction value; internal nodes route examples
// through their condition.
type Node struct {
	Attribute int
	Condition Condition
	Value     float64
	Stats     LabelStatistics

	Positive *Node
	Negative *Node
}

// IsLeaf reports whether the node carries a prediction.
func (n *Node) IsLeaf() bool {
	return n.Attribute == InvalidAttribute
}

// A Tree is one regression tree of the ensemble.
type Tree struct {
	Root *Node
}

// Predict routes an example, given as a dense row of column values, to
// a leaf and returns its value.
func (t *Tree) Predict(row []float64) float64 {
	node := t.Root
	for !node.IsLeaf() {
		if node.Condition.Evaluate(row[node.Attribute]) {
			node = node.Positive
		} else {
			node = node.Negative
		}
	}
	return node.Value
}

// NumNodes counts the nodes of the tree.
func (t *Tree) NumNodes() int {
	return countNodes(t.Root)
}

func countNodes(n *Node) int {
	if n == nil {
		return 0
	}
	return 1 + countNodes(n.Positive) + countNodes(n.Negative)
}

// OpenNodeChildren records where the examples of one open node go
// after a layer of splits is applied: the open-node indices of the two
// children, or Closed for a node that became a leaf.
type OpenNodeChildren struct {
	Positive int
	Negative int
}

// Closed marks an open node that received no valid split.
const Closed = -1

// A TreeBuilder grows one tree layer by layer. The coordinator owns
// one per weak model; workers keep an identical replica so that leaf
// values and open-node numbering agree on both sides without being
// exchanged.
type TreeBuilder struct {
	shrinkage float64
	tree      *Tree
	openNodes []*Node
}

// NewTreeBuilder creates a builder for a single tree.
func NewTreeBuilder(shrinkage float64) *TreeBuilder {
	return &TreeBuilder{shrinkage: shrinkage, tree: &Tree{}}
}

// SetRootValue installs the root as the only open node, with its value
// derived from the root label statistics.
func (t *TreeBuilder) SetRootValue(stats LabelStatistics) {
	root := t.newLeaf(stats)
	t.tree.Root = root
	t.openNodes = []*Node{root}
}

// NumOpenNodes returns the number of currently open leaves.
func (t *TreeBuilder) NumOpenNodes() int {
	return len(t.openNodes)
}

// Tree returns the tree under construction.
func (t *TreeBuilder) Tree() *Tree {
	return t.tree
}

// OpenNode returns the open leaf at an open-node index.
func (t *TreeBuilder) OpenNode(idx int) *Node {
	return t.openNodes[idx]
}

// ApplySplits installs one layer of merged splits. Open nodes with a
// valid split become internal nodes whose children are the next
// layer's open nodes, in order; the rest close into leaves. The
// returned remapping translates old open-node indices to new ones.
func (t *TreeBuilder) ApplySplits(splits SplitPerOpenNode) ([]OpenNodeChildren, error) {
	if len(splits) != len(t.openNodes) {
		return nil, fmt.Errorf("%w: %d splits for %d open nodes",
			ErrInternal, len(splits), len(t.openNodes))
	}
	remap := make([]OpenNodeChildren, len(splits))
	var newOpen []*Node
	for i, node := range t.openNodes {
		split := &splits[i]
		if !split.Valid() {
			remap[i] = OpenNodeChildren{Positive: Closed, Negative: Closed}
			continue
		}
		node.Attribute = split.Attribute
		node.Condition = split.Condition
		node.Positive = t.newLeaf(split.PositiveStats)
		node.Negative = t.newLeaf(split.NegativeStats)
		remap[i] = OpenNodeChildren{
			Positive: len(newOpen),
			Negative: len(newOpen) + 1,
		}
		newOpen = append(newOpen, node.Positive, node.Negative)
	}
	t.openNodes = newOpen
	return remap, nil
}

func (t *TreeBuilder) newLeaf(stats LabelStatistics) *Node {
	return &Node{
		Attribute: InvalidAttribute,
		Value:     t.shrinkage * stats.Mean(),
		Stats:     stats,
	}
}
