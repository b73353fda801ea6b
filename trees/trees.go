// Package trees holds a generic tree of named values, used for the model params and the KV cache.
//
// Paths are sequences of names from the root (e.g. {"layer_0", "k"}). Each node is either a leaf holding a
// value or a map of named children, but never both.
package trees

import (
	"fmt"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"iter"
	"strings"
)

// Node is either a Value or a Map of its children -- but not both.
type Node[T any] struct {
	// Value is set for leaf nodes only.
	Value T

	// Map is set for non-leaf nodes (and nil in leaf nodes).
	Map map[string]*Node[T]
}

func (n *Node[T]) IsLeaf() bool { return n.Map == nil }

// Tree holds the root node of the tree. The root is usually a map, except for trees created with NewLeaf.
//
// T is the type of the leaf nodes.
type Tree[T any] struct {
	*Node[T]
}

// Path is usually used as the path from the root node.
type Path []string

// String implements fmt.Stringer, joining the elements with "/".
func (p Path) String() string { return strings.Join(p, "/") }

// ParsePath splits a "/" separated path. Empty elements are dropped.
func ParsePath(s string) Path {
	return slices.DeleteFunc(strings.Split(s, "/"), func(e string) bool { return e == "" })
}

// New creates a new empty tree.
func New[T any]() *Tree[T] {
	return &Tree[T]{Node: NewMapNode[T]()}
}

// NewLeaf creates a tree whose root is a single leaf with the given value.
func NewLeaf[T any](value T) *Tree[T] {
	return &Tree[T]{Node: NewLeafNode[T](value)}
}

// NewMapNode creates a new node that is Map, empty.
func NewMapNode[T any]() *Node[T] {
	return &Node[T]{Map: make(map[string]*Node[T])}
}

// NewLeafNode creates a new leaf node with the given value.
func NewLeafNode[T any](value T) *Node[T] {
	return &Node[T]{Value: value}
}

// Set value in treePath, populating intermediary nodes where needed.
//
// Empty values in treePath are not used. An empty path sets the root value, which only works for trees
// created with NewLeaf.
//
// It returns an error if one is trying to set the value to an existing non-leaf node: nodes can either
// be a leaf or a Map (non-leaf), but not both.
func (tree *Tree[T]) Set(treePath Path, value T) error {
	node := tree.Node
	// Remove empty ("") path components -- clone the slice, not to modify caller's slice.
	if slices.Index(treePath, "") >= 0 {
		treePath = slices.DeleteFunc(slices.Clone(treePath),
			func(s string) bool {
				return s == ""
			})
	}
	for pathCount, pathElement := range treePath {
		if node.IsLeaf() {
			var t T
			return errors.Errorf("trees.Tree[%T].Set(%q) trying to create a path using an existing leaf node (%q) as a non-leaf node",
				t, treePath, treePath[:pathCount])
		}
		newNode := node.Map[pathElement]
		if newNode == nil {
			if pathCount == len(treePath)-1 {
				newNode = NewLeafNode[T](value)
			} else {
				newNode = NewMapNode[T]()
			}
			node.Map[pathElement] = newNode
		}
		node = newNode
	}
	if !node.IsLeaf() {
		var t T
		return errors.Errorf("trees.Tree[%T].Set(%q) trying to set the value to a non-leaf node -- each node can either be a leaf node, or be a structural map of the tree",
			t, treePath)
	}
	node.Value = value
	return nil
}

// Get returns the value of the leaf at treePath.
//
// It returns an error if the path doesn't exist or if it points to a non-leaf node.
func (tree *Tree[T]) Get(treePath Path) (value T, err error) {
	node := tree.Node
	for ii, pathElement := range treePath {
		if pathElement == "" {
			continue
		}
		if node.IsLeaf() {
			err = errors.Errorf("trees.Tree[%T].Get(%q): %q is a leaf node", value, treePath, treePath[:ii])
			return
		}
		next, found := node.Map[pathElement]
		if !found {
			err = errors.Errorf("trees.Tree[%T].Get(%q): %q not found", value, treePath, treePath[:ii+1])
			return
		}
		node = next
	}
	if !node.IsLeaf() {
		err = errors.Errorf("trees.Tree[%T].Get(%q): path points to a non-leaf node", value, treePath)
		return
	}
	value = node.Value
	return
}

// String implements fmt.String
func (tree *Tree[T]) String() string {
	var parts []string
	parts = nodeToString(parts, "/", tree.Node, 0)
	return strings.Join(parts, "\n") + "\n"
}

func nodeToString[T any](parts []string, name string, subTree *Node[T], indent int) []string {
	indentSpaces := strings.Repeat("  ", indent)
	indent++
	if subTree.IsLeaf() {
		var valueAny any
		valueAny = subTree.Value
		if valueStr, ok := valueAny.(fmt.Stringer); ok {
			// T is a stringer:
			return append(parts, fmt.Sprintf("%s%q: %s", indentSpaces, name, valueStr))
		}
		// If not a stringer, use %v.
		return append(parts, fmt.Sprintf("%s%q: %v", indentSpaces, name, subTree.Value))
	}
	parts = append(parts, fmt.Sprintf("%s%q: {", indentSpaces, name))
	for _, key := range xslices.SortedKeys(subTree.Map) {
		parts = nodeToString(parts, key, subTree.Map[key], indent)
	}
	parts = append(parts, fmt.Sprintf("%s}", indentSpaces))
	return parts
}

// Map converts a Tree[T1] to a Tree[T2] by calling mapFn at every element.
// The structure of tree1 is preserved.
func Map[T1, T2 any](tree1 *Tree[T1], mapFn func(Path, T1) T2) *Tree[T2] {
	if tree1.IsLeaf() {
		return NewLeaf(mapFn(nil, tree1.Value))
	}
	tree2 := New[T2]()
	for p, t1 := range tree1.Leaves() {
		err := tree2.Set(p, mapFn(p, t1))
		if err != nil {
			// Should never happen, since there can be no errors duplicating the structure of an existing valid tree.
			panic(err)
		}
	}
	return tree2
}

// Leaves returns an iterator that goes over all the leaf nodes of the Tree.
// The key is a Path, and value is T.
func (tree *Tree[T]) Leaves() iter.Seq2[Path, T] {
	return func(yield func(Path, T) bool) {
		recursiveLeaves(nil, tree.Node, false, yield)
	}
}

// NumLeaves traverses the trees and returns the number of leaf nodes.
func (tree *Tree[T]) NumLeaves() int {
	var count int
	for range tree.Leaves() {
		count++
	}
	return count
}

// OrderedLeaves returns an iterator that goes over all the leaf nodes of the Tree in alphabetical order of the
// tree nodes (depth-first).
//
// The key is a Path, and value is T.
func (tree *Tree[T]) OrderedLeaves() iter.Seq2[Path, T] {
	return func(yield func(Path, T) bool) {
		recursiveLeaves(nil, tree.Node, true, yield)
	}
}

func recursiveLeaves[T any](treePath Path, node *Node[T], ordered bool, yield func(Path, T) bool) bool {
	if node.IsLeaf() {
		return yield(slices.Clone(treePath), node.Value)
	}
	if ordered {
		for _, key := range xslices.SortedKeys(node.Map) {
			if !recursiveLeaves[T](append(treePath, key), node.Map[key], ordered, yield) {
				return false
			}
		}
		return true
	}
	// Usual range over map, non-deterministic.
	for key, subNode := range node.Map {
		if !recursiveLeaves(append(treePath, key), subNode, ordered, yield) {
			return false
		}
	}
	return true
}

// ValuesAsList extracts the leaf values of Tree into a list.
//
// It's generated in alphabetical order -- see OrderedLeaves to see or generate the order.
func ValuesAsList[T any](tree *Tree[T]) []T {
	results := make([]T, 0, tree.NumLeaves())
	for _, values := range tree.OrderedLeaves() {
		results = append(results, values)
	}
	return results
}

// FromValuesAndTree creates a Tree[T1] with the given values, but borrowing the structure from the given tree (but
// ignoring the tree's values).
func FromValuesAndTree[T1, T2 any](values []T1, tree *Tree[T2]) *Tree[T1] {
	numLeaves := tree.NumLeaves()
	if len(values) != numLeaves {
		exceptions.Panicf("%d values given, but the tree to be built has %d leaves.", len(values), numLeaves)
	}
	if tree.IsLeaf() {
		return NewLeaf(values[0])
	}
	newTree := New[T1]()
	var idx int
	for treePath := range tree.OrderedLeaves() {
		err := newTree.Set(treePath, values[idx])
		if err != nil {
			// Should never happen, since there can be no errors duplicating the structure of an existing valid tree.
			panic(err)
		}
		idx++
	}
	return newTree
}

// Equal returns whether tree1 and tree2 have the same structure and leaves for which eqFn returns true.
func Equal[T1, T2 any](tree1 *Tree[T1], tree2 *Tree[T2], eqFn func(Path, T1, T2) bool) bool {
	if tree1.NumLeaves() != tree2.NumLeaves() {
		return false
	}
	if tree1.IsLeaf() != tree2.IsLeaf() {
		return false
	}
	for p, v1 := range tree1.Leaves() {
		v2, err := tree2.Get(p)
		if err != nil || !eqFn(p, v1, v2) {
			return false
		}
	}
	return true
}
