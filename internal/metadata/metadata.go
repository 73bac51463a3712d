// Package metadata defines the hierarchical file node model and the pure
// tree-traversal helpers shared by the store implementations.
package metadata

import (
	"errors"
	"sort"
	"time"
)

// Errors form the taxonomy the HTTP layer maps to status codes.
var (
	ErrNotFound     = errors.New("node not found")
	ErrNotADir      = errors.New("target is not a directory")
	ErrNameConflict = errors.New("sibling with the same name exists")
	ErrSelfMove     = errors.New("cannot move a node into itself")
	ErrCycle        = errors.New("move would create a cycle")
)

// Node is a row in the hierarchical metadata store. ParentID is empty for
// nodes attached to the root. ContentHash and StorageKey are set only for
// files.
type Node struct {
	ID          string
	Name        string
	IsDir       bool
	ParentID    string
	Size        int64
	ContentHash string
	StorageKey  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Arena is a set of loaded nodes indexed by id. Traversals over an arena are
// iterative so termination does not depend on recursion depth.
type Arena map[string]*Node

// IsAncestor reports whether candidate is id itself or one of id's ancestors.
// The walk follows parent pointers and stops at the root or after visiting
// every node once, so a corrupted parent chain cannot loop forever.
func (a Arena) IsAncestor(id, candidate string) bool {
	seen := make(map[string]struct{}, len(a))
	for cur := id; cur != ""; {
		if cur == candidate {
			return true
		}
		if _, ok := seen[cur]; ok {
			return false
		}
		seen[cur] = struct{}{}
		node, ok := a[cur]
		if !ok {
			return false
		}
		cur = node.ParentID
	}
	return false
}

// CollectSubtree returns id and every descendant of id, parents before their
// contents. Uses an explicit stack instead of recursion.
func (a Arena) CollectSubtree(id string) []*Node {
	root, ok := a[id]
	if !ok {
		return nil
	}

	children := make(map[string][]*Node, len(a))
	for _, n := range a {
		if n.ParentID != "" {
			children[n.ParentID] = append(children[n.ParentID], n)
		}
	}

	var out []*Node
	stack := []*Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, n)
		stack = append(stack, children[n.ID]...)
	}
	return out
}

// SortListing orders direct children the way listings are served: directories
// before files, then alphabetically by name.
func SortListing(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].IsDir != nodes[j].IsDir {
			return nodes[i].IsDir
		}
		return nodes[i].Name < nodes[j].Name
	})
}
