package metadata

import "testing"

func buildArena(t *testing.T) Arena {
	t.Helper()
	// root -> a -> b -> c, plus file f under b
	nodes := []*Node{
		{ID: "a", Name: "a", IsDir: true},
		{ID: "b", Name: "b", IsDir: true, ParentID: "a"},
		{ID: "c", Name: "c", IsDir: true, ParentID: "b"},
		{ID: "f", Name: "f.txt", ParentID: "b", Size: 10},
	}
	arena := make(Arena, len(nodes))
	for _, n := range nodes {
		arena[n.ID] = n
	}
	return arena
}

func TestArenaIsAncestor(t *testing.T) {
	arena := buildArena(t)

	cases := []struct {
		name      string
		id        string
		candidate string
		want      bool
	}{
		{"self", "a", "a", true},
		{"direct parent", "b", "a", true},
		{"grandparent", "c", "a", true},
		{"descendant is not ancestor", "a", "c", false},
		{"sibling file", "f", "c", false},
		{"unknown id", "zz", "a", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := arena.IsAncestor(tc.id, tc.candidate); got != tc.want {
				t.Errorf("IsAncestor(%q, %q) = %v, want %v", tc.id, tc.candidate, got, tc.want)
			}
		})
	}
}

func TestArenaIsAncestorBrokenChain(t *testing.T) {
	arena := Arena{
		"x": {ID: "x", ParentID: "y"},
		"y": {ID: "y", ParentID: "x"}, // corrupted: mutual parents
	}
	// Must terminate and not report an unrelated candidate.
	if arena.IsAncestor("x", "z") {
		t.Error("IsAncestor over a corrupted chain should be false for unrelated candidate")
	}
}

func TestCollectSubtree(t *testing.T) {
	arena := buildArena(t)

	got := arena.CollectSubtree("b")
	if len(got) != 3 {
		t.Fatalf("expected 3 nodes in subtree of b, got %d", len(got))
	}
	if got[0].ID != "b" {
		t.Errorf("subtree root should come first, got %q", got[0].ID)
	}

	seen := make(map[string]bool)
	for _, n := range got {
		seen[n.ID] = true
	}
	for _, id := range []string{"b", "c", "f"} {
		if !seen[id] {
			t.Errorf("subtree missing %q", id)
		}
	}
	if seen["a"] {
		t.Error("subtree must not include the parent of the target")
	}
}

func TestCollectSubtreeParentsBeforeContents(t *testing.T) {
	arena := buildArena(t)

	got := arena.CollectSubtree("a")
	pos := make(map[string]int, len(got))
	for i, n := range got {
		pos[n.ID] = i
	}
	if pos["a"] > pos["b"] || pos["b"] > pos["c"] || pos["b"] > pos["f"] {
		t.Errorf("parents must precede contents, got order %v", pos)
	}
}

func TestCollectSubtreeMissing(t *testing.T) {
	arena := buildArena(t)
	if got := arena.CollectSubtree("nope"); got != nil {
		t.Errorf("expected nil for unknown id, got %d nodes", len(got))
	}
}

func TestSortListing(t *testing.T) {
	nodes := []*Node{
		{ID: "1", Name: "zebra.txt"},
		{ID: "2", Name: "docs", IsDir: true},
		{ID: "3", Name: "alpha.txt"},
		{ID: "4", Name: "archive", IsDir: true},
	}
	SortListing(nodes)

	want := []string{"archive", "docs", "alpha.txt", "zebra.txt"}
	for i, name := range want {
		if nodes[i].Name != name {
			t.Errorf("position %d: got %q, want %q", i, nodes[i].Name, name)
		}
	}
}
