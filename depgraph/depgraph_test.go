package depgraph

import (
	"reflect"
	"testing"
)

func existsIn(files ...string) Exists {
	set := NewSet(files...)
	return set.Has
}

func TestResolve(t *testing.T) {
	exists := existsIn(
		"src/a.ts",
		"src/b.tsx",
		"src/util/index.ts",
		"src/legacy.js",
		"src/esm.ts",
		"lib/c.mts",
	)

	tests := []struct {
		from string
		spec string
		want string
		ok   bool
	}{
		{"src/main.ts", "./a", "src/a.ts", true},
		{"src/main.ts", "./b", "src/b.tsx", true},
		{"src/main.ts", "./util", "src/util/index.ts", true},
		{"src/main.ts", "./legacy.js", "src/legacy.js", true},
		{"src/main.ts", "./esm.js", "src/esm.ts", true},
		{"src/main.ts", "../lib/c.mjs", "lib/c.mts", true},
		{"src/main.ts", "react", "", false},
		{"src/main.ts", "@org/pkg", "", false},
		{"src/main.ts", "./missing", "", false},
		{"main.ts", "../outside", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, ok := Resolve(tt.from, tt.spec, exists)
			if ok != tt.ok || got != tt.want {
				t.Errorf("Resolve(%q, %q) = (%q, %v), want (%q, %v)", tt.from, tt.spec, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestExtractModuleAdjacency(t *testing.T) {
	exists := existsIn("a.ts", "b.ts")
	deps := ExtractModuleAdjacency("b.ts", []string{"./a", "./a.ts", "./b", "lodash", "./nope"}, exists)

	if !reflect.DeepEqual(deps.Sorted(), []string{"a.ts"}) {
		t.Errorf("expected [a.ts], got %v", deps.Sorted())
	}
}

func TestCollectAffectedFilesMultiHop(t *testing.T) {
	// c -> b -> a, d independent
	adj := Adjacency{
		"a.ts": NewSet(),
		"b.ts": NewSet("a.ts"),
		"c.ts": NewSet("b.ts"),
		"d.ts": NewSet(),
	}

	got := CollectAffectedFiles(adj, []string{"a.ts"}).Sorted()
	if !reflect.DeepEqual(got, []string{"a.ts", "b.ts", "c.ts"}) {
		t.Errorf("expected [a.ts b.ts c.ts], got %v", got)
	}

	got = CollectAffectedFiles(adj, []string{"c.ts"}).Sorted()
	if !reflect.DeepEqual(got, []string{"c.ts"}) {
		t.Errorf("expected [c.ts], got %v", got)
	}
}

func TestCollectAffectedFilesCycle(t *testing.T) {
	adj := Adjacency{
		"a.ts": NewSet("c.ts"),
		"b.ts": NewSet("a.ts"),
		"c.ts": NewSet("b.ts"),
	}
	got := CollectAffectedFiles(adj, []string{"b.ts"}).Sorted()
	if !reflect.DeepEqual(got, []string{"a.ts", "b.ts", "c.ts"}) {
		t.Errorf("expected every file in the cycle once, got %v", got)
	}
}

func TestCollectAffectedFilesIncludesUnknownChanged(t *testing.T) {
	got := CollectAffectedFiles(Adjacency{}, []string{"new.ts"}).Sorted()
	if !reflect.DeepEqual(got, []string{"new.ts"}) {
		t.Errorf("expected changed files to be reflexively included, got %v", got)
	}
}

func TestGraphRemovePrunesKeysAndValues(t *testing.T) {
	g := NewGraph()
	g.Set("a.ts", NewSet())
	g.Set("b.ts", NewSet("a.ts"))
	g.Set("c.ts", NewSet("a.ts", "b.ts"))

	if deps := g.Dependents("a.ts"); !reflect.DeepEqual(deps, []string{"b.ts", "c.ts"}) {
		t.Errorf("expected dependents [b.ts c.ts], got %v", deps)
	}

	g.Remove("a.ts")

	if g.Has("a.ts") {
		t.Error("expected a.ts to be removed as a key")
	}
	for file, deps := range g.Adjacency() {
		if deps.Has("a.ts") {
			t.Errorf("%s still depends on removed a.ts", file)
		}
	}
	if g.Len() != 2 {
		t.Errorf("expected 2 files, got %d", g.Len())
	}
}

func TestGraphAdjacencyIsACopy(t *testing.T) {
	g := NewGraph()
	deps := NewSet("a.ts")
	g.Set("b.ts", deps)
	deps["z.ts"] = struct{}{}

	snapshot := g.Adjacency()
	snapshot["b.ts"]["y.ts"] = struct{}{}

	if !reflect.DeepEqual(g.Imports("b.ts"), []string{"a.ts"}) {
		t.Errorf("graph was mutated through a copy: %v", g.Imports("b.ts"))
	}
}

func TestGraphAffected(t *testing.T) {
	g := NewGraph()
	g.Set("a.ts", NewSet())
	g.Set("b.ts", NewSet("a.ts"))
	g.Set("c.ts", NewSet())

	got := g.Affected([]string{"a.ts"}).Sorted()
	if !reflect.DeepEqual(got, []string{"a.ts", "b.ts"}) {
		t.Errorf("expected [a.ts b.ts], got %v", got)
	}
}

func TestMayResolveTo(t *testing.T) {
	tests := []struct {
		name  string
		specs []string
		added []string
		want  bool
	}{
		{"new file satisfies import", []string{"./n"}, []string{"src/n.ts"}, true},
		{"new index file", []string{"./n"}, []string{"src/n/index.tsx"}, true},
		{"parent directory", []string{"../lib/x"}, []string{"lib/x.js"}, true},
		{"unrelated file", []string{"./n"}, []string{"src/m.ts"}, false},
		{"package import", []string{"react"}, []string{"src/react.ts"}, false},
		{"nothing added", []string{"./n"}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MayResolveTo("src/b.ts", tt.specs, NewSet(tt.added...)); got != tt.want {
				t.Errorf("MayResolveTo = %v, want %v", got, tt.want)
			}
		})
	}
}
