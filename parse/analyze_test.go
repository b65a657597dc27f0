package parse

import (
	"context"
	"reflect"
	"sort"
	"testing"
)

func definitionIDs(a *Analysis) []string {
	ids := make([]string, len(a.Definitions))
	for i, d := range a.Definitions {
		ids[i] = d.CanonicalID
	}
	return ids
}

func TestAnalyzeTopLevelExport(t *testing.T) {
	src := `import { gql } from "@/graphql-system";
export const x = gql.default(({ model }) => model.User({}, ({ f }) => [f.id()]));
`
	a := analyze(t, "a.ts", src)
	if len(a.Definitions) != 1 {
		t.Fatalf("expected 1 definition, got %d", len(a.Definitions))
	}
	d := a.Definitions[0]
	if d.CanonicalID != "a.ts::x" || d.AstPath != "x" {
		t.Errorf("expected a.ts::x, got %s (%s)", d.CanonicalID, d.AstPath)
	}
	if !d.IsTopLevel || !d.IsExported || d.ExportBinding != "x" {
		t.Errorf("unexpected identity %+v", d)
	}
	if d.SchemaLabel != "default" {
		t.Errorf("expected schema label default, got %s", d.SchemaLabel)
	}
	if d.Builder == nil || d.Builder.Object != "model" || d.Builder.Member != "User" {
		t.Fatalf("unexpected builder %+v", d.Builder)
	}
	if len(d.Builder.Args) != 2 {
		t.Errorf("expected 2 builder args, got %d", len(d.Builder.Args))
	}
}

func TestAnalyzeScopes(t *testing.T) {
	src := `
export const queries = {
  byId: gql.default(({ query }) => query.operation({ operationName: "ById" })),
  "by-name": gql.default(({ query }) => query.operation({ operationName: "ByName" })),
};

function makeSlices() {
  const inner = gql.default(({ query }) => query.slice({}));
  return [() => gql.default(({ query }) => query.slice({}))];
}

class Repo {
  load() {
    return gql.default(({ fragment }) => fragment.Post({}));
  }
}

exports.legacy = gql.default(({ model }) => model.Legacy({}));

const pair = [gql.default(({ model }) => model.A({})), gql.default(({ model }) => model.B({}))];
`
	a := analyze(t, "src/defs.ts", src)

	want := []string{
		"src/defs.ts::Repo.load",
		"src/defs.ts::legacy",
		"src/defs.ts::makeSlices.arrow#0",
		"src/defs.ts::makeSlices.inner",
		"src/defs.ts::pair",
		"src/defs.ts::pair$1",
		"src/defs.ts::queries.by-name",
		"src/defs.ts::queries.byId",
	}
	got := definitionIDs(a)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected ids\n%v\ngot\n%v", want, got)
	}

	for _, d := range a.Definitions {
		switch d.AstPath {
		case "queries.byId":
			if d.IsTopLevel || d.IsExported {
				t.Errorf("nested property should not be top-level: %+v", d)
			}
			args, ok := d.Builder.Args[0].(map[string]interface{})
			if !ok || args["operationName"] != "ById" {
				t.Errorf("expected literal object arg, got %#v", d.Builder.Args[0])
			}
		case "legacy":
			if !d.IsTopLevel || !d.IsExported || d.ExportBinding != "legacy" {
				t.Errorf("expected exported CommonJS binding: %+v", d)
			}
		case "pair":
			if !d.IsTopLevel || d.IsExported {
				t.Errorf("unexported top-level binding: %+v", d)
			}
		}
	}
}

func TestAnalyzeBlockBodyReturn(t *testing.T) {
	src := `export const op = gql.default(({ query }) => {
  const unused = 1;
  return query.operation({ operationName: "Op", variables: ["id"] });
});
`
	a := analyze(t, "op.ts", src)
	if len(a.Definitions) != 1 || a.Definitions[0].Builder == nil {
		t.Fatalf("expected one definition with a builder, got %+v", a.Definitions)
	}
	b := a.Definitions[0].Builder
	if b.Callee != "query.operation" {
		t.Errorf("expected callee query.operation, got %s", b.Callee)
	}
	obj := b.Args[0].(map[string]interface{})
	if !reflect.DeepEqual(obj["variables"], []interface{}{"id"}) {
		t.Errorf("unexpected variables %#v", obj["variables"])
	}
}

func TestAnalyzeIgnoresNonDefinitionCalls(t *testing.T) {
	src := `
export const a = gql.default(notAnArrow);
export const b = other.default(() => model.User({}));
export const c = gql(() => 1);
export const d = ns.gql.default(({ model }) => model.User({}));
`
	a := analyze(t, "a.js", src)
	if got := definitionIDs(a); !reflect.DeepEqual(got, []string{"a.js::d"}) {
		t.Errorf("expected only the member-chain gql call, got %v", got)
	}
}

func TestAnalyzeNestedGqlCallsAreNotVisited(t *testing.T) {
	src := `export const outer = gql.default(({ query }) => query.operation({ inner: gql.default(({ model }) => model.X({})) }));`
	a := analyze(t, "a.ts", src)
	if got := definitionIDs(a); !reflect.DeepEqual(got, []string{"a.ts::outer"}) {
		t.Errorf("expected only the outer definition, got %v", got)
	}
}

func TestAnalyzeIsStable(t *testing.T) {
	src := []byte(`
const a = () => gql.default(({ model }) => model.A({}));
const b = function () { return gql.default(({ model }) => model.B({})); };
export default { k: gql.default(({ model }) => model.C({})) };
`)
	p := NewParser()
	first, err := p.Analyze(context.Background(), src, "s.js")
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Analyze(context.Background(), src, "s.js")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(definitionIDs(first), definitionIDs(second)) {
		t.Errorf("ids changed between parses: %v vs %v", definitionIDs(first), definitionIDs(second))
	}

	ids := definitionIDs(first)
	if !sort.StringsAreSorted(ids) {
		t.Errorf("expected definitions ordered by id, got %v", ids)
	}
	want := []string{"s.js::a.arrow#0", "s.js::b.function#0", "s.js::k"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("expected %v, got %v", want, ids)
	}
}

func TestAnalyzeUniqueIDs(t *testing.T) {
	src := `
export const list = [
  gql.default(({ model }) => model.A({})),
  gql.default(({ model }) => model.B({})),
  gql.default(({ model }) => model.C({})),
];
export const obj = { a: gql.default(({ model }) => model.D({})), b: gql.default(({ model }) => model.E({})) };
`
	a := analyze(t, "u.ts", src)
	seen := map[string]bool{}
	for _, id := range definitionIDs(a) {
		if seen[id] {
			t.Errorf("duplicate id %s", id)
		}
		seen[id] = true
	}
	if len(seen) != 5 {
		t.Errorf("expected 5 distinct ids, got %d", len(seen))
	}
}

func TestLiteralValues(t *testing.T) {
	src := "export const q = gql.default(({ query }) => query.operation({ s: 'x', t: `query { a }`, n: 1.5, b: true, z: null, arr: [1, \"two\"], id, sub: `a ${b}` }));"
	a := analyze(t, "l.ts", src)
	obj := a.Definitions[0].Builder.Args[0].(map[string]interface{})

	if obj["s"] != "x" || obj["t"] != "query { a }" || obj["n"] != 1.5 || obj["b"] != true || obj["z"] != nil {
		t.Errorf("unexpected scalar literals %#v", obj)
	}
	if !reflect.DeepEqual(obj["arr"], []interface{}{1.0, "two"}) {
		t.Errorf("unexpected array %#v", obj["arr"])
	}
	if e, ok := obj["id"].(Expr); !ok || e.Text != "id" {
		t.Errorf("expected shorthand to be an Expr, got %#v", obj["id"])
	}
	if _, ok := obj["sub"].(Expr); !ok {
		t.Errorf("expected template with substitution to be an Expr, got %#v", obj["sub"])
	}
}
