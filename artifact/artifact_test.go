package artifact

import (
	"bytes"
	"reflect"
	"testing"
)

func sampleArtifact() *Artifact {
	a := New()
	a.Elements["src/b.ts::y"] = Element{
		ID:       "src/b.ts::y",
		Type:     KindOperation,
		Prebuild: Operation{OperationName: "GetUser", OperationType: "query", Document: "query GetUser { user { id } }", VariableNames: []string{}},
		Metadata: Metadata{SourcePath: "src/b.ts", AstPath: "y", IsTopLevel: true, IsExported: true, ExportBinding: "y"},
	}
	a.Elements["src/a.ts::x"] = Element{
		ID:       "src/a.ts::x",
		Type:     KindModel,
		Prebuild: Model{Typename: "User"},
		Metadata: Metadata{SourcePath: "src/a.ts", AstPath: "x", IsTopLevel: true},
	}
	return a
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	a := sampleArtifact()
	data, err := Encode(a)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !reflect.DeepEqual(decoded.Elements, a.Elements) {
		t.Errorf("elements differ after round trip:\n%+v\n%+v", decoded.Elements, a.Elements)
	}
}

func TestEncodeIsDeterministicAndSorted(t *testing.T) {
	first, err := Encode(sampleArtifact())
	if err != nil {
		t.Fatal(err)
	}
	second, err := Encode(sampleArtifact())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Error("encoding the same artifact twice produced different bytes")
	}

	ia := bytes.Index(first, []byte(`"src/a.ts::x"`))
	ib := bytes.Index(first, []byte(`"src/b.ts::y"`))
	if ia < 0 || ib < 0 || ia > ib {
		t.Errorf("expected elements sorted by id, got offsets a=%d b=%d", ia, ib)
	}
}

func TestDecodeDefinitionRejectsUnknownKind(t *testing.T) {
	if _, err := DecodeDefinition("widget", []byte(`{}`)); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestDecodeDefinitionVariants(t *testing.T) {
	tests := []struct {
		kind Kind
		data string
		want Definition
	}{
		{KindModel, `{"typename":"User"}`, Model{Typename: "User"}},
		{KindFragment, `{"typename":"Post"}`, Fragment{Typename: "Post"}},
		{KindSlice, `{"operationType":"query"}`, Slice{OperationType: "query"}},
		{KindOperation, `{"operationName":"A","operationType":"mutation","document":"mutation A { x }"}`,
			Operation{OperationName: "A", OperationType: "mutation", Document: "mutation A { x }", VariableNames: []string{}}},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			got, err := DecodeDefinition(tt.kind, []byte(tt.data))
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
			if got.Kind() != tt.kind {
				t.Errorf("expected kind %s, got %s", tt.kind, got.Kind())
			}
		})
	}
}

func TestCompare(t *testing.T) {
	prev := sampleArtifact()
	next := sampleArtifact()

	// metadata-only change is not an update
	el := next.Elements["src/a.ts::x"]
	el.Metadata.ContentHash = "changed"
	next.Elements["src/a.ts::x"] = el

	if d := Compare(prev, next); !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}

	el.Prebuild = Model{Typename: "Account"}
	next.Elements["src/a.ts::x"] = el
	delete(next.Elements, "src/b.ts::y")
	next.Elements["src/c.ts::z"] = Element{ID: "src/c.ts::z", Type: KindSlice, Prebuild: Slice{OperationType: "query"}}

	d := Compare(prev, next)
	if !reflect.DeepEqual(d.Added, []string{"src/c.ts::z"}) {
		t.Errorf("unexpected added: %v", d.Added)
	}
	if !reflect.DeepEqual(d.Updated, []string{"src/a.ts::x"}) {
		t.Errorf("unexpected updated: %v", d.Updated)
	}
	if !reflect.DeepEqual(d.Removed, []string{"src/b.ts::y"}) {
		t.Errorf("unexpected removed: %v", d.Removed)
	}
}

func TestCompareFromNil(t *testing.T) {
	d := Compare(nil, sampleArtifact())
	if len(d.Added) != 2 || len(d.Removed) != 0 {
		t.Errorf("expected two additions, got %+v", d)
	}
}

func TestSortWarnings(t *testing.T) {
	ws := []Warning{
		{Code: WarnCompileFailed, FilePath: "b.ts", CanonicalID: "b.ts::y"},
		{Code: WarnAnalysisFailed, FilePath: "a.ts"},
		{Code: WarnCompileFailed, FilePath: "a.ts", CanonicalID: "a.ts::x"},
	}
	SortWarnings(ws)
	if ws[0].FilePath != "a.ts" || ws[0].CanonicalID != "" || ws[2].FilePath != "b.ts" {
		t.Errorf("unexpected order: %+v", ws)
	}
}
