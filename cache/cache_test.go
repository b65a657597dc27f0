package cache

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"gqlbuild/artifact"
)

func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	stores := map[string]Store{"memory": NewMemoryStore()}

	js, err := NewJSONStore(filepath.Join(t.TempDir(), "json"), JSONOptions{})
	if err != nil {
		t.Fatal(err)
	}
	stores["json"] = js

	zs, err := NewJSONStore(filepath.Join(t.TempDir(), "zstd"), JSONOptions{Compress: true})
	if err != nil {
		t.Fatal(err)
	}
	stores["json+zstd"] = zs

	ss, err := OpenSQLite(filepath.Join(t.TempDir(), SQLiteFileName))
	if err != nil {
		t.Fatal(err)
	}
	stores["sqlite"] = ss

	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func TestStoreContract(t *testing.T) {
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := store.Get("ns", "missing"); err != nil || ok {
				t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
			}

			if err := store.Set("ns", "b", []byte(`{"n":2}`)); err != nil {
				t.Fatal(err)
			}
			if err := store.Set("ns", "a", []byte(`{"n":1}`)); err != nil {
				t.Fatal(err)
			}
			if err := store.Set("other", "a", []byte(`"x"`)); err != nil {
				t.Fatal(err)
			}

			got, ok, err := store.Get("ns", "a")
			if err != nil || !ok {
				t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
			}
			if string(got) != `{"n":1}` {
				t.Errorf("expected {\"n\":1}, got %s", got)
			}

			keys, err := store.Keys("ns")
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(keys, []string{"a", "b"}) {
				t.Errorf("expected sorted keys [a b], got %v", keys)
			}

			if err := store.Delete("ns", "a"); err != nil {
				t.Fatal(err)
			}
			if _, ok, _ := store.Get("ns", "a"); ok {
				t.Error("expected miss after delete")
			}

			if err := store.Clear("ns"); err != nil {
				t.Fatal(err)
			}
			keys, _ = store.Keys("ns")
			if len(keys) != 0 {
				t.Errorf("expected empty namespace after clear, got %v", keys)
			}
			if _, ok, _ := store.Get("other", "a"); !ok {
				t.Error("clear must not touch other namespaces")
			}

			if err := store.Flush(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestJSONStoreFlushAndReload(t *testing.T) {
	for _, compress := range []bool{false, true} {
		dir := t.TempDir()
		store, err := NewJSONStore(dir, JSONOptions{Compress: compress})
		if err != nil {
			t.Fatal(err)
		}
		store.Set(NamespaceElements, "a.ts::x", []byte(`{"k":"v"}`))
		if err := store.Close(); err != nil {
			t.Fatal(err)
		}

		name := "elements.json"
		if compress {
			name += ".zst"
		}
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s on disk: %v", name, err)
		}

		reopened, err := NewJSONStore(dir, JSONOptions{Compress: compress})
		if err != nil {
			t.Fatal(err)
		}
		got, ok, err := reopened.Get(NamespaceElements, "a.ts::x")
		if err != nil || !ok || string(got) != `{"k":"v"}` {
			t.Errorf("compress=%v: expected persisted value, got %q ok=%v err=%v", compress, got, ok, err)
		}
		reopened.Close()
	}
}

func TestJSONStoreWritesOnlyOnFlush(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONStore(dir, JSONOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	store.Set(NamespaceFileTracker, "state", []byte(`{}`))
	if _, err := os.Stat(filepath.Join(dir, "file-tracker.json")); !os.IsNotExist(err) {
		t.Fatalf("expected no file before flush, got %v", err)
	}
	if err := store.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "file-tracker.json")); err != nil {
		t.Fatalf("expected file after flush: %v", err)
	}
}

func TestJSONStoreCorruptFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "elements.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	store, err := NewJSONStore(dir, JSONOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, ok, err := store.Get(NamespaceElements, "x"); ok || err != nil {
		t.Errorf("expected clean miss on corrupt file, got ok=%v err=%v", ok, err)
	}
	// The namespace is usable after discarding the corrupt file.
	if err := store.Set(NamespaceElements, "x", []byte(`1`)); err != nil {
		t.Fatal(err)
	}
}

func TestJSONStoreValidatesValues(t *testing.T) {
	store, err := NewJSONStore(t.TempDir(), JSONOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	tests := []struct {
		value   string
		wantErr bool
	}{
		{`1`, false},
		{`"s"`, false},
		{`true`, false},
		{`null`, false},
		{`{"a":[1,2]}`, false},
		{`not json`, true},
		{`{"a":1} x`, true},
		{``, true},
	}
	for _, tt := range tests {
		err := store.Set("ns", "k", []byte(tt.value))
		if (err != nil) != tt.wantErr {
			t.Errorf("Set(%q) error = %v, wantErr %v", tt.value, err, tt.wantErr)
		}
	}
}

func TestParseBackend(t *testing.T) {
	tests := []struct {
		in      string
		want    Backend
		wantErr bool
	}{
		{"", BackendJSON, false},
		{"SQLite", BackendSQLite, false},
		{"memory", BackendMemory, false},
		{"redis", "", true},
	}
	for _, tt := range tests {
		got, err := ParseBackend(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseBackend(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseBackend(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func testElement(id, src string) artifact.Element {
	return artifact.Element{
		ID:       id,
		Type:     artifact.KindModel,
		Prebuild: artifact.Model{Typename: "User"},
		Metadata: artifact.Metadata{SourcePath: src, AstPath: "x", IsTopLevel: true},
	}
}

func TestElementCacheRequiresMatchingFingerprint(t *testing.T) {
	c := NewElementCache(NewMemoryStore(), nil)
	el := testElement("a.ts::x", "a.ts")

	if err := c.Put(el, "fp1"); err != nil {
		t.Fatal(err)
	}

	got, ok := c.Get("a.ts::x", "fp1")
	if !ok {
		t.Fatal("expected hit with matching fingerprint")
	}
	if !reflect.DeepEqual(got, el) {
		t.Errorf("expected %+v, got %+v", el, got)
	}

	if _, ok := c.Get("a.ts::x", "fp2"); ok {
		t.Error("expected miss when owner fingerprint changed")
	}
	if _, ok := c.Stale("a.ts::x"); !ok {
		t.Error("expected stale lookup to ignore fingerprint")
	}
}

func TestElementCacheCorruptEntryIsMiss(t *testing.T) {
	store := NewMemoryStore()
	store.Set(NamespaceElements, "a.ts::x", []byte(`{"version":1,"fingerprint":"fp","element":{"type":"gizmo"}}`))
	c := NewElementCache(store, nil)
	if _, ok := c.Get("a.ts::x", "fp"); ok {
		t.Error("expected miss for undecodable element")
	}
}

func TestElementCachePrune(t *testing.T) {
	c := NewElementCache(NewMemoryStore(), nil)
	c.Put(testElement("a.ts::x", "a.ts"), "fp")
	c.Put(testElement("a.ts::y", "a.ts"), "fp")
	c.Put(testElement("ab.ts::x", "ab.ts"), "fp")
	c.PutModule("a.ts", ModuleEntry{Fingerprint: "fp", IDs: []string{"a.ts::x", "a.ts::y"}})

	n, err := c.Prune([]string{"a.ts"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 pruned elements, got %d", n)
	}
	if _, ok := c.Stale("ab.ts::x"); !ok {
		t.Error("prune must match the full path prefix")
	}
	if _, ok := c.Module("a.ts", "fp"); ok {
		t.Error("expected module entry to be pruned")
	}
}

func TestModuleEntry(t *testing.T) {
	c := NewElementCache(NewMemoryStore(), nil)
	entry := ModuleEntry{Fingerprint: "fp", IDs: []string{"b.ts::y"}, Imports: []string{"a.ts"}, Specifiers: []string{"./a", "./n"}}
	if err := c.PutModule("b.ts", entry); err != nil {
		t.Fatal(err)
	}
	got, ok := c.Module("b.ts", "fp")
	if !ok {
		t.Fatal("expected module hit")
	}
	if !reflect.DeepEqual(got.Imports, []string{"a.ts"}) || !reflect.DeepEqual(got.IDs, []string{"b.ts::y"}) ||
		!reflect.DeepEqual(got.Specifiers, []string{"./a", "./n"}) {
		t.Errorf("unexpected module entry %+v", got)
	}
	if _, ok := c.Module("b.ts", "other"); ok {
		t.Error("expected miss for a different fingerprint")
	}
}

func TestRecord(t *testing.T) {
	type state struct {
		Files map[string]int `json:"files"`
	}
	store := NewMemoryStore()
	rec := NewRecord[state](store, NamespaceFileTracker, "state", 1, nil)

	if _, ok := rec.Load(); ok {
		t.Fatal("expected miss on empty store")
	}
	if err := rec.Save(state{Files: map[string]int{"a.ts": 3}}); err != nil {
		t.Fatal(err)
	}
	got, ok := rec.Load()
	if !ok || got.Files["a.ts"] != 3 {
		t.Errorf("expected saved state, got %+v ok=%v", got, ok)
	}

	newer := NewRecord[state](store, NamespaceFileTracker, "state", 2, nil)
	if _, ok := newer.Load(); ok {
		t.Error("expected version mismatch to be a miss")
	}

	store.Set(NamespaceFileTracker, "state", []byte(`{"version":1,"value":"nope"}`))
	if _, ok := rec.Load(); ok {
		t.Error("expected corrupt record to be a miss")
	}
}
