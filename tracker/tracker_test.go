package tracker

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"gqlbuild/cache"
	"gqlbuild/scheduler"
)

func writeFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

var baseTime = time.UnixMilli(1_700_000_000_000)

func TestScanOmitsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.ts")
	writeFile(t, a, "export const x = 1;", baseTime)

	tr := New(Options{})
	state, err := tr.Scan(context.Background(), []string{a, filepath.Join(dir, "gone.ts")}, EmptyState())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	if len(state.Files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(state.Files))
	}
	fp := state.Files[a]
	if fp.MtimeMs != baseTime.UnixMilli() {
		t.Errorf("expected mtime %d, got %d", baseTime.UnixMilli(), fp.MtimeMs)
	}
	if fp.Size != int64(len("export const x = 1;")) {
		t.Errorf("unexpected size %d", fp.Size)
	}
	if fp.Digest != "" {
		t.Error("stat strategy should not compute digests")
	}
}

func TestRescanIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	paths := []string{filepath.Join(dir, "a.ts"), filepath.Join(dir, "b.ts")}
	for _, p := range paths {
		writeFile(t, p, "content of "+p, baseTime)
	}

	for _, mode := range []scheduler.Mode{scheduler.ModeSync, scheduler.ModeAsync} {
		tr := New(Options{Mode: mode})
		first, err := tr.Scan(context.Background(), paths, EmptyState())
		if err != nil {
			t.Fatal(err)
		}
		second, err := tr.Scan(context.Background(), paths, first)
		if err != nil {
			t.Fatal(err)
		}

		if cs := DetectChanges(first, second); !cs.Empty() {
			t.Errorf("%s: expected empty forward diff, got %+v", mode, cs)
		}
		if cs := DetectChanges(second, first); !cs.Empty() {
			t.Errorf("%s: expected empty reverse diff, got %+v", mode, cs)
		}
	}
}

func TestDetectChanges(t *testing.T) {
	previous := State{Version: 1, Files: map[string]Fingerprint{
		"a.ts": {MtimeMs: 1, Size: 10},
		"b.ts": {MtimeMs: 1, Size: 10},
		"c.ts": {MtimeMs: 1, Size: 10},
	}}
	current := State{Version: 1, Files: map[string]Fingerprint{
		"a.ts": {MtimeMs: 1, Size: 10},
		"b.ts": {MtimeMs: 2, Size: 10},
		"d.ts": {MtimeMs: 3, Size: 5},
		"0.ts": {MtimeMs: 3, Size: 5},
	}}

	cs := DetectChanges(previous, current)

	var added []string
	for _, fc := range cs.Added {
		added = append(added, fc.FilePath)
	}
	if !reflect.DeepEqual(added, []string{"0.ts", "d.ts"}) {
		t.Errorf("expected added [0.ts d.ts], got %v", added)
	}
	if len(cs.Updated) != 1 || cs.Updated[0].FilePath != "b.ts" || cs.Updated[0].MtimeMs != 2 {
		t.Errorf("expected b.ts updated with mtime 2, got %+v", cs.Updated)
	}
	if !reflect.DeepEqual(cs.Removed, []string{"c.ts"}) {
		t.Errorf("expected removed [c.ts], got %v", cs.Removed)
	}
	if !reflect.DeepEqual(cs.Changed(), []string{"0.ts", "b.ts", "d.ts"}) {
		t.Errorf("unexpected changed paths %v", cs.Changed())
	}
}

func TestTouchIsUpdatedWithStatStrategy(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.ts")
	writeFile(t, a, "export const x = 1;", baseTime)

	tr := New(Options{})
	before, err := tr.Scan(context.Background(), []string{a}, EmptyState())
	if err != nil {
		t.Fatal(err)
	}

	touched := baseTime.Add(5 * time.Second)
	if err := os.Chtimes(a, touched, touched); err != nil {
		t.Fatal(err)
	}
	after, err := tr.Scan(context.Background(), []string{a}, before)
	if err != nil {
		t.Fatal(err)
	}

	cs := DetectChanges(before, after)
	if len(cs.Updated) != 1 {
		t.Errorf("expected mtime-only change to be reported as updated, got %+v", cs)
	}
}

func TestTouchIsUnchangedWithContentStrategy(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.ts")
	writeFile(t, a, "export const x = 1;", baseTime)

	tr := New(Options{Fingerprints: ContentFingerprinter{}})
	before, err := tr.Scan(context.Background(), []string{a}, EmptyState())
	if err != nil {
		t.Fatal(err)
	}
	if before.Files[a].Digest == "" {
		t.Fatal("expected digest from content strategy")
	}

	touched := baseTime.Add(5 * time.Second)
	os.Chtimes(a, touched, touched)
	after, err := tr.Scan(context.Background(), []string{a}, before)
	if err != nil {
		t.Fatal(err)
	}
	if cs := DetectChanges(before, after); !cs.Empty() {
		t.Errorf("expected touch without edit to be unchanged, got %+v", cs)
	}

	writeFile(t, a, "export const x = 2;", touched.Add(time.Second))
	edited, err := tr.Scan(context.Background(), []string{a}, after)
	if err != nil {
		t.Fatal(err)
	}
	if cs := DetectChanges(after, edited); len(cs.Updated) != 1 {
		t.Errorf("expected same-size edit to be detected by digest, got %+v", cs)
	}
}

func TestContentFingerprinterReusesDigest(t *testing.T) {
	fp := ContentFingerprinter{}
	prev := Fingerprint{MtimeMs: 5, Size: 3, Digest: "abc"}

	if got := fp.Reuse(prev, Fingerprint{MtimeMs: 5, Size: 3}); got.Digest != "abc" || fp.NeedsContent(got) {
		t.Errorf("expected digest reuse, got %+v", got)
	}
	if got := fp.Reuse(prev, Fingerprint{MtimeMs: 6, Size: 3}); got.Digest != "" || !fp.NeedsContent(got) {
		t.Errorf("expected rehash after mtime change, got %+v", got)
	}
}

type countingHost struct {
	scheduler.OSHost
	reads int
}

func (h *countingHost) ReadFile(path string) ([]byte, error) {
	h.reads++
	return h.OSHost.ReadFile(path)
}

func TestContentScanSkipsReadsForUnchangedFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.ts")
	writeFile(t, a, "x", baseTime)

	host := &countingHost{}
	tr := New(Options{Fingerprints: ContentFingerprinter{}, Host: host})
	first, err := tr.Scan(context.Background(), []string{a}, EmptyState())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Scan(context.Background(), []string{a}, first); err != nil {
		t.Fatal(err)
	}
	if host.reads != 1 {
		t.Errorf("expected 1 read across two scans, got %d", host.reads)
	}
}

func TestPersistAndLoadState(t *testing.T) {
	store := cache.NewMemoryStore()
	tr := New(Options{Store: store})

	if got := tr.LoadState(); got.Version != StateVersion || len(got.Files) != 0 {
		t.Fatalf("expected empty state on first run, got %+v", got)
	}

	state := State{Version: StateVersion, Files: map[string]Fingerprint{"a.ts": {MtimeMs: 1, Size: 2}}}
	if err := tr.Persist(state); err != nil {
		t.Fatal(err)
	}

	loaded := New(Options{Store: store}).LoadState()
	if !reflect.DeepEqual(loaded, state) {
		t.Errorf("expected %+v, got %+v", state, loaded)
	}
}

func TestLoadStateCorruptIsEmpty(t *testing.T) {
	store := cache.NewMemoryStore()
	store.Set(cache.NamespaceFileTracker, "state", []byte("garbage"))

	got := New(Options{Store: store}).LoadState()
	if got.Version != StateVersion || len(got.Files) != 0 {
		t.Errorf("expected empty state, got %+v", got)
	}
}

func TestFingerprinterByName(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"", "stat", false},
		{"stat", "stat", false},
		{"Content", "content", false},
		{"sha1", "", true},
	}
	for _, tt := range tests {
		fp, err := FingerprinterByName(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("FingerprinterByName(%q) error = %v", tt.name, err)
			continue
		}
		if err == nil && fp.Name() != tt.want {
			t.Errorf("FingerprinterByName(%q) = %s, want %s", tt.name, fp.Name(), tt.want)
		}
	}
}

func TestFingerprintKeyFollowsEquality(t *testing.T) {
	tests := []struct {
		name string
		a, b Fingerprint
		same bool
	}{
		{"stat touch", Fingerprint{MtimeMs: 1, Size: 3}, Fingerprint{MtimeMs: 2, Size: 3}, false},
		{"stat same", Fingerprint{MtimeMs: 1, Size: 3}, Fingerprint{MtimeMs: 1, Size: 3}, true},
		{"digest touch", Fingerprint{MtimeMs: 1, Size: 3, Digest: "d"}, Fingerprint{MtimeMs: 2, Size: 3, Digest: "d"}, true},
		{"digest edit", Fingerprint{MtimeMs: 1, Size: 3, Digest: "d"}, Fingerprint{MtimeMs: 1, Size: 3, Digest: "e"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equal(tt.b); got != tt.same {
				t.Errorf("Equal = %v, want %v", got, tt.same)
			}
			if got := tt.a.String() == tt.b.String(); got != tt.same {
				t.Errorf("keys %q and %q: same = %v, want %v", tt.a, tt.b, got, tt.same)
			}
		})
	}
}
