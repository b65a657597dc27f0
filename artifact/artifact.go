// Package artifact defines the builder artifact: the map of canonical ids to
// compiled elements produced by one build, plus its report.
package artifact

import (
	"fmt"
	"sort"
)

// Kind is the element type tag.
type Kind string

const (
	KindOperation Kind = "operation"
	KindFragment  Kind = "fragment"
	KindSlice     Kind = "slice"
	KindModel     Kind = "model"
)

// Definition is the compiled prebuild payload of one element. The variants
// are Operation, Fragment, Slice and Model; the set is closed.
type Definition interface {
	Kind() Kind
	definition()
}

// Model is a typed projection of one schema type.
type Model struct {
	Typename string `json:"typename"`
}

// Fragment is a reusable selection on one schema type.
type Fragment struct {
	Typename string `json:"typename"`
}

// Slice is a partial operation composed into operations elsewhere.
type Slice struct {
	OperationType string `json:"operationType"`
}

// Operation is an executable document.
type Operation struct {
	OperationName string   `json:"operationName"`
	OperationType string   `json:"operationType"`
	Document      string   `json:"document"`
	VariableNames []string `json:"variableNames"`
}

func (Model) Kind() Kind     { return KindModel }
func (Fragment) Kind() Kind  { return KindFragment }
func (Slice) Kind() Kind     { return KindSlice }
func (Operation) Kind() Kind { return KindOperation }

func (Model) definition()     {}
func (Fragment) definition()  {}
func (Slice) definition()     {}
func (Operation) definition() {}

// Metadata records where an element came from.
type Metadata struct {
	SourcePath    string   `json:"sourcePath"`
	ContentHash   string   `json:"contentHash"`
	AstPath       string   `json:"astPath"`
	IsTopLevel    bool     `json:"isTopLevel"`
	IsExported    bool     `json:"isExported"`
	ExportBinding string   `json:"exportBinding,omitempty"`
	Modules       []string `json:"modules,omitempty"`
}

// Element is the compiled output for one definition. Elements are values;
// a changed definition produces a new Element under the same ID.
type Element struct {
	ID       string
	Type     Kind
	Prebuild Definition
	Metadata Metadata
}

// Stats counts element outcomes for one build: Hits were served from the
// element cache, Misses were compiled, Skips were carried over from files
// the build did not analyze.
type Stats struct {
	Hits   int `json:"hits"`
	Misses int `json:"misses"`
	Skips  int `json:"skips"`
}

// Warning codes.
const (
	WarnAnalysisFailed         = "ANALYSIS_FAILED"
	WarnCompileFailed          = "COMPILE_FAILED"
	WarnFileUnreadable         = "FILE_UNREADABLE"
	WarnDuplicateOperationName = "DUPLICATE_OPERATION_NAME"
)

// Warning is a non-fatal problem recorded in a build report.
type Warning struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	FilePath    string `json:"filePath,omitempty"`
	CanonicalID string `json:"canonicalId,omitempty"`
}

func (w Warning) String() string {
	loc := w.FilePath
	if w.CanonicalID != "" {
		loc = w.CanonicalID
	}
	if loc == "" {
		return fmt.Sprintf("%s: %s", w.Code, w.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", w.Code, w.Message, loc)
}

// Report summarizes one build.
type Report struct {
	DurationMs int64     `json:"durationMs"`
	Warnings   []Warning `json:"warnings"`
	Stats      Stats     `json:"stats"`
}

// Artifact is the unit of exchange between a build and its consumers.
// Treat it as immutable once returned from a build.
type Artifact struct {
	Elements map[string]Element
	Report   Report
}

// New returns an empty artifact.
func New() *Artifact {
	return &Artifact{Elements: make(map[string]Element), Report: Report{Warnings: []Warning{}}}
}

// Lookup returns the element for id.
func (a *Artifact) Lookup(id string) (Element, bool) {
	if a == nil {
		return Element{}, false
	}
	el, ok := a.Elements[id]
	return el, ok
}

// IDs returns every element id in sorted order.
func (a *Artifact) IDs() []string {
	if a == nil {
		return nil
	}
	ids := make([]string, 0, len(a.Elements))
	for id := range a.Elements {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sorted returns the elements ordered by id.
func (a *Artifact) Sorted() []Element {
	ids := a.IDs()
	out := make([]Element, len(ids))
	for i, id := range ids {
		out[i] = a.Elements[id]
	}
	return out
}

// BySource groups element ids by their source path.
func (a *Artifact) BySource() map[string][]string {
	out := make(map[string][]string)
	for _, id := range a.IDs() {
		src := a.Elements[id].Metadata.SourcePath
		out[src] = append(out[src], id)
	}
	return out
}

// SortWarnings orders warnings by file, id, code then message so reports are
// stable regardless of analysis order.
func SortWarnings(ws []Warning) {
	sort.SliceStable(ws, func(i, j int) bool {
		a, b := ws[i], ws[j]
		if a.FilePath != b.FilePath {
			return a.FilePath < b.FilePath
		}
		if a.CanonicalID != b.CanonicalID {
			return a.CanonicalID < b.CanonicalID
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		return a.Message < b.Message
	})
}
