// Package compiler turns analyzed definition sites into prebuild payloads.
//
// The SchemaCompiler understands four builder shapes:
//
//	model.<Typename>(...)                      -> artifact.Model
//	fragment.<Typename>(...)                   -> artifact.Fragment
//	query|mutation|subscription.slice(...)     -> artifact.Slice
//	query|mutation|subscription.operation({    -> artifact.Operation
//	  operationName: "GetUser",
//	  document: `query GetUser($id: ID!) { ... }`,
//	  variables: ["id"],
//	})
//
// When a schema is loaded, typenames and operation documents are validated
// against it with gqlparser.
package compiler

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"
	"github.com/vektah/gqlparser/v2/validator"

	"gqlbuild/artifact"
	"gqlbuild/parse"
)

// Compiler compiles one definition site.
type Compiler interface {
	Compile(site parse.DefinitionSite) (artifact.Definition, error)
}

// Func adapts a function to Compiler.
type Func func(site parse.DefinitionSite) (artifact.Definition, error)

// Compile implements Compiler.
func (f Func) Compile(site parse.DefinitionSite) (artifact.Definition, error) { return f(site) }

// ErrUnknownBuilder is wrapped by errors for builder calls the compiler does
// not recognize.
var ErrUnknownBuilder = errors.New("unknown builder")

// Error is a compile failure of one definition.
type Error struct {
	CanonicalID string
	Reason      string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("compiling %s: %s: %v", e.CanonicalID, e.Reason, e.Err)
	}
	return fmt.Sprintf("compiling %s: %s", e.CanonicalID, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// SchemaCompiler compiles against zero or more schemas, selected by the
// label used at the call site (gql.<label>). A label with no schema compiles
// structurally without validation.
type SchemaCompiler struct {
	schemas map[string]*ast.Schema
}

// NewSchemaCompiler returns a compiler for the given schemas by label.
func NewSchemaCompiler(schemas map[string]*ast.Schema) *SchemaCompiler {
	if schemas == nil {
		schemas = map[string]*ast.Schema{}
	}
	return &SchemaCompiler{schemas: schemas}
}

// LoadSchema parses and validates SDL sources.
func LoadSchema(sources ...*ast.Source) (*ast.Schema, error) {
	schema, err := gqlparser.LoadSchema(sources...)
	if err != nil {
		return nil, fmt.Errorf("loading schema: %w", err)
	}
	return schema, nil
}

// LoadSchemaFiles reads SDL files and loads them as one schema.
func LoadSchemaFiles(paths []string) (*ast.Schema, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("loading schema: no SDL files")
	}
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	sources := make([]*ast.Source, 0, len(sorted))
	for _, p := range sorted {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading schema %s: %w", p, err)
		}
		sources = append(sources, &ast.Source{Name: filepath.ToSlash(p), Input: string(data)})
	}
	return LoadSchema(sources...)
}

// Compile implements Compiler.
func (c *SchemaCompiler) Compile(site parse.DefinitionSite) (artifact.Definition, error) {
	fail := func(reason string, err error) (artifact.Definition, error) {
		return nil, &Error{CanonicalID: site.CanonicalID, Reason: reason, Err: err}
	}

	b := site.Builder
	if b == nil {
		return fail("definition does not return a builder call", nil)
	}
	schema := c.schemas[site.SchemaLabel]

	switch b.Object {
	case "model", "fragment":
		if b.Member == "" {
			return fail(fmt.Sprintf("%s builder needs a typename member", b.Object), ErrUnknownBuilder)
		}
		if schema != nil {
			if err := checkCompositeType(schema, b.Member); err != nil {
				return fail("invalid typename", err)
			}
		}
		if b.Object == "model" {
			return artifact.Model{Typename: b.Member}, nil
		}
		return artifact.Fragment{Typename: b.Member}, nil

	case "query", "mutation", "subscription":
		if schema != nil && rootType(schema, b.Object) == nil {
			return fail(fmt.Sprintf("schema has no %s root type", b.Object), nil)
		}
		switch b.Member {
		case "slice":
			return artifact.Slice{OperationType: b.Object}, nil
		case "operation", "composed":
			op, err := compileOperation(schema, b)
			if err != nil {
				return fail("invalid operation", err)
			}
			return op, nil
		}
	}
	return fail(fmt.Sprintf("%s()", b.Callee), ErrUnknownBuilder)
}

func checkCompositeType(schema *ast.Schema, name string) error {
	def, ok := schema.Types[name]
	if !ok {
		return fmt.Errorf("type %q is not defined in the schema", name)
	}
	switch def.Kind {
	case ast.Object, ast.Interface, ast.Union:
		return nil
	default:
		return fmt.Errorf("type %q is a %s, not a composite type", name, strings.ToLower(string(def.Kind)))
	}
}

func rootType(schema *ast.Schema, op string) *ast.Definition {
	switch op {
	case "query":
		return schema.Query
	case "mutation":
		return schema.Mutation
	case "subscription":
		return schema.Subscription
	}
	return nil
}

func compileOperation(schema *ast.Schema, b *parse.BuilderCall) (artifact.Operation, error) {
	op := artifact.Operation{OperationType: b.Object, VariableNames: []string{}}

	var opts map[string]interface{}
	if len(b.Args) > 0 {
		opts, _ = b.Args[0].(map[string]interface{})
	}
	if opts == nil {
		return op, fmt.Errorf("%s expects an object literal argument", b.Callee)
	}

	name, _ := firstString(opts, "operationName", "name")
	op.OperationName = name

	explicitVars, hasVars, err := variableNames(opts["variables"])
	if err != nil {
		return op, err
	}

	if raw, ok := opts["document"]; ok {
		text, isString := raw.(string)
		if !isString {
			return op, fmt.Errorf("document must be a string literal without substitutions")
		}
		doc, err := parseDocument(schema, text)
		if err != nil {
			return op, err
		}
		def, err := singleOperation(doc)
		if err != nil {
			return op, err
		}
		if string(def.Operation) != b.Object {
			return op, fmt.Errorf("document is a %s but the builder is %s", def.Operation, b.Object)
		}
		switch {
		case op.OperationName == "":
			op.OperationName = def.Name
		case def.Name != "" && def.Name != op.OperationName:
			return op, fmt.Errorf("operationName %q does not match document name %q", op.OperationName, def.Name)
		}
		docVars := make([]string, 0, len(def.VariableDefinitions))
		for _, v := range def.VariableDefinitions {
			docVars = append(docVars, v.Variable)
		}
		if hasVars && !sameSet(explicitVars, docVars) {
			return op, fmt.Errorf("variables %v do not match document variables %v", explicitVars, docVars)
		}
		op.VariableNames = docVars
		op.Document = formatDocument(doc)
	} else if hasVars {
		op.VariableNames = explicitVars
	}

	if op.OperationName == "" {
		return op, fmt.Errorf("operation has no name")
	}
	return op, nil
}

func parseDocument(schema *ast.Schema, text string) (*ast.QueryDocument, error) {
	src := &ast.Source{Name: "document", Input: text}
	doc, err := parser.ParseQuery(src)
	if err != nil {
		return nil, fmt.Errorf("parsing document: %w", err)
	}
	if schema != nil {
		if errs := validator.Validate(schema, doc); len(errs) > 0 {
			return nil, fmt.Errorf("validating document: %w", errs)
		}
	}
	return doc, nil
}

func singleOperation(doc *ast.QueryDocument) (*ast.OperationDefinition, error) {
	if len(doc.Operations) != 1 {
		return nil, fmt.Errorf("document must contain exactly one operation, found %d", len(doc.Operations))
	}
	return doc.Operations[0], nil
}

func formatDocument(doc *ast.QueryDocument) string {
	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatQueryDocument(doc)
	return strings.TrimSpace(buf.String())
}

func firstString(m map[string]interface{}, keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			return s, true
		}
	}
	return "", false
}

// variableNames accepts ["a", "b"] or { a: ..., b: ... }.
func variableNames(v interface{}) ([]string, bool, error) {
	switch vars := v.(type) {
	case nil:
		return nil, false, nil
	case []interface{}:
		out := make([]string, 0, len(vars))
		for _, item := range vars {
			s, ok := item.(string)
			if !ok {
				return nil, false, fmt.Errorf("variables must be string literals")
			}
			out = append(out, strings.TrimPrefix(s, "$"))
		}
		return out, true, nil
	case map[string]interface{}:
		out := make([]string, 0, len(vars))
		for k := range vars {
			out = append(out, strings.TrimPrefix(k, "$"))
		}
		sort.Strings(out)
		return out, true, nil
	default:
		return nil, false, fmt.Errorf("variables must be an array or object literal")
	}
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		if seen[s] == 0 {
			return false
		}
		seen[s]--
	}
	return true
}
