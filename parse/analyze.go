package parse

import (
	"context"
	"fmt"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"gqlbuild/canonical"
)

// DefinitionSite is one gql.<schema>(arrow) call found in a file.
type DefinitionSite struct {
	AstPath       string
	CanonicalID   string
	IsTopLevel    bool
	IsExported    bool
	ExportBinding string
	Range         Range
	// SchemaLabel is the member called on gql ("default" in gql.default).
	SchemaLabel string
	// Builder is the call returned by the arrow function, or nil when the
	// arrow does not return a call.
	Builder *BuilderCall
	// Text is the source of the whole gql call.
	Text string
}

// BuilderCall is the inner builder invocation of a definition, for example
// model.User(...) or query.operation(...).
type BuilderCall struct {
	// Callee is the source text of the called expression.
	Callee string
	// Object and Member split a member callee: "query" and "operation".
	Object string
	Member string
	// Args are the call arguments as literal values.
	Args []interface{}
}

// Analysis is the result of analyzing one file.
type Analysis struct {
	Definitions []DefinitionSite
	Imports     []*Import
	// Exports maps local binding names to exported names.
	Exports map[string]string
}

// RelativeImports returns the distinct relative import sources, sorted.
func (a *Analysis) RelativeImports() []string {
	seen := make(map[string]bool)
	var out []string
	for _, imp := range a.Imports {
		if imp.IsRelative && !seen[imp.Source] {
			seen[imp.Source] = true
			out = append(out, imp.Source)
		}
	}
	sort.Strings(out)
	return out
}

// SyntaxError reports a file the grammar could not parse cleanly.
type SyntaxError struct {
	Path   string
	Ranges []Range
}

func (e *SyntaxError) Error() string {
	locs := make([]string, 0, len(e.Ranges))
	for i, r := range e.Ranges {
		if i == 3 {
			locs = append(locs, fmt.Sprintf("and %d more", len(e.Ranges)-3))
			break
		}
		locs = append(locs, r.String())
	}
	return fmt.Sprintf("syntax error in %s at %s", e.Path, strings.Join(locs, ", "))
}

// Analyze parses content and extracts definitions, imports and export
// bindings. filePath must be project-relative; it determines the grammar and
// prefixes every canonical id. A file with syntax errors yields a
// *SyntaxError and no analysis.
func (p *Parser) Analyze(ctx context.Context, content []byte, filePath string) (*Analysis, error) {
	lang, ok := LanguageFor(filePath)
	if !ok {
		return nil, fmt.Errorf("no grammar for %s", filePath)
	}
	parsed, err := p.Parse(ctx, content, lang)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filePath, err)
	}
	if ranges := parsed.SyntaxErrors(); len(ranges) > 0 {
		return nil, &SyntaxError{Path: filePath, Ranges: ranges}
	}

	root := parsed.Root()
	exports := extractExportBindings(root, content)

	// First pass assigns identities into a side table keyed by call span;
	// the second pass reads builder calls and joins on that table.
	meta := collectMetadata(root, content, filePath, exports)
	defs := findDefinitions(root, content, meta)

	return &Analysis{
		Definitions: defs,
		Imports:     extractImports(root, content),
		Exports:     exports,
	}, nil
}

// spanKey identifies a node within one parse. It is only meaningful for
// the tree it was taken from.
type spanKey struct {
	start, end uint32
}

func keyOf(n *sitter.Node) spanKey {
	return spanKey{start: n.StartByte(), end: n.EndByte()}
}

type metadataTable map[spanKey]canonical.Registration

type collector struct {
	content []byte
	ids     *canonical.Tracker
	meta    metadataTable
}

func collectMetadata(root *sitter.Node, content []byte, filePath string, exports map[string]string) metadataTable {
	c := &collector{
		content: content,
		ids: canonical.New(filePath, func(local string) (string, bool) {
			v, ok := exports[local]
			return v, ok
		}),
		meta: make(metadataTable),
	}
	c.visit(root)
	return c.meta
}

func (c *collector) text(n *sitter.Node) string { return n.Content(c.content) }

func (c *collector) visitChildren(n *sitter.Node) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if child := n.NamedChild(i); child != nil {
			c.visit(child)
		}
	}
}

func (c *collector) scoped(kind canonical.ScopeKind, segment string, n *sitter.Node) {
	h := c.ids.EnterScope(canonical.ScopeDescriptor{Kind: kind, Segment: segment, StableKey: fmt.Sprint(n.StartByte())})
	c.visitChildren(n)
	c.ids.ExitScope(h)
}

func (c *collector) visit(n *sitter.Node) {
	switch n.Type() {
	case "variable_declarator":
		if name := n.ChildByFieldName("name"); name != nil && name.Type() == "identifier" {
			c.scoped(canonical.ScopeVariable, c.text(name), n)
			return
		}

	case "function_declaration", "generator_function_declaration":
		if name := n.ChildByFieldName("name"); name != nil {
			c.scoped(canonical.ScopeFunction, c.text(name), n)
			return
		}

	case "function", "function_expression", "generator_function":
		segment := ""
		if name := n.ChildByFieldName("name"); name != nil {
			segment = c.text(name)
		} else {
			segment = c.ids.AnonymousName("function")
		}
		c.scoped(canonical.ScopeFunction, segment, n)
		return

	case "arrow_function":
		c.scoped(canonical.ScopeFunction, c.ids.AnonymousName("arrow"), n)
		return

	case "class_declaration", "abstract_class_declaration":
		if name := n.ChildByFieldName("name"); name != nil {
			c.scoped(canonical.ScopeClass, c.text(name), n)
			return
		}

	case "method_definition":
		if name := n.ChildByFieldName("name"); name != nil && name.Type() == "property_identifier" {
			c.scoped(canonical.ScopeMethod, c.text(name), n)
			return
		}

	case "pair":
		if key := n.ChildByFieldName("key"); key != nil {
			switch key.Type() {
			case "property_identifier":
				c.scoped(canonical.ScopeProperty, c.text(key), n)
				return
			case "string":
				c.scoped(canonical.ScopeProperty, stringLiteral(key, c.content), n)
				return
			}
		}

	case "assignment_expression":
		if name, ok := commonJSExportName(n.ChildByFieldName("left"), c.content); ok {
			c.scoped(canonical.ScopeVariable, name, n)
			return
		}

	case "call_expression":
		if isDefinitionCall(n, c.content) {
			c.meta[keyOf(n)] = c.ids.RegisterDefinition()
			// nested calls belong to this definition
			return
		}
	}
	c.visitChildren(n)
}

// isDefinitionCall matches gql.<label>(arrow, ...) where the callee object
// is gql or a member chain containing gql.
func isDefinitionCall(call *sitter.Node, content []byte) bool {
	fn := call.ChildByFieldName("function")
	if fn == nil || fn.Type() != "member_expression" {
		return false
	}
	if !isGqlReference(fn.ChildByFieldName("object"), content) {
		return false
	}
	args := namedChildren(call.ChildByFieldName("arguments"))
	return len(args) > 0 && args[0].Type() == "arrow_function"
}

func isGqlReference(n *sitter.Node, content []byte) bool {
	if n == nil {
		return false
	}
	switch n.Type() {
	case "identifier":
		return n.Content(content) == "gql"
	case "member_expression":
		if prop := n.ChildByFieldName("property"); prop != nil && prop.Content(content) == "gql" {
			return true
		}
		return isGqlReference(n.ChildByFieldName("object"), content)
	}
	return false
}

// findDefinitions walks the tree a second time, reading the builder call of
// every gql call that received an identity in meta.
func findDefinitions(root *sitter.Node, content []byte, meta metadataTable) []DefinitionSite {
	var defs []DefinitionSite

	iter := sitter.NewIterator(root, sitter.DFSMode)
	for {
		n, err := iter.Next()
		if err != nil || n == nil {
			break
		}
		if n.Type() != "call_expression" {
			continue
		}
		reg, ok := meta[keyOf(n)]
		if !ok {
			continue
		}

		site := DefinitionSite{
			AstPath:       reg.AstPath,
			CanonicalID:   reg.CanonicalID,
			IsTopLevel:    reg.IsTopLevel,
			IsExported:    reg.IsExported,
			ExportBinding: reg.ExportBinding,
			Range:         nodeRange(n),
			Text:          n.Content(content),
		}
		if fn := n.ChildByFieldName("function"); fn != nil {
			if prop := fn.ChildByFieldName("property"); prop != nil {
				site.SchemaLabel = prop.Content(content)
			}
		}
		args := namedChildren(n.ChildByFieldName("arguments"))
		if builder := builderCall(args[0]); builder != nil {
			site.Builder = readBuilderCall(builder, content)
		}
		defs = append(defs, site)
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].CanonicalID < defs[j].CanonicalID })
	return defs
}

// builderCall returns the call an arrow function evaluates to: its
// expression body, or the first returned call of a block body.
func builderCall(arrow *sitter.Node) *sitter.Node {
	body := arrow.ChildByFieldName("body")
	if body == nil {
		return nil
	}
	body = unwrapExpression(body)
	if body.Type() == "call_expression" {
		return body
	}
	if body.Type() != "statement_block" {
		return nil
	}
	for _, stmt := range namedChildren(body) {
		if stmt.Type() != "return_statement" {
			continue
		}
		for _, arg := range namedChildren(stmt) {
			if arg = unwrapExpression(arg); arg.Type() == "call_expression" {
				return arg
			}
		}
	}
	return nil
}

func readBuilderCall(call *sitter.Node, content []byte) *BuilderCall {
	b := &BuilderCall{}
	fn := call.ChildByFieldName("function")
	if fn != nil {
		b.Callee = fn.Content(content)
		if fn.Type() == "member_expression" {
			if obj := fn.ChildByFieldName("object"); obj != nil {
				b.Object = obj.Content(content)
			}
			if prop := fn.ChildByFieldName("property"); prop != nil {
				b.Member = prop.Content(content)
			}
		}
	}
	for _, arg := range namedChildren(call.ChildByFieldName("arguments")) {
		b.Args = append(b.Args, literalValue(arg, content))
	}
	return b
}
