package parse

import (
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Import represents an import statement, re-export, dynamic import or
// require call.
type Import struct {
	Source     string            `json:"source"`     // Import path (e.g., "./taxes", "lodash")
	Default    string            `json:"default"`    // Default import name (import X from ...)
	Namespace  string            `json:"namespace"`  // Namespace import (import * as X from ...)
	Named      map[string]string `json:"named"`      // Named imports {local: exported}
	IsRelative bool              `json:"isRelative"` // true if starts with . or ..
	Range      Range             `json:"range"`
}

func isRelativeSource(source string) bool {
	return strings.HasPrefix(source, "./") || strings.HasPrefix(source, "../") || source == "." || source == ".."
}

func newImport(source string, node *sitter.Node) *Import {
	return &Import{
		Source:     source,
		IsRelative: isRelativeSource(source),
		Named:      make(map[string]string),
		Range:      nodeRange(node),
	}
}

// extractImports finds all import statements, re-exports, dynamic imports
// and require calls in the AST.
func extractImports(node *sitter.Node, content []byte) []*Import {
	var imports []*Import

	iter := sitter.NewIterator(node, sitter.DFSMode)
	for {
		n, err := iter.Next()
		if err != nil || n == nil {
			break
		}

		switch n.Type() {
		case "import_statement":
			if imp := parseImportStatement(n, content); imp != nil {
				imports = append(imports, imp)
			}
		case "export_statement":
			// export { a } from './a', export * from './a'
			if src := n.ChildByFieldName("source"); src != nil {
				imports = append(imports, newImport(stringLiteral(src, content), n))
			}
		case "call_expression":
			if imp := parseDynamicImport(n, content); imp != nil {
				imports = append(imports, imp)
			}
			if imp := parseRequireCall(n, content); imp != nil {
				imports = append(imports, imp)
			}
		}
	}

	return imports
}

// parseImportStatement parses an import statement.
// Handles:
//   - import foo from './bar'           (default)
//   - import * as foo from './bar'      (namespace)
//   - import { a, b as c } from './bar' (named)
//   - import './bar'                    (side-effect)
//   - import foo, { a, b } from './bar' (default + named)
//   - import type { T } from './bar'    (TypeScript)
func parseImportStatement(node *sitter.Node, content []byte) *Import {
	src := node.ChildByFieldName("source")
	if src == nil {
		return nil
	}
	imp := newImport(stringLiteral(src, content), node)
	if imp.Source == "" {
		return nil
	}

	for _, child := range namedChildren(node) {
		if child.Type() == "import_clause" {
			parseImportClause(child, content, imp)
		}
	}
	return imp
}

// parseImportClause parses the import clause (everything between 'import' and 'from').
func parseImportClause(node *sitter.Node, content []byte, imp *Import) {
	for _, child := range namedChildren(node) {
		switch child.Type() {
		case "identifier":
			imp.Default = child.Content(content)
		case "namespace_import":
			for _, c := range namedChildren(child) {
				if c.Type() == "identifier" {
					imp.Namespace = c.Content(content)
					break
				}
			}
		case "named_imports":
			parseNamedImports(child, content, imp)
		}
	}
}

// parseNamedImports parses: { a, b as c, d }
func parseNamedImports(node *sitter.Node, content []byte, imp *Import) {
	for _, child := range namedChildren(node) {
		if child.Type() != "import_specifier" {
			continue
		}
		name := child.ChildByFieldName("name")
		if name == nil {
			continue
		}
		exported := moduleExportName(name, content)
		local := exported
		if alias := child.ChildByFieldName("alias"); alias != nil {
			local = alias.Content(content)
		}
		imp.Named[local] = exported
	}
}

// parseDynamicImport checks for import("./foo") calls.
func parseDynamicImport(node *sitter.Node, content []byte) *Import {
	callee := node.ChildByFieldName("function")
	if callee == nil || callee.Type() != "import" {
		return nil
	}
	return firstStringArgument(node, content)
}

// parseRequireCall checks for CommonJS require("./foo") calls.
func parseRequireCall(node *sitter.Node, content []byte) *Import {
	callee := node.ChildByFieldName("function")
	if callee == nil || callee.Type() != "identifier" || callee.Content(content) != "require" {
		return nil
	}
	return firstStringArgument(node, content)
}

func firstStringArgument(call *sitter.Node, content []byte) *Import {
	args := call.ChildByFieldName("arguments")
	for _, child := range namedChildren(args) {
		if child.Type() == "string" {
			return newImport(stringLiteral(child, content), call)
		}
		return nil
	}
	return nil
}

// extractExportBindings maps local binding names to exported names for
// module-level exports: export declarations, local export clauses and
// CommonJS assignments to exports.x / module.exports.x. Re-exports from
// other modules are not bindings of this file.
func extractExportBindings(root *sitter.Node, content []byte) map[string]string {
	bindings := make(map[string]string)

	for _, item := range namedChildren(root) {
		switch item.Type() {
		case "export_statement":
			if item.ChildByFieldName("source") != nil {
				continue
			}
			if decl := item.ChildByFieldName("declaration"); decl != nil {
				for _, name := range declarationNames(decl, content) {
					bindings[name] = name
				}
				continue
			}
			for _, child := range namedChildren(item) {
				if child.Type() == "export_clause" {
					parseExportClause(child, content, bindings)
				}
			}

		case "expression_statement":
			for _, child := range namedChildren(item) {
				if child.Type() != "assignment_expression" {
					continue
				}
				if name, ok := commonJSExportName(child.ChildByFieldName("left"), content); ok {
					bindings[name] = name
				}
			}
		}
	}

	return bindings
}

// parseExportClause parses: { a, b as c }
func parseExportClause(node *sitter.Node, content []byte, bindings map[string]string) {
	for _, spec := range namedChildren(node) {
		if spec.Type() != "export_specifier" {
			continue
		}
		name := spec.ChildByFieldName("name")
		if name == nil {
			continue
		}
		local := moduleExportName(name, content)
		exported := local
		if alias := spec.ChildByFieldName("alias"); alias != nil {
			exported = moduleExportName(alias, content)
		}
		bindings[local] = exported
	}
}

// declarationNames returns the names bound by an exported declaration.
func declarationNames(decl *sitter.Node, content []byte) []string {
	switch decl.Type() {
	case "lexical_declaration", "variable_declaration":
		var names []string
		for _, d := range namedChildren(decl) {
			if d.Type() != "variable_declarator" {
				continue
			}
			if name := d.ChildByFieldName("name"); name != nil && name.Type() == "identifier" {
				names = append(names, name.Content(content))
			}
		}
		return names
	case "function_declaration", "generator_function_declaration",
		"class_declaration", "abstract_class_declaration":
		if name := decl.ChildByFieldName("name"); name != nil {
			return []string{name.Content(content)}
		}
	}
	return nil
}

// commonJSExportName recognizes exports.foo and module.exports.foo.
func commonJSExportName(left *sitter.Node, content []byte) (string, bool) {
	if left == nil || left.Type() != "member_expression" {
		return "", false
	}
	obj := left.ChildByFieldName("object")
	prop := left.ChildByFieldName("property")
	if obj == nil || prop == nil || prop.Type() != "property_identifier" {
		return "", false
	}

	isExports := obj.Type() == "identifier" && obj.Content(content) == "exports"
	isModuleExports := false
	if obj.Type() == "member_expression" {
		inner := obj.ChildByFieldName("object")
		innerProp := obj.ChildByFieldName("property")
		isModuleExports = inner != nil && innerProp != nil &&
			inner.Type() == "identifier" && inner.Content(content) == "module" &&
			innerProp.Content(content) == "exports"
	}
	if !isExports && !isModuleExports {
		return "", false
	}
	return prop.Content(content), true
}

// moduleExportName reads an identifier or string export name.
func moduleExportName(n *sitter.Node, content []byte) string {
	if n.Type() == "string" {
		return stringLiteral(n, content)
	}
	return n.Content(content)
}

// stringLiteral decodes a string node, resolving escape sequences.
func stringLiteral(n *sitter.Node, content []byte) string {
	if n.Type() != "string" {
		return strings.Trim(n.Content(content), "\"'`")
	}
	var b strings.Builder
	for _, part := range namedChildren(n) {
		switch part.Type() {
		case "string_fragment":
			b.WriteString(part.Content(content))
		case "escape_sequence":
			b.WriteString(decodeEscape(part.Content(content)))
		}
	}
	return b.String()
}

func decodeEscape(esc string) string {
	switch esc {
	case `\'`:
		return "'"
	case "\\`":
		return "`"
	}
	if s, err := strconv.Unquote(`"` + esc + `"`); err == nil {
		return s
	}
	return strings.TrimPrefix(esc, `\`)
}
