package parse

import (
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Expr is a builder argument that is not a literal: an identifier, a
// function, a template with substitutions. Text is its source.
type Expr struct {
	Type string
	Text string
}

// literalValue converts a node to a JSON-like value: string, float64, bool,
// nil, []interface{}, map[string]interface{}, or Expr for anything else.
func literalValue(n *sitter.Node, content []byte) interface{} {
	n = unwrapExpression(n)
	switch n.Type() {
	case "string":
		return stringLiteral(n, content)
	case "template_string":
		for _, part := range namedChildren(n) {
			if part.Type() == "template_substitution" {
				return Expr{Type: n.Type(), Text: n.Content(content)}
			}
		}
		raw := n.Content(content)
		return strings.TrimSuffix(strings.TrimPrefix(raw, "`"), "`")
	case "number":
		text := strings.ReplaceAll(n.Content(content), "_", "")
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			return f
		}
		if i, err := strconv.ParseInt(text, 0, 64); err == nil {
			return float64(i)
		}
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	case "array":
		items := make([]interface{}, 0, n.NamedChildCount())
		for _, el := range namedChildren(n) {
			items = append(items, literalValue(el, content))
		}
		return items
	case "object":
		obj := make(map[string]interface{})
		for _, member := range namedChildren(n) {
			switch member.Type() {
			case "pair":
				key := member.ChildByFieldName("key")
				val := member.ChildByFieldName("value")
				if key == nil || val == nil {
					continue
				}
				obj[propertyKey(key, content)] = literalValue(val, content)
			case "shorthand_property_identifier":
				name := member.Content(content)
				obj[name] = Expr{Type: "identifier", Text: name}
			}
		}
		return obj
	}
	return Expr{Type: n.Type(), Text: n.Content(content)}
}

func propertyKey(key *sitter.Node, content []byte) string {
	switch key.Type() {
	case "string":
		return stringLiteral(key, content)
	default:
		return key.Content(content)
	}
}

// unwrapExpression strips parentheses and TypeScript type assertions.
func unwrapExpression(n *sitter.Node) *sitter.Node {
	for n != nil {
		switch n.Type() {
		case "parenthesized_expression", "as_expression", "satisfies_expression", "non_null_expression":
			children := namedChildren(n)
			if len(children) == 0 {
				return n
			}
			n = children[0]
		default:
			return n
		}
	}
	return n
}
