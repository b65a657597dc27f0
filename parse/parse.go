// Package parse provides Tree-sitter based analysis of JavaScript and
// TypeScript modules: gql definition sites, imports and export bindings.
package parse

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// Range represents a source code range (0-based line and column).
type Range struct {
	Start [2]int `json:"start"` // [line, col]
	End   [2]int `json:"end"`   // [line, col]
}

// Language selects a grammar.
type Language string

const (
	LangJavaScript Language = "javascript"
	LangTypeScript Language = "typescript"
	LangTSX        Language = "tsx"
)

// LanguageFor picks the grammar for a file by extension. JSX is handled by
// the JavaScript grammar.
func LanguageFor(filePath string) (Language, bool) {
	switch strings.ToLower(path.Ext(filePath)) {
	case ".ts", ".mts", ".cts":
		return LangTypeScript, true
	case ".tsx":
		return LangTSX, true
	case ".js", ".jsx", ".mjs", ".cjs":
		return LangJavaScript, true
	default:
		return "", false
	}
}

// Parser parses source files. Tree-sitter parsers are not safe for
// concurrent use, so each language keeps a pool.
type Parser struct {
	pools map[Language]*sync.Pool
}

// NewParser creates a parser for JavaScript, TypeScript and TSX.
func NewParser() *Parser {
	langs := map[Language]*sitter.Language{
		LangJavaScript: javascript.GetLanguage(),
		LangTypeScript: typescript.GetLanguage(),
		LangTSX:        tsx.GetLanguage(),
	}
	pools := make(map[Language]*sync.Pool, len(langs))
	for name, lang := range langs {
		lang := lang
		pools[name] = &sync.Pool{New: func() interface{} {
			p := sitter.NewParser()
			p.SetLanguage(lang)
			return p
		}}
	}
	return &Parser{pools: pools}
}

// ParsedFile is a syntax tree with the content it was parsed from.
type ParsedFile struct {
	Tree    *sitter.Tree
	Content []byte
	Lang    Language
}

// Parse parses content with the grammar for lang.
func (p *Parser) Parse(ctx context.Context, content []byte, lang Language) (*ParsedFile, error) {
	pool, ok := p.pools[lang]
	if !ok {
		return nil, fmt.Errorf("unsupported language %q", lang)
	}
	parser := pool.Get().(*sitter.Parser)
	defer pool.Put(parser)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parsing failed: %w", err)
	}
	return &ParsedFile{Tree: tree, Content: content, Lang: lang}, nil
}

// Root returns the root node of the tree.
func (pf *ParsedFile) Root() *sitter.Node {
	return pf.Tree.RootNode()
}

// SyntaxErrors returns the ranges of ERROR and MISSING nodes.
func (pf *ParsedFile) SyntaxErrors() []Range {
	root := pf.Root()
	if !root.HasError() {
		return nil
	}
	var out []Range
	iter := sitter.NewIterator(root, sitter.DFSMode)
	for {
		n, err := iter.Next()
		if err != nil || n == nil {
			break
		}
		if n.IsError() || n.IsMissing() {
			out = append(out, nodeRange(n))
		}
	}
	return out
}

func nodeRange(node *sitter.Node) Range {
	startPoint := node.StartPoint()
	endPoint := node.EndPoint()

	return Range{
		Start: [2]int{int(startPoint.Row), int(startPoint.Column)},
		End:   [2]int{int(endPoint.Row), int(endPoint.Column)},
	}
}

// String renders the range as 1-based "line:col".
func (r Range) String() string {
	return fmt.Sprintf("%d:%d", r.Start[0]+1, r.Start[1]+1)
}

// RangesOverlap checks if two ranges overlap.
func RangesOverlap(r1, r2 Range) bool {
	if r1.End[0] < r2.Start[0] || (r1.End[0] == r2.Start[0] && r1.End[1] < r2.Start[1]) {
		return false
	}
	if r2.End[0] < r1.Start[0] || (r2.End[0] == r1.Start[0] && r2.End[1] < r1.Start[1]) {
		return false
	}
	return true
}

// namedChildren returns the named children of n, skipping comments.
func namedChildren(n *sitter.Node) []*sitter.Node {
	if n == nil {
		return nil
	}
	out := make([]*sitter.Node, 0, n.NamedChildCount())
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c == nil || c.Type() == "comment" {
			continue
		}
		out = append(out, c)
	}
	return out
}
