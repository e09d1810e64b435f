package parser

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmparser "github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/toc"
)

// outlineDepth is the deepest heading level that opens a new section.
const outlineDepth = 3

func newMarkdownParser() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithParserOptions(
			gmparser.WithAutoHeadingID(),
		),
	)
}

// parseMarkdown keeps the markdown source as the text (decoded like any
// plain-text file) and adds one section unit per H1-H3 heading.
func parseMarkdown(data []byte) (*Content, error) {
	plain, err := parseText(data)
	if err != nil {
		return nil, err
	}

	units, err := markdownOutline(plain.Text)
	if err != nil {
		return nil, unparseable("md", err)
	}
	plain.Units = units
	return plain, nil
}

// markdownOutline returns a unit for every heading, labelled with its full
// heading path, e.g. "# Guide > ## Install".
func markdownOutline(src string) ([]Unit, error) {
	source := []byte(src)
	doc := newMarkdownParser().Parser().Parse(text.NewReader(source))

	tree, err := toc.Inspect(doc, source,
		toc.MinDepth(1),
		toc.MaxDepth(outlineDepth),
		toc.Compact(true),
	)
	if err != nil {
		return nil, fmt.Errorf("inspect TOC: %w", err)
	}

	var units []Unit
	collectSections(doc, source, tree.Items, nil, &units)
	return units, nil
}

// collectSections walks TOC items depth-first, which is document order.
func collectSections(doc ast.Node, source []byte, items toc.Items, ancestors []string, units *[]Unit) {
	for _, item := range items {
		path := append(ancestors[:len(ancestors):len(ancestors)], string(item.Title))

		if heading := findHeadingByID(doc, string(item.ID)); heading != nil && heading.Lines().Len() > 0 {
			start := heading.Lines().At(0).Start
			*units = append(*units, Unit{
				Offset:  utf8.RuneCount(source[:start]),
				Section: formatHeaderPath(path),
			})
		}

		if len(item.Items) > 0 {
			collectSections(doc, source, item.Items, path, units)
		}
	}
}

// formatHeaderPath builds a header hierarchy string.
// Example: ["Installation", "Prerequisites"] -> "# Installation > ## Prerequisites"
func formatHeaderPath(path []string) string {
	parts := make([]string, 0, len(path))
	for i, segment := range path {
		parts = append(parts, strings.Repeat("#", i+1)+" "+segment)
	}
	return strings.Join(parts, " > ")
}

// findHeadingByID locates a heading node by its auto-generated ID.
func findHeadingByID(node ast.Node, id string) ast.Node {
	var found ast.Node
	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || n.Kind() != ast.KindHeading {
			return ast.WalkContinue, nil
		}
		if attr, ok := n.AttributeString("id"); ok {
			if b, ok := attr.([]byte); ok && string(b) == id {
				found = n
				return ast.WalkStop, nil
			}
		}
		return ast.WalkContinue, nil
	})
	return found
}
