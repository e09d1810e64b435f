// Package parser converts raw document bytes into normalized UTF-8 text.
//
// Dispatch is a closed switch over the normalized file extension with an
// explicit plain-text default. Besides the text itself, parsers report
// positional units (PDF pages, markdown sections) so chunks can carry
// provenance metadata.
package parser

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnparseable wraps any failure to decode a document's bytes.
	ErrUnparseable = errors.New("document could not be parsed")
	// ErrEmptyDocument is returned when parsing succeeds but yields no text.
	ErrEmptyDocument = errors.New("document contains no extractable text")
)

// Supported extensions. Anything else is decoded as plain text.
const (
	ExtPDF      = "pdf"
	ExtDOCX     = "docx"
	ExtTXT      = "txt"
	ExtMarkdown = "md"
)

// Unit marks where a page or section begins inside Content.Text.
type Unit struct {
	Offset  int    // rune offset into Content.Text
	Page    int    // 1-based page number, 0 when not paged
	Section string // heading path, empty when not sectioned
}

// Content is the parser output.
type Content struct {
	Text  string
	Units []Unit // ordered by Offset
}

// UnitAt returns the unit covering the given rune offset.
// ok is false when no unit starts at or before offset.
func (c *Content) UnitAt(offset int) (Unit, bool) {
	i := sort.Search(len(c.Units), func(i int) bool {
		return c.Units[i].Offset > offset
	})
	if i == 0 {
		return Unit{}, false
	}
	return c.Units[i-1], true
}

// ExtensionOf returns the lower-cased suffix after the last dot of filename,
// or "" when there is none.
func ExtensionOf(filename string) string {
	i := strings.LastIndex(filename, ".")
	if i < 0 || i == len(filename)-1 {
		return ""
	}
	return strings.ToLower(filename[i+1:])
}

// Parse decodes data according to ext. It never panics; malformed input is
// reported as an error wrapping ErrUnparseable.
func Parse(data []byte, ext string) (*Content, error) {
	var (
		content *Content
		err     error
	)

	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case ExtPDF:
		content, err = parsePDF(data)
	case ExtDOCX:
		content, err = parseDOCX(data)
	case ExtMarkdown:
		content, err = parseMarkdown(data)
	default:
		// txt and every unrecognized extension
		content, err = parseText(data)
	}
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(content.Text) == "" {
		return nil, ErrEmptyDocument
	}
	return content, nil
}

func unparseable(format string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnparseable, format, err)
}
