package parser

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtensionOf(t *testing.T) {
	tests := map[string]string{
		"report.PDF":            "pdf",
		"notes.final.docx":      "docx",
		"README.md":             "md",
		"no_extension":          "",
		"trailing.":             "",
		".hidden":               "hidden",
		"archive.tar.gz":        "gz",
		"Lecture 1 - intro.Txt": "txt",
	}
	for name, want := range tests {
		assert.Equal(t, want, ExtensionOf(name), name)
	}
}

func TestParse_PlainText(t *testing.T) {
	content, err := Parse([]byte("  hello world\n"), "txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", content.Text)
	assert.Empty(t, content.Units)
}

func TestParse_InvalidUTF8IsSubstituted(t *testing.T) {
	data := []byte("caf\xc3 ok \xff\xfe end")

	content, err := Parse(data, "txt")
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(content.Text))
	assert.Contains(t, content.Text, string(utf8.RuneError))
	assert.True(t, strings.HasSuffix(content.Text, "end"))
}

func TestParse_StripsByteOrderMark(t *testing.T) {
	content, err := Parse([]byte("\xEF\xBB\xBFfirst line"), "md")
	require.NoError(t, err)
	assert.Equal(t, "first line", content.Text)
}

func TestParse_UnknownExtensionFallsBackToText(t *testing.T) {
	for _, ext := range []string{"csv", "doc", "", "LOG"} {
		content, err := Parse([]byte("a,b,c"), ext)
		require.NoError(t, err, ext)
		assert.Equal(t, "a,b,c", content.Text)
	}
}

func TestParse_EmptyDocument(t *testing.T) {
	for _, ext := range []string{"txt", "md", "bin"} {
		_, err := Parse([]byte(" \n\t "), ext)
		assert.ErrorIs(t, err, ErrEmptyDocument, ext)
	}
}

func TestParse_MarkdownSections(t *testing.T) {
	src := `# Guide

Intro paragraph.

## Install

Run the installer.

### Linux

Use the package.

## Configure

Edit the file.
`
	content, err := Parse([]byte(src), "md")
	require.NoError(t, err)
	assert.Equal(t, strings.TrimSpace(src), content.Text, "markdown text is kept as written")

	sections := make([]string, len(content.Units))
	for i, u := range content.Units {
		sections[i] = u.Section
	}
	assert.Equal(t, []string{
		"# Guide",
		"# Guide > ## Install",
		"# Guide > ## Install > ### Linux",
		"# Guide > ## Configure",
	}, sections)

	for i := 1; i < len(content.Units); i++ {
		assert.Greater(t, content.Units[i].Offset, content.Units[i-1].Offset)
	}

	offset := strings.Index(content.Text, "Run the installer")
	unit, ok := content.UnitAt(utf8.RuneCountInString(content.Text[:offset]))
	require.True(t, ok)
	assert.Equal(t, "# Guide > ## Install", unit.Section)
}

func TestParse_MarkdownWithoutHeadings(t *testing.T) {
	content, err := Parse([]byte("just some text"), "md")
	require.NoError(t, err)
	assert.Empty(t, content.Units)

	_, ok := content.UnitAt(0)
	assert.False(t, ok)
}

func TestParse_DOCX(t *testing.T) {
	body := `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>First</w:t></w:r><w:r><w:t xml:space="preserve"> paragraph</w:t></w:r></w:p>
    <w:p></w:p>
    <w:p><w:r><w:t>   </w:t></w:r></w:p>
    <w:tbl><w:tr><w:tc><w:p><w:r><w:t>Cell text</w:t></w:r></w:p></w:tc></w:tr></w:tbl>
    <w:p><w:r><w:t>Col A</w:t><w:tab/><w:t>Col B</w:t></w:r></w:p>
  </w:body>
</w:document>`

	content, err := Parse(buildDOCX(t, body), "docx")
	require.NoError(t, err)
	assert.Equal(t, "First paragraph\nCell text\nCol A\tCol B", content.Text)
}

func TestParse_DOCXMissingBody(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	_, err := zw.Create("docProps/core.xml")
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, err = Parse(buf.Bytes(), "docx")
	assert.ErrorIs(t, err, ErrUnparseable)
}

func TestParse_CorruptInputsReturnErrors(t *testing.T) {
	garbage := []byte("definitely not a container format")

	for _, ext := range []string{"pdf", "docx"} {
		assert.NotPanics(t, func() {
			_, err := Parse(garbage, ext)
			assert.ErrorIs(t, err, ErrUnparseable, ext)
		})
	}
}

func TestContent_UnitAt(t *testing.T) {
	c := &Content{Units: []Unit{{Offset: 0, Page: 1}, {Offset: 100, Page: 2}, {Offset: 250, Page: 4}}}

	tests := []struct {
		offset int
		page   int
	}{
		{0, 1}, {99, 1}, {100, 2}, {249, 2}, {250, 4}, {10_000, 4},
	}
	for _, tt := range tests {
		u, ok := c.UnitAt(tt.offset)
		require.True(t, ok)
		assert.Equal(t, tt.page, u.Page, "offset %d", tt.offset)
	}
}

func buildDOCX(t *testing.T, documentXML string) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(docxBody)
	require.NoError(t, err)
	_, err = w.Write([]byte(documentXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}
