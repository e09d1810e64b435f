package parser

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// parsePDF extracts text page by page. Pages without text are skipped and
// the rest are joined with newlines.
func parsePDF(data []byte) (content *Content, err error) {
	// The PDF reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			content = nil
			err = unparseable("pdf", fmt.Errorf("reader panic: %v", r))
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, unparseable("pdf", err)
	}

	var (
		b      strings.Builder
		units  []Unit
		offset int
	)
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, unparseable("pdf", fmt.Errorf("page %d: %w", i, err))
		}
		text = strings.TrimSpace(decodeUTF8([]byte(text)))
		if text == "" {
			continue
		}

		if b.Len() > 0 {
			b.WriteByte('\n')
			offset++
		}
		units = append(units, Unit{Offset: offset, Page: i})
		b.WriteString(text)
		offset += utf8.RuneCountInString(text)
	}

	return &Content{Text: b.String(), Units: units}, nil
}
