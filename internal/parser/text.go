package parser

import (
	"strings"
	"unicode/utf8"
)

const utf8BOM = "\uFEFF"

// decodeUTF8 substitutes U+FFFD for undecodable bytes instead of failing.
func decodeUTF8(data []byte) string {
	s := string(data)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, string(utf8.RuneError))
	}
	return strings.TrimPrefix(s, utf8BOM)
}

func parseText(data []byte) (*Content, error) {
	return &Content{Text: strings.TrimSpace(decodeUTF8(data))}, nil
}
