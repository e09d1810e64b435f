// Package chunker splits parsed document text into overlapping fixed-size fragments.
package chunker

import (
	"errors"
	"fmt"
)

// ErrInvalidWindow is returned by New for a size/overlap pair that cannot make progress.
var ErrInvalidWindow = errors.New("invalid chunk window")

// Fragment is one window of text. Start and End are rune offsets into the
// source text; Text is exactly source[Start:End] in runes.
type Fragment struct {
	Ordinal int
	Start   int
	End     int
	Text    string
}

// Splitter produces fragments with a sliding window of Size runes,
// where successive fragments share Overlap runes.
type Splitter struct {
	size    int
	overlap int
}

// New validates the window once, at startup, so Split never needs to.
func New(size, overlap int) (*Splitter, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidWindow, size)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("%w: chunk overlap must not be negative, got %d", ErrInvalidWindow, overlap)
	}
	if overlap >= size {
		return nil, fmt.Errorf("%w: chunk overlap %d must be smaller than chunk size %d", ErrInvalidWindow, overlap, size)
	}
	return &Splitter{size: size, overlap: overlap}, nil
}

// Size returns the window length in runes.
func (s *Splitter) Size() int { return s.size }

// Overlap returns the number of runes shared by adjacent fragments.
func (s *Splitter) Overlap() int { return s.overlap }

// Split cuts text into ordered fragments. Empty text yields no fragments.
// The last fragment ends exactly at the end of the text, and no fragment is
// ever fully contained in its predecessor.
func (s *Splitter) Split(text string) []Fragment {
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil
	}

	step := s.size - s.overlap
	fragments := make([]Fragment, 0, n/step+1)

	for start := 0; ; start += step {
		end := min(start+s.size, n)
		fragments = append(fragments, Fragment{
			Ordinal: len(fragments),
			Start:   start,
			End:     end,
			Text:    string(runes[start:end]),
		})
		if end == n {
			break
		}
	}

	return fragments
}

// Reassemble joins fragments back into the source text by dropping the
// overlapping prefix of every fragment after the first.
func Reassemble(fragments []Fragment) string {
	if len(fragments) == 0 {
		return ""
	}
	out := []rune(fragments[0].Text)
	for i := 1; i < len(fragments); i++ {
		shared := fragments[i-1].End - fragments[i].Start
		out = append(out, []rune(fragments[i].Text)[shared:]...)
	}
	return string(out)
}
