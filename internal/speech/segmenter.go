// Package speech turns an incrementally arriving response text into
// independently speakable segments.
//
// [Segmenter] closes a segment as soon as a sentence or clause boundary is
// seen, so synthesis of the first clause can start while the language model
// is still producing the rest. [Sanitize] strips markup that should not be
// read aloud.
package speech

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Segment is a punctuation-delimited unit of response text. Segments are
// immutable once emitted.
type Segment struct {
	// ID numbers segments of one turn from 1 in emission order.
	ID uint64

	// Text is the segment exactly as it appeared in the input, boundary
	// punctuation included.
	Text string

	// Final marks the tail forced out by [Segmenter.Flush].
	Final bool
}

// Segmenter splits streamed text on punctuation boundaries. It keeps the
// incomplete tail between calls. The zero value is ready to use. It is not
// safe for concurrent use.
//
// Boundaries:
//   - CJK sentence and clause marks (。！？；，、：…), ASCII ! ? ; and line
//     breaks close a segment immediately.
//   - ASCII . , : close a segment only when followed by whitespace, so
//     "3.14" and "1,000" stay whole. When one of them ends the buffer the
//     decision waits for the next delta or Flush.
//   - Further terminators and closing quotes or brackets directly after a
//     boundary stay with the segment ("好！」", "Really?!").
//
// A boundary reached while the pending text is still only whitespace does
// not close a segment; the whitespace is carried into the next one. The only
// text ever dropped is a whitespace-only tail at Flush.
type Segmenter struct {
	buf    string
	lastID uint64
}

// Feed appends delta and returns every segment it completed, in order.
func (s *Segmenter) Feed(delta string) []Segment {
	s.buf += delta

	var out []Segment
	text := s.buf
	start := 0
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		next := i + size

		end := -1
		switch {
		case isHardBoundary(r):
			end = next
		case isSoftBoundary(r):
			if next >= len(text) {
				// Cannot tell "3." from "3.14" yet.
				i = len(text)
				continue
			}
			if nr, _ := utf8.DecodeRuneInString(text[next:]); unicode.IsSpace(nr) {
				end = next
			}
		}
		if end < 0 {
			i = next
			continue
		}

		end = absorbTrailing(text, end)
		if seg, ok := s.emit(text[start:end], false); ok {
			out = append(out, seg)
			start = end
		}
		i = end
	}
	s.buf = text[start:]
	return out
}

// Flush forces the buffered tail out as a Final segment. It returns false if
// the tail is empty or only whitespace.
func (s *Segmenter) Flush() (Segment, bool) {
	tail := s.buf
	s.buf = ""
	return s.emit(tail, true)
}

// Reset drops the buffer and restarts numbering at 1.
func (s *Segmenter) Reset() {
	s.buf = ""
	s.lastID = 0
}

func (s *Segmenter) emit(text string, final bool) (Segment, bool) {
	if strings.TrimSpace(text) == "" {
		return Segment{}, false
	}
	s.lastID++
	return Segment{ID: s.lastID, Text: text, Final: final}, true
}

// absorbTrailing extends end over terminators and closing marks that
// immediately follow a boundary.
func absorbTrailing(text string, end int) int {
	for end < len(text) {
		r, size := utf8.DecodeRuneInString(text[end:])
		if !isHardBoundary(r) && !isCloser(r) || r == '\n' {
			return end
		}
		end += size
	}
	return end
}

func isHardBoundary(r rune) bool {
	switch r {
	case '。', '！', '？', '；', '，', '、', '：', '…', '!', '?', ';', '\n':
		return true
	}
	return false
}

func isSoftBoundary(r rune) bool {
	return r == '.' || r == ',' || r == ':'
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', '”', '’', '」', '』', '）', ')', ']', '】', '》':
		return true
	}
	return false
}
