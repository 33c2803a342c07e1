package pipeline

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// defaultMaxSentenceLen is the buffer length that forces extraction when no
// terminator has appeared.
const defaultMaxSentenceLen = 120

// terminators end a speakable sentence when followed by whitespace; a
// terminator at the end of the buffer waits for the next token (or Flush).
// The CJK and Arabic forms terminate unconditionally.
var asciiTerminators = ".!?;"

var fullWidthTerminators = map[rune]bool{
	'。': true, '！': true, '？': true, '；': true, '؟': true, '؛': true,
}

// segmenter accumulates streamed tokens and yields complete sentences.
// It is not safe for concurrent use; one segmenter serves one turn.
type segmenter struct {
	buf    strings.Builder
	maxLen int
}

func newSegmenter(maxLen int) *segmenter {
	if maxLen <= 0 {
		maxLen = defaultMaxSentenceLen
	}
	return &segmenter{maxLen: maxLen}
}

// Push appends a token delta and returns every sentence completed by it, in
// order.
func (s *segmenter) Push(token string) []string {
	s.buf.WriteString(token)
	var out []string
	for {
		sentence, rest, ok := splitFirstSentence(s.buf.String(), s.maxLen)
		if !ok {
			break
		}
		out = append(out, sentence)
		s.buf.Reset()
		s.buf.WriteString(rest)
	}
	return out
}

// Flush returns any trailing partial sentence and resets the buffer.
func (s *segmenter) Flush() string {
	rest := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return rest
}

// splitFirstSentence finds the earliest sentence boundary in text. A
// boundary is an ASCII terminator followed by whitespace (or at maxLen
// overflow the last whitespace), or a full-width terminator anywhere.
func splitFirstSentence(text string, maxLen int) (sentence, rest string, ok bool) {
	for i, r := range text {
		if fullWidthTerminators[r] {
			cut := i + utf8.RuneLen(r)
			return strings.TrimSpace(text[:cut]), strings.TrimLeft(text[cut:], " \t\n\r"), true
		}
		if strings.ContainsRune(asciiTerminators, r) {
			next := i + 1
			if next >= len(text) {
				// Terminator at end of buffer: wait for the next token — it
				// could be "3.5" mid-number. The forced-length path below
				// still bounds the wait.
				continue
			}
			if isSpace(text[next]) {
				return strings.TrimSpace(text[:next]), strings.TrimLeft(text[next:], " \t\n\r"), true
			}
		}
	}

	// No boundary: force extraction once the buffer is oversized, cutting at
	// the last whitespace to avoid splitting a word.
	if len(text) > maxLen {
		cut := strings.LastIndexFunc(text[:maxLen], func(r rune) bool { return unicode.IsSpace(r) })
		if cut <= 0 {
			cut = maxLen
		}
		return strings.TrimSpace(text[:cut]), strings.TrimLeft(text[cut:], " \t\n\r"), true
	}
	return "", "", false
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
