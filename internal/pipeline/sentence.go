package pipeline

import (
	"regexp"
	"strings"
)

// sentenceBuffer accumulates streamed tokens and splits at sentence boundaries.
type sentenceBuffer struct {
	buf strings.Builder
}

// Add appends a token and returns any complete sentence ready for TTS.
// Returns empty string if no sentence boundary detected yet.
func (s *sentenceBuffer) Add(token string) string {
	s.buf.WriteString(token)
	text := s.buf.String()
	complete, remainder := splitAtSentence(text)
	if complete == "" {
		return ""
	}
	s.buf.Reset()
	s.buf.WriteString(remainder)
	return complete
}

// Flush returns any remaining text in the buffer.
func (s *sentenceBuffer) Flush() string {
	text := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return text
}

var sentenceEnders = map[byte]bool{'.': true, '!': true, '?': true}

// splitAtSentence finds the last sentence boundary in text.
// A boundary is a sentence ender (.!?) followed by whitespace.
// Returns (completeSentences, remainder). If no boundary, returns ("", text).
func splitAtSentence(text string) (string, string) {
	lastIdx := -1
	for i := range len(text) - 1 {
		if sentenceEnders[text[i]] && isWordBoundary(text[i+1]) {
			lastIdx = i + 1
		}
	}
	if lastIdx < 0 {
		return "", text
	}
	return strings.TrimSpace(text[:lastIdx]), text[lastIdx:]
}

func isWordBoundary(ch byte) bool {
	return ch == ' ' || ch == '\n' || ch == '\t'
}

// codeFilter drops fenced code blocks from a token stream. Fences may be
// split across tokens, so up to two trailing backticks are held back.
type codeFilter struct {
	inCode  bool
	pending string
}

// Filter returns the speakable part of token.
func (f *codeFilter) Filter(token string) string {
	text := f.pending + token
	f.pending = ""

	var out strings.Builder
	for {
		idx := strings.Index(text, "```")
		if idx < 0 {
			break
		}
		if !f.inCode {
			out.WriteString(text[:idx])
		}
		f.inCode = !f.inCode
		text = text[idx+3:]
	}

	held := trailingBackticks(text)
	f.pending = text[len(text)-held:]
	text = text[:len(text)-held]
	if !f.inCode {
		out.WriteString(text)
	}
	return out.String()
}

func trailingBackticks(s string) int {
	n := 0
	for n < 2 && n < len(s) && s[len(s)-1-n] == '`' {
		n++
	}
	return n
}

var (
	mdLink     = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	mdEmphasis = regexp.MustCompile("[*_`#>]+")
	mdBullet   = regexp.MustCompile(`(?m)^\s*[-+]\s+`)
)

// StripMarkdown removes markup that TTS engines would read aloud.
func StripMarkdown(s string) string {
	s = mdLink.ReplaceAllString(s, "$1")
	s = mdBullet.ReplaceAllString(s, "")
	s = mdEmphasis.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}
