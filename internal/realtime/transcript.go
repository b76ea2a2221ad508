package realtime

import "strings"

// transcriptBuffer accumulates one direction's transcript for the current
// response so only new text is forwarded.
type transcriptBuffer struct {
	text string
}

// Delta appends a fragment from a provider that only sends new text.
func (b *transcriptBuffer) Delta(fragment string) string {
	b.text += fragment
	return fragment
}

// Cumulative handles frames that carry the whole transcript so far.
//
//   - text extends the accumulated prefix: forward only the suffix.
//   - text is a prefix of what was accumulated: a resend, dropped.
//   - otherwise the text is a revision and is forwarded whole.
//
// After a revision the buffer holds the revised text, so later frames
// extending it forward only their suffix.
func (b *transcriptBuffer) Cumulative(text string) string {
	switch {
	case text == "":
		return ""
	case strings.HasPrefix(text, b.text):
		suffix := text[len(b.text):]
		b.text = text
		return suffix
	case strings.HasPrefix(b.text, text):
		return ""
	default:
		b.text = text
		return text
	}
}

func (b *transcriptBuffer) String() string {
	return b.text
}

func (b *transcriptBuffer) Reset() {
	b.text = ""
}
