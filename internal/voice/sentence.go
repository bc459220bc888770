package voice

import "strings"

// sentenceBuffer turns arbitrary text deltas into sentence-sized increments
// for synthesis. Sentence-sized hand-off keeps perceived latency low without
// feeding the synthesizer mid-word fragments.
type sentenceBuffer struct {
	pending strings.Builder
}

const sentenceSoftLimit = 240

// Push appends a delta and returns any complete sentences ready for
// synthesis.
func (b *sentenceBuffer) Push(delta string) []string {
	b.pending.WriteString(delta)
	text := b.pending.String()

	var out []string
	for {
		end := sentenceBoundary(text)
		if end < 0 {
			break
		}
		segment := strings.TrimSpace(text[:end])
		text = text[end:]
		if segment != "" {
			out = append(out, segment)
		}
	}

	// Guard against models that never emit terminal punctuation.
	if len(text) > sentenceSoftLimit {
		if cut := strings.LastIndexByte(text[:sentenceSoftLimit], ' '); cut > 0 {
			segment := strings.TrimSpace(text[:cut])
			text = text[cut+1:]
			if segment != "" {
				out = append(out, segment)
			}
		}
	}

	b.pending.Reset()
	b.pending.WriteString(text)
	return out
}

// Flush returns whatever remains buffered.
func (b *sentenceBuffer) Flush() string {
	out := strings.TrimSpace(b.pending.String())
	b.pending.Reset()
	return out
}

// sentenceBoundary returns the byte offset just past a sentence-ending rune,
// or -1 if none is present.
func sentenceBoundary(text string) int {
	for i, r := range text {
		switch r {
		case '.', '!', '?', '\n', '…':
			end := i + len(string(r))
			// Skip decimals like "3.5" where the period glues two digits.
			if r == '.' && end < len(text) && text[end] != ' ' && text[end] != '\n' {
				continue
			}
			return end
		}
	}
	return -1
}
