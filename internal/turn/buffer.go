package turn

import "strings"

// UtteranceBuffer holds the text of the utterance currently being captured.
// Interim fragments replace each other; a final fragment is committed once.
type UtteranceBuffer struct {
	interim string
	final   string
}

// SetInterim replaces the provisional fragment.
func (b *UtteranceBuffer) SetInterim(text string) {
	b.interim = strings.TrimSpace(text)
}

// Commit stores the recognizer-confirmed text.
func (b *UtteranceBuffer) Commit(text string) {
	b.final = strings.TrimSpace(text)
}

// Interim returns the latest provisional fragment.
func (b *UtteranceBuffer) Interim() string { return b.interim }

// Text returns the committed text if present, otherwise the latest interim.
func (b *UtteranceBuffer) Text() string {
	if b.final != "" {
		return b.final
	}
	return b.interim
}

func (b *UtteranceBuffer) Empty() bool { return b.Text() == "" }

func (b *UtteranceBuffer) Clear() {
	b.interim = ""
	b.final = ""
}
