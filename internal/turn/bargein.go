package turn

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var stopWords = map[string]struct{}{}

func init() {
	for _, list := range []string{
		// pt
		"a o as os e é um uma de do da dos das em no na nos nas que se por para com não sim ah eh hum uhum tá ta né ok oi ai",
		// en
		"a an the and or but is are was to of in on at it i you uh um hmm mm yeah yes no ok okay oh",
		// es
		"el la los las y o un una de del en que se por para con no si sí eh este pues vale",
	} {
		for _, w := range strings.Fields(list) {
			stopWords[foldWord(w)] = struct{}{}
		}
	}
}

var accentFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

func foldWord(w string) string {
	folded, _, err := transform.String(accentFolder, strings.ToLower(w))
	if err != nil {
		return strings.ToLower(w)
	}
	return folded
}

func words(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if w := foldWord(f); w != "" {
			out = append(out, w)
		}
	}
	return out
}

// IsBargeIn decides whether an interim heard while the assistant is speaking
// is the user interrupting. Filler words and words of the reply being spoken
// (speaker echo) are ignored; at least minWords of what remains must be left.
func IsBargeIn(heard, speaking string, minWords int) bool {
	if minWords <= 0 {
		minWords = 1
	}
	echo := make(map[string]struct{})
	for _, w := range words(speaking) {
		echo[w] = struct{}{}
	}
	count := 0
	for _, w := range words(heard) {
		if _, ok := stopWords[w]; ok {
			continue
		}
		if _, ok := echo[w]; ok {
			continue
		}
		count++
		if count >= minWords {
			return true
		}
	}
	return false
}
