package turn

import "golang.org/x/text/language"

var (
	fallbackTags = []language.Tag{
		language.BrazilianPortuguese,
		language.AmericanEnglish,
		language.Spanish,
	}
	fallbackMatcher  = language.NewMatcher(fallbackTags)
	fallbackMessages = []string{
		"Desculpe, não consegui obter uma resposta agora. Pode tentar de novo?",
		"Sorry, I couldn't get an answer right now. Could you try again?",
		"Lo siento, no pude obtener una respuesta ahora. ¿Puedes intentarlo de nuevo?",
	}
)

// FallbackMessage returns the apology spoken when the reply provider fails.
// Unknown or empty locales fall back to Brazilian Portuguese.
func FallbackMessage(locale string) string {
	tag, err := language.Parse(locale)
	if err != nil {
		return fallbackMessages[0]
	}
	_, index, confidence := fallbackMatcher.Match(tag)
	if confidence == language.No {
		return fallbackMessages[0]
	}
	return fallbackMessages[index]
}
