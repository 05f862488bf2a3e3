package llm

import (
	"strings"

	"github.com/loqalabs/loqa-assistant/internal/turn"
	"golang.org/x/text/language"
)

// MaxHistoryTurns bounds how many completed turns are replayed to the model.
const MaxHistoryTurns = 10

// MessagesFromHistory converts completed turns into alternating user and
// assistant messages, newest last. Fallback replies are left out so the model
// never sees its own apology as context.
func MessagesFromHistory(history []turn.Turn, maxTurns int) []Message {
	if maxTurns > 0 && len(history) > maxTurns {
		history = history[len(history)-maxTurns:]
	}
	msgs := make([]Message, 0, len(history)*2)
	for _, t := range history {
		if t.UserText != "" {
			msgs = append(msgs, Message{Role: RoleUser, Content: t.UserText})
		}
		if t.ReplyText != "" && !t.ProviderFailed {
			msgs = append(msgs, Message{Role: RoleAssistant, Content: t.ReplyText})
		}
	}
	return msgs
}

// FlattenPrompt renders the conversation for completion-style backends.
func FlattenPrompt(messages []Message, prompt string) string {
	if len(messages) == 0 {
		return prompt
	}
	var sb strings.Builder
	for _, m := range messages {
		if m.Role == RoleAssistant {
			sb.WriteString("[ASSISTANT] ")
		} else {
			sb.WriteString("[USER] ")
		}
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	sb.WriteString("[USER] ")
	sb.WriteString(prompt)
	sb.WriteString("\n[ASSISTANT]")
	return sb.String()
}

var systemPrompts = []struct {
	tag    language.Tag
	prompt string
}{
	{language.BrazilianPortuguese, "Você é um assistente de voz prestativo. Responda em português do Brasil, de forma breve e natural, em frases curtas adequadas para serem faladas em voz alta."},
	{language.AmericanEnglish, "You are a helpful voice assistant. Answer in English, briefly and naturally, in short sentences suitable for being spoken aloud."},
	{language.Spanish, "Eres un asistente de voz servicial. Responde en español, de forma breve y natural, con frases cortas adecuadas para ser dichas en voz alta."},
}

var systemMatcher = func() language.Matcher {
	tags := make([]language.Tag, len(systemPrompts))
	for i, p := range systemPrompts {
		tags[i] = p.tag
	}
	return language.NewMatcher(tags)
}()

// SystemPrompt returns override when set, otherwise the default assistant
// instructions for locale.
func SystemPrompt(locale, override string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return systemPrompts[0].prompt
	}
	_, idx, conf := systemMatcher.Match(tag)
	if conf == language.No {
		return systemPrompts[0].prompt
	}
	return systemPrompts[idx].prompt
}
