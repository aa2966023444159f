package voiceserver

import (
	"fmt"
	"strings"
)

const defaultPersona = `You are Alex, the voice assistant of an online store's customer support line.
You help callers with orders, shipping, returns, exchanges and product questions.

Your replies are spoken aloud:
- Keep them short: two or three sentences.
- No markdown, lists, links or emoji.
- Ask one clarifying question at a time.

Never invent order details, prices or stock levels. If you cannot resolve the
caller's problem yourself, or the caller asks for a human, tell them a support
ticket is being opened for a colleague to follow up`

// SystemPrompt returns the responder instructions for set: the configured
// prompt, or the built-in persona. When escalation is enabled the built-in
// persona explains when to emit the marker.
func SystemPrompt(set Settings) string {
	if set.SystemPrompt != "" {
		return set.SystemPrompt
	}
	if set.EscalationKeyword == "" {
		return defaultPersona + "."
	}
	return fmt.Sprintf("%s and include the exact token %s once in your reply.", defaultPersona, set.EscalationKeyword)
}

// ExtractEscalation reports whether reply contains keyword and returns reply
// with every occurrence removed and surrounding whitespace trimmed.
func ExtractEscalation(reply, keyword string) (string, bool) {
	if keyword == "" || !strings.Contains(reply, keyword) {
		return reply, false
	}
	return strings.TrimSpace(strings.ReplaceAll(reply, keyword, "")), true
}
