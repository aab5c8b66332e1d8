package extract

import (
	"fmt"
	"strings"
	"time"

	"wanote/internal/provider"
)

const systemPrompt = `You turn WhatsApp messages into structured notes for a small business owner.
Respond with a single JSON object and nothing else:
{
  "summary": "<one or two sentences, in the language of the message>",
  "action_items": ["<task>", ...],
  "deadlines": [{"description": "<what is due>", "due_date": "<YYYY-MM-DD or empty>"}],
  "shopping_list": ["<item>", ...],
  "language": "<ISO 639-1 code of the message>"
}
Every list must be present; use [] when there is nothing to report.
Resolve relative dates ("tomorrow", "next week") against the receipt date.`

const strictSuffix = `
Your previous answer was not valid. Return ONLY the JSON object described above:
no markdown, no comments, no extra keys, every list present, dates as YYYY-MM-DD.`

func buildPrompt(text string, receivedAt time.Time, languageHint string, strict bool) provider.Prompt {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Receipt date: %s (%s)\n", receivedAt.Format(dateLayout), receivedAt.Weekday())
	if languageHint != "" {
		fmt.Fprintf(&sb, "Detected language: %s\n", languageHint)
	}
	sb.WriteString("Message:\n")
	sb.WriteString(text)

	p := provider.Prompt{System: systemPrompt, User: sb.String(), Temperature: 0.1}
	if strict {
		p.System += strictSuffix
		p.Temperature = 0
	}
	return p
}
