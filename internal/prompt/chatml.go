package prompt

import (
	"strings"

	"github.com/stupiduntilnot/relaybot/internal/history"
)

// ChatML renders turns with explicit <|im_start|>/<|im_end|> role markers.
type ChatML struct {
	system string
}

// NewChatML creates a ChatML strategy with the given system text.
func NewChatML(system string) *ChatML {
	return &ChatML{system: system}
}

func (c *ChatML) FormatTurn(t history.Turn) string {
	return "<|im_start|>" + t.Role + "\n" + t.Text + "<|im_end|>\n"
}

func (c *ChatML) FormatPrompt(newMessage, historyFragment string) string {
	var b strings.Builder
	b.WriteString(c.FormatTurn(history.Turn{Role: history.RoleSystem, Text: c.system}))
	b.WriteString(historyFragment)
	b.WriteString(c.FormatTurn(history.Turn{Role: history.RoleUser, Text: newMessage}))
	// Generation cue: the backend continues the assistant turn.
	b.WriteString("<|im_start|>" + history.RoleAssistant + "\n")
	return b.String()
}
