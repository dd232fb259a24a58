package prompt

import (
	"strings"

	"github.com/stupiduntilnot/relaybot/internal/history"
)

// Instruct renders turns in the instruction-bracket form used by
// llama2/airoboros-style models: user text inside [INST] ... [/INST],
// assistant text appended plain and closed with the end-of-sequence token.
type Instruct struct {
	system string
}

// NewInstruct creates an instruction-bracket strategy with the given system
// text.
func NewInstruct(system string) *Instruct {
	return &Instruct{system: system}
}

func (s *Instruct) FormatTurn(t history.Turn) string {
	if t.Role == history.RoleUser {
		return "[INST] " + t.Text + " [/INST] "
	}
	return t.Text + "</s>\n"
}

func (s *Instruct) FormatPrompt(newMessage, historyFragment string) string {
	var b strings.Builder
	b.WriteString("<<SYS>>\n" + s.system + "\n<</SYS>>\n\n")
	b.WriteString(historyFragment)
	b.WriteString("[INST] " + newMessage + " [/INST]")
	return b.String()
}
