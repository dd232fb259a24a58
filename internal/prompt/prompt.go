// Package prompt renders conversation turns and full prompts into the text
// form a completion backend expects.
package prompt

import "github.com/stupiduntilnot/relaybot/internal/history"

// Strategy is a stateless prompt encoding. Implementations hold the system
// text configured at startup and are shared read-only across requests.
//
// FormatPrompt must place system text first, then the history fragment, then
// the new user message. The ordering is a backend contract.
type Strategy interface {
	// FormatTurn renders one historical turn into wire text.
	FormatTurn(t history.Turn) string
	// FormatPrompt assembles the final prompt. historyFragment is zero or
	// more FormatTurn outputs concatenated in chronological order.
	FormatPrompt(newMessage, historyFragment string) string
}
