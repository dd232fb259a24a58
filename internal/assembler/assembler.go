// Package assembler builds token-budgeted prompts from conversation history.
package assembler

import (
	"fmt"
	"strings"

	"github.com/stupiduntilnot/relaybot/internal/history"
	"github.com/stupiduntilnot/relaybot/internal/prompt"
)

// Counter counts tokens in a string.
type Counter interface {
	Count(s string) int
}

// Store reads conversation turns, most recent first.
type Store interface {
	ReadAll(chatID int64) ([]history.Turn, error)
}

// Budget partitions the model context window. Total is the full window;
// half of it caps the incoming message (prompt with empty history), History
// caps the running total once historical turns are being added. The
// remainder of Total is left for the backend's response.
type Budget struct {
	Total   int
	History int
}

// BudgetError reports a message that exceeds its half-budget allocation.
// Non-retryable without shortening the input; the text is user-facing.
type BudgetError struct {
	Used  int
	Limit int
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("message token count %d exceeds max token limit %d", e.Used, e.Limit)
}

// Result is an assembled prompt plus the accounting behind it.
type Result struct {
	Prompt        string
	UsedTokens    int
	IncludedTurns int
}

// Assembler greedily packs the most recent history turns into a prompt
// without exceeding the budget.
type Assembler struct {
	counter  Counter
	store    Store
	strategy prompt.Strategy
	budget   Budget
}

func New(counter Counter, store Store, strategy prompt.Strategy, budget Budget) *Assembler {
	return &Assembler{counter: counter, store: store, strategy: strategy, budget: budget}
}

// Assemble builds the prompt for a new message in the given chat.
//
// The message is costed together with the strategy's fixed overhead (system
// text, wrapper markers) as the empty-history prompt; if that alone exceeds
// half the total budget the call fails before any history is read. History
// is then walked newest-first and each turn accepted while the running total
// stays within the history budget. The first turn that does not fit stops
// the walk outright; older turns are not considered even if smaller. That
// hard cutoff is a fixed policy, not an oversight: it keeps inclusion
// monotonic and auditable at the cost of packing optimality.
func (a *Assembler) Assemble(chatID int64, newMessage string) (Result, error) {
	used := a.counter.Count(a.strategy.FormatPrompt(newMessage, ""))
	if used > a.budget.Total/2 {
		return Result{}, &BudgetError{Used: used, Limit: a.budget.Total / 2}
	}

	turns, err := a.store.ReadAll(chatID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read history for chat %d: %w", chatID, err)
	}

	var kept []string // newest first
	for _, t := range turns {
		rendered := a.strategy.FormatTurn(t)
		cost := a.counter.Count(rendered)
		if used+cost > a.budget.History {
			break
		}
		kept = append(kept, rendered)
		used += cost
	}

	// Back to chronological order before concatenating.
	var frag strings.Builder
	for i := len(kept) - 1; i >= 0; i-- {
		frag.WriteString(kept[i])
	}

	return Result{
		Prompt:        a.strategy.FormatPrompt(newMessage, frag.String()),
		UsedTokens:    used,
		IncludedTurns: len(kept),
	}, nil
}
