// Package contextassembler builds a bounded-token prompt from a chat
// session plus a new user turn. There is no teacher analogue (the teacher
// has no chat-session layer) so this is built fresh, in the teacher's
// small-struct-plus-pure-function style, against the token budget
// algorithm spec.md §4.8 spells out exactly.
package contextassembler

import (
	"strings"

	"github.com/capi-project/capi-core/pkg/types"
)

// TokenCounter matches backend.Backend.CountTokens's shape without
// importing the backend package, so this package has no dependency on any
// particular GenerationBackend implementation.
type TokenCounter interface {
	CountTokens(text string) (int, error)
}

// Result is the assembled prompt plus whether the new user turn itself had
// to be truncated to fit the budget.
type Result struct {
	Prompt           string
	ContextTruncated bool
}

// Assemble builds a prompt from messages (a session's history, oldest
// first) plus newUserTurn, under budget = min(defaultContextTokens,
// modelMaxTokens) minus reservedForResponse (max_new_tokens).
//
// Algorithm (spec.md §4.8):
//  1. Leading system messages are always kept verbatim.
//  2. Walk the remaining messages newest-first, accumulating token counts,
//     until the next one would exceed the budget.
//  3. Prepend kept messages in original order, then append newUserTurn.
//  4. If system messages + newUserTurn alone exceed budget, truncate
//     newUserTurn from its start and mark the result ContextTruncated.
func Assemble(counter TokenCounter, messages []types.ChatMessage, newUserTurn string, defaultContextTokens, modelMaxTokens, reservedForResponse int) (Result, error) {
	budget := defaultContextTokens
	if modelMaxTokens > 0 && modelMaxTokens < budget {
		budget = modelMaxTokens
	}
	budget -= reservedForResponse
	if budget < 0 {
		budget = 0
	}

	var system []types.ChatMessage
	rest := messages
	for len(rest) > 0 && rest[0].Role == types.RoleSystem {
		system = append(system, rest[0])
		rest = rest[1:]
	}

	systemTokens := 0
	for _, m := range system {
		n, err := counter.CountTokens(m.Content)
		if err != nil {
			return Result{}, err
		}
		systemTokens += n
	}

	newTurnTokens, err := counter.CountTokens(newUserTurn)
	if err != nil {
		return Result{}, err
	}

	if systemTokens+newTurnTokens > budget {
		truncated := truncateToBudget(counter, newUserTurn, budget-systemTokens)
		return Result{
			Prompt:           renderPrompt(system, nil, truncated),
			ContextTruncated: true,
		}, nil
	}

	remaining := budget - systemTokens - newTurnTokens
	var kept []types.ChatMessage
	for i := len(rest) - 1; i >= 0; i-- {
		m := rest[i]
		n, err := counter.CountTokens(m.Content)
		if err != nil {
			return Result{}, err
		}
		if n > remaining {
			break
		}
		remaining -= n
		kept = append([]types.ChatMessage{m}, kept...)
	}

	return Result{Prompt: renderPrompt(system, kept, newUserTurn)}, nil
}

// truncateToBudget drops leading words from text until counter reports it
// fits within budget tokens, matching spec.md §4.8's "truncate the new
// user turn from the start" tie-break for the final-user-turn exception.
// Each candidate is counted here; the caller does not count the result
// again. The kept words are re-joined with single spaces, so the original
// whitespace is not preserved.
func truncateToBudget(counter TokenCounter, text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	words := strings.Fields(text)
	for len(words) > 0 {
		candidate := strings.Join(words, " ")
		n, err := counter.CountTokens(candidate)
		if err != nil || n <= budget {
			return candidate
		}
		words = words[1:]
	}
	return ""
}

func renderPrompt(system, kept []types.ChatMessage, newUserTurn string) string {
	var b strings.Builder
	for _, m := range system {
		writeTurn(&b, m.Role, m.Content)
	}
	for _, m := range kept {
		writeTurn(&b, m.Role, m.Content)
	}
	writeTurn(&b, types.RoleUser, newUserTurn)
	b.WriteString("assistant: ")
	return b.String()
}

func writeTurn(b *strings.Builder, role types.Role, content string) {
	b.WriteString(string(role))
	b.WriteString(": ")
	b.WriteString(content)
	b.WriteString("\n")
}
