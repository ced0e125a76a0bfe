package contextassembler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/capi-project/capi-core/pkg/types"
)

// wordCounter counts tokens as whitespace-separated words, so tests can
// reason about exact budgets without a real backend.
type wordCounter struct{}

func (wordCounter) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	return len(strings.Fields(text)), nil
}

func msg(role types.Role, content string) types.ChatMessage {
	return types.ChatMessage{Role: role, Content: content}
}

func TestAssembleKeepsSystemMessagesVerbatim(t *testing.T) {
	messages := []types.ChatMessage{
		msg(types.RoleSystem, "be terse"),
		msg(types.RoleUser, "hi"),
		msg(types.RoleAssistant, "hello"),
	}
	res, err := Assemble(wordCounter{}, messages, "how are you", 100, 0, 0)
	require.NoError(t, err)
	require.False(t, res.ContextTruncated)
	require.Contains(t, res.Prompt, "system: be terse")
	require.Contains(t, res.Prompt, "user: how are you")
}

func TestAssembleDropsOldestMessagesFirstWhenOverBudget(t *testing.T) {
	messages := []types.ChatMessage{
		msg(types.RoleUser, "one two three four five"),
		msg(types.RoleAssistant, "six seven eight nine ten"),
	}
	// Budget only fits the new turn plus one prior message.
	res, err := Assemble(wordCounter{}, messages, "eleven", 8, 0, 0)
	require.NoError(t, err)
	require.False(t, res.ContextTruncated)
	require.NotContains(t, res.Prompt, "one two three four five")
	require.Contains(t, res.Prompt, "six seven eight nine ten")
	require.Contains(t, res.Prompt, "user: eleven")
}

func TestAssembleReservesBudgetForResponse(t *testing.T) {
	messages := []types.ChatMessage{msg(types.RoleUser, "one two three")}
	res, err := Assemble(wordCounter{}, messages, "four", 5, 0, 3)
	require.NoError(t, err)
	require.NotContains(t, res.Prompt, "one two three")
	require.Contains(t, res.Prompt, "user: four")
	require.False(t, res.ContextTruncated)
}

func TestAssembleTruncatesFinalUserTurnAsLastResort(t *testing.T) {
	res, err := Assemble(wordCounter{}, nil, "one two three four five", 3, 0, 0)
	require.NoError(t, err)
	require.True(t, res.ContextTruncated)
	require.Contains(t, res.Prompt, "user:")
	require.NotContains(t, res.Prompt, "one two three four five")
}

func TestAssembleModelMaxCapsBelowDefaultBudget(t *testing.T) {
	messages := []types.ChatMessage{msg(types.RoleUser, "one two three four five")}
	res, err := Assemble(wordCounter{}, messages, "six", 1000, 5, 0)
	require.NoError(t, err)
	require.NotContains(t, res.Prompt, "one two three four five")
	require.False(t, res.ContextTruncated)
}

func TestAssembleWholeMessageDropTieBreak(t *testing.T) {
	messages := []types.ChatMessage{
		msg(types.RoleUser, "a b c d e"),
	}
	// Budget after the new turn leaves room for 4 tokens, but the prior
	// message is 5 tokens: it must be dropped whole, not truncated.
	res, err := Assemble(wordCounter{}, messages, "z", 5, 0, 0)
	require.NoError(t, err)
	require.False(t, res.ContextTruncated)
	require.NotContains(t, res.Prompt, "a b c d e")
	require.Contains(t, res.Prompt, "user: z")
}
