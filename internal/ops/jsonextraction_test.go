package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepairJSON_DirectParse(t *testing.T) {
	v, ok := repairJSON(`{"a": 1, "b": "two"}`)
	require.True(t, ok)
	m := v.(map[string]interface{})
	assert.Equal(t, float64(1), m["a"])
}

func TestRepairJSON_FencedCodeBlock(t *testing.T) {
	text := "Here is the result:\n```json\n{\"name\": \"widget\", \"price\": 9.99}\n```\nLet me know if you need more."
	v, ok := repairJSON(text)
	require.True(t, ok)
	m := v.(map[string]interface{})
	assert.Equal(t, "widget", m["name"])
}

func TestRepairJSON_BalancedObjectAmongProse(t *testing.T) {
	text := `The extracted data is {"title": "hello {world}", "count": 3} as requested.`
	v, ok := repairJSON(text)
	require.True(t, ok)
	m := v.(map[string]interface{})
	assert.Equal(t, "hello {world}", m["title"])
}

func TestRepairJSON_Unparseable(t *testing.T) {
	_, ok := repairJSON("I could not find any structured data on this page.")
	assert.False(t, ok)
}

func TestExtractor_BudgetContentTruncatesLongInput(t *testing.T) {
	e, err := NewExtractor(ExtractionConfig{
		ModelContextLimit:  100,
		MaxOutputTokens:    50,
		SystemPromptBudget: 10,
	})
	require.NoError(t, err)

	long := ""
	for i := 0; i < 500; i++ {
		long += "word "
	}
	got := e.budgetContent("system prompt", long)
	assert.Less(t, len(got), len(long))
}

func TestExtractor_BudgetContentKeepsShortInput(t *testing.T) {
	e, err := NewExtractor(DefaultExtractionConfig())
	require.NoError(t, err)

	content := "short page content"
	got := e.budgetContent("system prompt", content)
	assert.Equal(t, content, got)
}
