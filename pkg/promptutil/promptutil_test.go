package promptutil

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVToMarkdown(t *testing.T) {
	csv := "Name,Age,City\nAlice,30,NYC\nBob,25,LA"

	md, err := CSVToMarkdown(csv, "")

	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(md, "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "| Name")
	assert.Contains(t, lines[1], "---")
	assert.Contains(t, lines[2], "| Alice")
	assert.Contains(t, lines[3], "| Bob")
}

func TestCSVToMarkdownWithTitle(t *testing.T) {
	md, err := CSVToMarkdown("a,b\n1,2", "Totals")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(md, "### Totals\n\n"))
}

func TestCSVToMarkdownOptions(t *testing.T) {
	t.Run("custom delimiter", func(t *testing.T) {
		md, err := CSVToMarkdownWithOptions("a;b\n1;2", "", CSVOptions{Delimiter: ';', HasHeader: true})
		require.NoError(t, err)
		assert.Contains(t, md, "| 1")
	})

	t.Run("no header generates column names", func(t *testing.T) {
		md, err := CSVToMarkdownWithOptions("1,2\n3,4", "", CSVOptions{Delimiter: ',', HasHeader: false})
		require.NoError(t, err)
		assert.Contains(t, md, "Col1")
		assert.Contains(t, md, "Col2")
	})

	t.Run("max rows", func(t *testing.T) {
		md, err := CSVToMarkdownWithOptions("h\n1\n2\n3", "", CSVOptions{Delimiter: ',', HasHeader: true, MaxRows: 2})
		require.NoError(t, err)
		assert.Contains(t, md, "| 2")
		assert.NotContains(t, md, "| 3")
	})

	t.Run("column selection", func(t *testing.T) {
		md, err := CSVToMarkdownWithOptions("a,b,c\n1,2,3", "", CSVOptions{Delimiter: ',', HasHeader: true, Columns: []int{0, 2}})
		require.NoError(t, err)
		assert.Contains(t, md, "| a")
		assert.Contains(t, md, "| c")
		assert.NotContains(t, md, "| b")
	})

	t.Run("empty input", func(t *testing.T) {
		_, err := CSVToMarkdown("  \n  ", "")
		assert.Error(t, err)
	})

	t.Run("inconsistent columns", func(t *testing.T) {
		_, err := CSVToMarkdown("a,b\n1", "")
		assert.Error(t, err)
	})
}

func TestJSONArrayToMarkdown(t *testing.T) {
	data := json.RawMessage(`[
		{"name": "Alice", "age": 30},
		{"name": "Bob", "age": 25}
	]`)

	md, err := JSONArrayToMarkdown(data, "People")

	require.NoError(t, err)
	assert.Contains(t, md, "### People")
	assert.Contains(t, md, "| age")
	assert.Contains(t, md, "| name")
	assert.Contains(t, md, "| Alice")
	assert.Contains(t, md, "| 25")
}

func TestJSONArrayToMarkdownErrors(t *testing.T) {
	_, err := JSONArrayToMarkdown(json.RawMessage(`{"not": "array"}`), "")
	assert.Error(t, err)

	_, err = JSONArrayToMarkdown(json.RawMessage(`[]`), "")
	assert.Error(t, err)
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		n        float64
		decimals int
		want     string
	}{
		{1234567.891, 2, "1,234,567.89"},
		{1000, 0, "1,000"},
		{-9876.5, 1, "-9,876.5"},
		{12, 0, "12"},
		{0, 2, "0.00"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatNumber(tt.n, tt.decimals))
	}
}

func TestFormatCurrency(t *testing.T) {
	assert.Equal(t, "$1,500.00", FormatCurrency(1500, "USD", 2))
	assert.Equal(t, "€99.90", FormatCurrency(99.9, "eur", 2))
	assert.Equal(t, "$250", FormatCurrency(250, "NZD", 0))
	assert.Equal(t, "42.00", FormatCurrency(42, "CHF", 2))
}

func TestTruncateText(t *testing.T) {
	assert.Equal(t, "short", TruncateText("short", 10))
	assert.Equal(t, "exactly", TruncateText("exactly", 7))
	assert.Equal(t, "trun...", TruncateText("truncated text", 7))
	assert.Equal(t, "ab", TruncateText("abcdef", 2))
}

func TestLists(t *testing.T) {
	assert.Equal(t, "- a\n- b", BulletList([]string{"a", "b"}))
	assert.Equal(t, "1. a\n2. b", NumberedList([]string{"a", "b"}))
	assert.Equal(t, "", BulletList(nil))
}

func TestKeyValue(t *testing.T) {
	assert.Equal(t, "**Revenue**: 1000", KeyValue("Revenue", 1000))

	block := KeyValueBlock([]string{"a", "b"}, map[string]any{"a": 1, "b": "two"})
	assert.Equal(t, "**a**: 1\n**b**: two", block)
}

func TestCodeBlock(t *testing.T) {
	assert.Equal(t, "```json\n{}\n```", CodeBlock("{}", "json"))
	assert.Equal(t, "```\nx\n```", CodeBlock("x", ""))
}

func TestCollapsible(t *testing.T) {
	out := Collapsible("Details", "content here")
	assert.Contains(t, out, "<summary>Details</summary>")
	assert.Contains(t, out, "content here")
}
