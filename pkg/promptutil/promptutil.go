// Package promptutil formats data into LLM-friendly markdown for prompt
// construction: tables from CSV or JSON, lists, and number formatting.
package promptutil

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// TableAlignment selects the markdown column alignment.
type TableAlignment int

const (
	AlignLeft TableAlignment = iota
	AlignCenter
	AlignRight
)

// CSVOptions controls CSV table rendering.
type CSVOptions struct {
	// Delimiter between cells (default ',').
	Delimiter rune
	// HasHeader treats the first row as the header (default true).
	HasHeader bool
	// MaxRows caps the number of data rows; 0 keeps all.
	MaxRows int
	// Columns selects column indices to include; nil keeps all.
	Columns   []int
	Alignment TableAlignment
}

// DefaultCSVOptions returns the standard comma-separated, headered settings.
func DefaultCSVOptions() CSVOptions {
	return CSVOptions{Delimiter: ',', HasHeader: true}
}

// CSVToMarkdown renders CSV data as a markdown table with default options.
func CSVToMarkdown(csv, title string) (string, error) {
	return CSVToMarkdownWithOptions(csv, title, DefaultCSVOptions())
}

// CSVToMarkdownWithOptions renders CSV data as a markdown table.
func CSVToMarkdownWithOptions(csv, title string, opts CSVOptions) (string, error) {
	if opts.Delimiter == 0 {
		opts.Delimiter = ','
	}

	var rows [][]string
	for _, line := range strings.Split(csv, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		cells := strings.Split(line, string(opts.Delimiter))
		row := make([]string, len(cells))
		for i, c := range cells {
			row[i] = strings.TrimSpace(c)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("empty CSV data")
	}

	if opts.Columns != nil {
		for i, row := range rows {
			filtered := make([]string, 0, len(opts.Columns))
			for _, idx := range opts.Columns {
				if idx >= 0 && idx < len(row) {
					filtered = append(filtered, row[idx])
				}
			}
			rows[i] = filtered
		}
	}

	if opts.MaxRows > 0 {
		limit := opts.MaxRows
		if opts.HasHeader {
			limit++
		}
		if len(rows) > limit {
			rows = rows[:limit]
		}
	}

	colCount := len(rows[0])
	for i, row := range rows {
		if len(row) != colCount {
			return "", fmt.Errorf("inconsistent column count: expected %d, found %d at row %d", colCount, len(row), i+1)
		}
	}

	header := rows[0]
	dataStart := 1
	if !opts.HasHeader {
		header = make([]string, colCount)
		for i := range header {
			header[i] = fmt.Sprintf("Col%d", i+1)
		}
		dataStart = 0
	}

	return renderTable(title, header, rows[dataStart:], opts.Alignment), nil
}

// JSONArrayToMarkdown renders a JSON array of objects as a markdown table.
// Column order follows the first object's keys sorted alphabetically.
func JSONArrayToMarkdown(data json.RawMessage, title string) (string, error) {
	var array []map[string]any
	if err := json.Unmarshal(data, &array); err != nil {
		return "", fmt.Errorf("expected a JSON array of objects: %w", err)
	}
	if len(array) == 0 {
		return "", fmt.Errorf("empty data")
	}

	headers := make([]string, 0, len(array[0]))
	for k := range array[0] {
		headers = append(headers, k)
	}
	sort.Strings(headers)
	if len(headers) == 0 {
		return "", fmt.Errorf("empty data")
	}

	rows := make([][]string, 0, len(array))
	for _, obj := range array {
		row := make([]string, len(headers))
		for i, h := range headers {
			row[i] = valueToString(obj[h])
		}
		rows = append(rows, row)
	}

	return renderTable(title, headers, rows, AlignLeft), nil
}

func valueToString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	}
}

func renderTable(title string, header []string, rows [][]string, align TableAlignment) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "### %s\n\n", title)
	}

	writeRow := func(row []string) {
		b.WriteString("|")
		for i, cell := range row {
			fmt.Fprintf(&b, " %-*s |", widths[i], cell)
		}
		b.WriteString("\n")
	}

	writeRow(header)

	b.WriteString("|")
	for _, w := range widths {
		sepWidth := w
		if sepWidth < 3 {
			sepWidth = 3
		}
		dashes := strings.Repeat("-", sepWidth)
		switch align {
		case AlignCenter:
			fmt.Fprintf(&b, ":%s:|", strings.Repeat("-", maxInt(sepWidth-2, 1)))
		case AlignRight:
			fmt.Fprintf(&b, " %s:|", strings.Repeat("-", maxInt(sepWidth-1, 1)))
		default:
			fmt.Fprintf(&b, " %s |", dashes)
		}
	}
	b.WriteString("\n")

	for _, row := range rows {
		writeRow(row)
	}
	return b.String()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// FormatNumber renders n with thousands separators and fixed decimals.
func FormatNumber(n float64, decimals int) string {
	formatted := strconv.FormatFloat(n, 'f', decimals, 64)
	intPart, fracPart, hasFrac := strings.Cut(formatted, ".")

	neg := strings.HasPrefix(intPart, "-")
	digits := strings.TrimPrefix(intPart, "-")

	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	out := b.String()
	if neg {
		out = "-" + out
	}
	if hasFrac {
		out += "." + fracPart
	}
	return out
}

// FormatCurrency renders amount with the currency's symbol and separators.
func FormatCurrency(amount float64, currency string, decimals int) string {
	symbol := ""
	switch strings.ToUpper(currency) {
	case "USD", "NZD", "AUD", "CAD":
		symbol = "$"
	case "EUR":
		symbol = "€"
	case "GBP":
		symbol = "£"
	case "JPY":
		symbol = "¥"
	}
	return symbol + FormatNumber(amount, decimals)
}

// TruncateText shortens text to maxLen with a trailing ellipsis.
func TruncateText(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	if maxLen <= 3 {
		return text[:maxLen]
	}
	return text[:maxLen-3] + "..."
}

// BulletList renders items as a markdown bullet list.
func BulletList(items []string) string {
	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = "- " + item
	}
	return strings.Join(lines, "\n")
}

// NumberedList renders items as a markdown numbered list.
func NumberedList(items []string) string {
	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = fmt.Sprintf("%d. %s", i+1, item)
	}
	return strings.Join(lines, "\n")
}

// KeyValue formats a bold key-value pair for prompts.
func KeyValue(key string, value any) string {
	return fmt.Sprintf("**%s**: %v", key, value)
}

// KeyValueBlock formats key-value pairs in the given key order.
func KeyValueBlock(keys []string, values map[string]any) string {
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, KeyValue(k, values[k]))
	}
	return strings.Join(lines, "\n")
}

// CodeBlock wraps code in a fenced block with an optional language tag.
func CodeBlock(code, language string) string {
	return fmt.Sprintf("```%s\n%s\n```", language, code)
}

// Collapsible wraps content in a details/summary section.
func Collapsible(summary, content string) string {
	return fmt.Sprintf("<details>\n<summary>%s</summary>\n\n%s\n</details>", summary, content)
}
