package formatter

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// TableFormatter formats output as aligned text tables.
type TableFormatter struct{}

// NewTableFormatter creates a new table formatter.
func NewTableFormatter() *TableFormatter {
	return &TableFormatter{}
}

// Name returns the formatter name.
func (f *TableFormatter) Name() string {
	return "table"
}

// Description returns the formatter description.
func (f *TableFormatter) Description() string {
	return "Aligned text table output"
}

// FormatList formats a list of records as a table.
func (f *TableFormatter) FormatList(w io.Writer, l Listing, opts FormatOptions) error {
	if len(l.Records) == 0 {
		fmt.Fprintf(w, "No %s found.\n", kindOr(l.Kind, "records"))
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	if !opts.NoHeader {
		headers := make([]string, len(l.Columns))
		for i, col := range l.Columns {
			headers[i] = strings.ToUpper(col.Name)
		}
		fmt.Fprintln(tw, strings.Join(headers, "\t"))
	}

	for _, record := range l.Records {
		values := make([]string, len(l.Columns))
		for i, col := range l.Columns {
			values[i] = f.formatValue(col, record[col.Name], opts.MaxWidth)
		}
		fmt.Fprintln(tw, strings.Join(values, "\t"))
	}

	return tw.Flush()
}

// FormatRecord formats a single record as key-value pairs.
func (f *TableFormatter) FormatRecord(w io.Writer, kind string, columns []Column, record map[string]any, opts FormatOptions) error {
	if record == nil {
		fmt.Fprintf(w, "%s not found.\n", kindOr(kind, "Record"))
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, col := range columns {
		label := f.formatLabel(col.Name)
		val := f.formatValue(col, record[col.Name], 0) // No truncation for detail view
		fmt.Fprintf(tw, "%s:\t%s\n", label, val)
	}

	return tw.Flush()
}

// FormatError formats an error message.
func (f *TableFormatter) FormatError(w io.Writer, err error) error {
	fmt.Fprintf(w, "Error: %s\n", err.Error())
	return nil
}

// formatLabel formats a field name as a label.
func (f *TableFormatter) formatLabel(name string) string {
	// Convert snake_case to Title Case
	words := strings.Split(name, "_")
	for i, word := range words {
		if len(word) > 0 {
			words[i] = strings.ToUpper(word[:1]) + word[1:]
		}
	}
	return strings.Join(words, " ")
}

// formatValue formats a value for display.
func (f *TableFormatter) formatValue(col Column, val any, maxWidth int) string {
	if val == nil {
		return "-"
	}

	var str string
	if col.Display != nil {
		str = col.Display(val)
	} else {
		switch v := val.(type) {
		case string:
			str = v
		case bool:
			if v {
				str = "yes"
			} else {
				str = "no"
			}
		case int, int64:
			str = fmt.Sprintf("%d", v)
		case float64:
			// Check if it's a whole number
			if v == float64(int64(v)) {
				str = fmt.Sprintf("%d", int64(v))
			} else {
				str = fmt.Sprintf("%.2f", v)
			}
		case fmt.Stringer:
			str = v.String()
		default:
			b, _ := json.Marshal(v)
			str = string(b)
		}
	}

	// Truncate if needed
	if maxWidth > 3 && len(str) > maxWidth {
		str = str[:maxWidth-3] + "..."
	}

	return str
}

func kindOr(kind, fallback string) string {
	if kind == "" {
		return fallback
	}
	return kind
}

func init() {
	Register(NewTableFormatter())
}
