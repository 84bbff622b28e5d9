// Package formatter renders command output as table, json or yaml.
package formatter

import (
	"fmt"
	"io"
	"sort"
	"sync"
)

// Column describes one field of a listing.
type Column struct {
	// Name is the record key and the json/yaml field name.
	Name string

	// Display renders the value for tabular output. nil uses the default.
	Display func(v any) string
}

// Listing is a named set of records with an ordered column list.
type Listing struct {
	Kind    string // e.g. "plans", "invoices"
	Columns []Column
	Records []map[string]any
}

// Formatter converts a listing to a specific output format.
type Formatter interface {
	// Name returns the formatter name (e.g., "table", "json", "yaml").
	Name() string

	// Description returns a human-readable description.
	Description() string

	// FormatList writes every record of l.
	FormatList(w io.Writer, l Listing, opts FormatOptions) error

	// FormatRecord writes a single record as a detail view.
	FormatRecord(w io.Writer, kind string, columns []Column, record map[string]any, opts FormatOptions) error

	// FormatError formats an error.
	FormatError(w io.Writer, err error) error
}

// FormatOptions configures formatting behavior.
type FormatOptions struct {
	// NoHeader disables header row for tabular formats.
	NoHeader bool

	// Compact minimizes whitespace (for json).
	Compact bool

	// MaxWidth truncates long values (0 = no limit).
	MaxWidth int
}

// Registry manages registered formatters.
type Registry struct {
	mu         sync.RWMutex
	formatters map[string]Formatter
	defaultFmt string
}

// NewRegistry creates a new formatter registry.
func NewRegistry() *Registry {
	return &Registry{
		formatters: make(map[string]Formatter),
		defaultFmt: "table",
	}
}

// Register adds a formatter to the registry.
func (r *Registry) Register(f Formatter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.formatters[f.Name()]; exists {
		return fmt.Errorf("formatter %q already registered", f.Name())
	}

	r.formatters[f.Name()] = f
	return nil
}

// Get returns a formatter by name.
func (r *Registry) Get(name string) (Formatter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.formatters[name]
	return f, ok
}

// Lookup returns the named formatter, or the default for an empty name.
func (r *Registry) Lookup(name string) (Formatter, error) {
	if name == "" {
		if f := r.Default(); f != nil {
			return f, nil
		}
		return nil, fmt.Errorf("no formatters registered")
	}
	f, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown output format %q (available: %v)", name, r.List())
	}
	return f, nil
}

// Default returns the default formatter.
func (r *Registry) Default() Formatter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.formatters[r.defaultFmt]
}

// SetDefault sets the default formatter.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.formatters[name]; !exists {
		return fmt.Errorf("formatter %q not registered", name)
	}

	r.defaultFmt = name
	return nil
}

// List returns all registered formatter names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.formatters))
	for name := range r.formatters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry is the global formatter registry.
var DefaultRegistry = NewRegistry()

// Register adds a formatter to the default registry.
func Register(f Formatter) error {
	return DefaultRegistry.Register(f)
}

// Get returns a formatter from the default registry.
func Get(name string) (Formatter, bool) {
	return DefaultRegistry.Get(name)
}

// Lookup resolves a formatter name against the default registry.
func Lookup(name string) (Formatter, error) {
	return DefaultRegistry.Lookup(name)
}

// List returns all formatter names from the default registry.
func List() []string {
	return DefaultRegistry.List()
}

// project keeps only the listed columns of a record, for structured output.
func project(columns []Column, record map[string]any) map[string]any {
	if len(columns) == 0 {
		return record
	}
	out := make(map[string]any, len(columns))
	for _, c := range columns {
		if v, ok := record[c.Name]; ok {
			out[c.Name] = v
		}
	}
	return out
}

func projectAll(columns []Column, records []map[string]any) []map[string]any {
	out := make([]map[string]any, len(records))
	for i, r := range records {
		out[i] = project(columns, r)
	}
	return out
}
