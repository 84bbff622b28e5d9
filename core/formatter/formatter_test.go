package formatter_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/artpar/billcycle/core/formatter"
	"gopkg.in/yaml.v3"
)

func formatInt(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

var listing = formatter.Listing{
	Kind: "plans",
	Columns: []formatter.Column{
		{Name: "id"},
		{Name: "price_monthly", Display: func(v any) string { return "c" + formatInt(v) }},
		{Name: "popular"},
	},
	Records: []map[string]any{
		{"id": "free", "price_monthly": int64(0), "popular": false, "internal": "x"},
		{"id": "pro", "price_monthly": int64(14900), "popular": true, "internal": "y"},
	},
}

func TestDefaultRegistry(t *testing.T) {
	got := formatter.List()
	want := []string{"json", "table", "yaml"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("List() = %v, want %v", got, want)
	}

	f, err := formatter.Lookup("")
	if err != nil || f.Name() != "table" {
		t.Errorf("Lookup(\"\") = %v, %v, want table", f, err)
	}
	if _, err := formatter.Lookup("csv"); err == nil {
		t.Error("Lookup(csv) should fail")
	}
}

func TestRegistry_Register(t *testing.T) {
	r := formatter.NewRegistry()
	if err := r.Register(formatter.NewJSONFormatter()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(formatter.NewJSONFormatter()); err == nil {
		t.Error("duplicate Register should fail")
	}
	if r.Default() != nil {
		t.Error("Default() should be nil until table is registered")
	}
	if err := r.SetDefault("json"); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	if r.Default().Name() != "json" {
		t.Errorf("Default() = %s, want json", r.Default().Name())
	}
	if err := r.SetDefault("xml"); err == nil {
		t.Error("SetDefault(xml) should fail")
	}
}

func TestTable_FormatList(t *testing.T) {
	var buf bytes.Buffer
	if err := formatter.NewTableFormatter().FormatList(&buf, listing, formatter.FormatOptions{}); err != nil {
		t.Fatalf("FormatList: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), buf.String())
	}
	if fields := strings.Fields(lines[0]); strings.Join(fields, " ") != "ID PRICE_MONTHLY POPULAR" {
		t.Errorf("header = %q", lines[0])
	}
	if fields := strings.Fields(lines[2]); strings.Join(fields, " ") != "pro c14900 yes" {
		t.Errorf("row = %q", lines[2])
	}
	if strings.Contains(buf.String(), "internal") {
		t.Error("unlisted column leaked into table")
	}
}

func TestTable_Options(t *testing.T) {
	var buf bytes.Buffer
	l := formatter.Listing{
		Columns: []formatter.Column{{Name: "description"}},
		Records: []map[string]any{{"description": "a very long description"}},
	}
	formatter.NewTableFormatter().FormatList(&buf, l, formatter.FormatOptions{NoHeader: true, MaxWidth: 10})

	if got := strings.TrimSpace(buf.String()); got != "a very ..." {
		t.Errorf("got %q, want %q", got, "a very ...")
	}
}

func TestTable_Empty(t *testing.T) {
	var buf bytes.Buffer
	formatter.NewTableFormatter().FormatList(&buf, formatter.Listing{Kind: "invoices"}, formatter.FormatOptions{})
	if got := buf.String(); got != "No invoices found.\n" {
		t.Errorf("got %q", got)
	}
}

func TestTable_FormatRecord(t *testing.T) {
	var buf bytes.Buffer
	err := formatter.NewTableFormatter().FormatRecord(&buf, "plan", listing.Columns, listing.Records[1], formatter.FormatOptions{})
	if err != nil {
		t.Fatalf("FormatRecord: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Id:", "Price Monthly:", "c14900", "Popular:", "yes"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	formatter.NewTableFormatter().FormatRecord(&buf, "Plan", nil, nil, formatter.FormatOptions{})
	if buf.String() != "Plan not found.\n" {
		t.Errorf("nil record output = %q", buf.String())
	}
}

func TestJSON_FormatList(t *testing.T) {
	var buf bytes.Buffer
	if err := formatter.NewJSONFormatter().FormatList(&buf, listing, formatter.FormatOptions{Compact: true}); err != nil {
		t.Fatalf("FormatList: %v", err)
	}

	var got struct {
		Kind  string           `json:"kind"`
		Count int              `json:"count"`
		Data  []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != "plans" || got.Count != 2 {
		t.Errorf("kind %s count %d", got.Kind, got.Count)
	}
	// Display functions only apply to tables.
	if got.Data[1]["price_monthly"] != float64(14900) {
		t.Errorf("price_monthly = %v, want raw 14900", got.Data[1]["price_monthly"])
	}
	if _, ok := got.Data[0]["internal"]; ok {
		t.Error("unlisted column leaked into json")
	}
	if strings.Count(buf.String(), "\n") != 1 {
		t.Error("compact output should be one line")
	}
}

func TestYAML_FormatList(t *testing.T) {
	var buf bytes.Buffer
	if err := formatter.NewYAMLFormatter().FormatList(&buf, listing, formatter.FormatOptions{}); err != nil {
		t.Fatalf("FormatList: %v", err)
	}

	var got struct {
		Kind  string           `yaml:"kind"`
		Count int              `yaml:"count"`
		Data  []map[string]any `yaml:"data"`
	}
	if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != "plans" || got.Count != 2 || got.Data[0]["id"] != "free" {
		t.Errorf("got %+v", got)
	}
}

func TestFormatError(t *testing.T) {
	err := errors.New("plan not found")
	for _, name := range formatter.List() {
		f, _ := formatter.Get(name)
		var buf bytes.Buffer
		if e := f.FormatError(&buf, err); e != nil {
			t.Errorf("%s: FormatError: %v", name, e)
		}
		if !strings.Contains(buf.String(), "plan not found") {
			t.Errorf("%s: output %q", name, buf.String())
		}
	}
}
