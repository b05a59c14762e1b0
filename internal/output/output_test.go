package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"table", FormatTable, false},
		{"text", FormatTable, false},
		{"", FormatTable, false},
		{"JSON", FormatJSON, false},
		{"yaml", FormatYAML, false},
		{"yml", FormatYAML, false},
		{" json ", FormatJSON, false},
		{"xml", "", true},
	}

	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseFormat(%q) succeeded, want error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseFormat(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	in := map[string]any{"host": "WS01", "count": 2}
	if err := PrintJSON(&buf, in); err != nil {
		t.Fatalf("PrintJSON: %v", err)
	}

	var back map[string]any
	if err := json.Unmarshal(buf.Bytes(), &back); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, buf.String())
	}
	if back["host"] != "WS01" {
		t.Fatalf("round-trip lost data: %v", back)
	}
	if !strings.Contains(buf.String(), "\n  ") {
		t.Fatal("output is not indented")
	}
}

func TestPrintYAML(t *testing.T) {
	var buf bytes.Buffer
	in := struct {
		Host string `yaml:"host"`
	}{Host: "WS01"}
	if err := PrintYAML(&buf, in); err != nil {
		t.Fatalf("PrintYAML: %v", err)
	}
	if !strings.Contains(buf.String(), "host: WS01") {
		t.Fatalf("unexpected yaml: %q", buf.String())
	}
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	td := NewTableData("Host", "Username")
	td.AddRow("H1", "alice")
	td.AddRow("H2", "bob")

	if err := PrintTable(&buf, td); err != nil {
		t.Fatalf("PrintTable: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"HOST", "USERNAME", "H1", "alice", "H2", "bob"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}
}

func TestPrinterFallsBackToJSONForPlainData(t *testing.T) {
	var out bytes.Buffer
	p := NewPrinter(&out, &bytes.Buffer{}, FormatTable, false)

	if err := p.Print(map[string]string{"k": "v"}); err != nil {
		t.Fatalf("Print: %v", err)
	}
	if !strings.Contains(out.String(), `"k": "v"`) {
		t.Fatalf("fallback output = %q", out.String())
	}
}

func TestPrinterSendsWarningsToDiagnosticStream(t *testing.T) {
	var out, errOut bytes.Buffer
	p := NewPrinter(&out, &errOut, FormatTable, false)

	p.Warning("H2: unreachable")

	if out.Len() != 0 {
		t.Fatalf("warning leaked into data stream: %q", out.String())
	}
	if !strings.Contains(errOut.String(), "H2: unreachable") {
		t.Fatalf("diagnostic stream = %q", errOut.String())
	}
}

func TestPrinterColorWrapsDiagnostics(t *testing.T) {
	var out, errOut bytes.Buffer
	p := NewPrinter(&out, &errOut, FormatTable, true)

	p.Error("boom")
	if !strings.Contains(errOut.String(), "\033[31m") {
		t.Fatalf("expected ANSI color in %q", errOut.String())
	}
}
