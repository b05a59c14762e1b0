// Package output renders command results for terminals and pipelines.
// Tables go to stdout; warnings and per-host failures go to stderr, so
// redirected output stays parseable.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Format selects how results are rendered.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a string into a Format, returning an error if invalid.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "table", "text", "":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("invalid output format: %q (valid: table, json, yaml)", s)
	}
}

func (f Format) String() string {
	return string(f)
}

// Printer handles formatted output. Result data goes to out; diagnostics
// go to errOut.
type Printer struct {
	out    io.Writer
	errOut io.Writer
	format Format
	color  bool
}

func NewPrinter(out, errOut io.Writer, format Format, color bool) *Printer {
	return &Printer{out: out, errOut: errOut, format: format, color: color}
}

// DefaultPrinter writes tables to stdout and diagnostics to stderr.
func DefaultPrinter() *Printer {
	return NewPrinter(os.Stdout, os.Stderr, FormatTable, true)
}

func (p *Printer) Format() Format {
	return p.format
}

func (p *Printer) Writer() io.Writer {
	return p.out
}

// Print outputs data in the configured format. For table format, data
// should implement TableRenderer; anything else falls back to JSON.
func (p *Printer) Print(data any) error {
	switch p.format {
	case FormatTable:
		if renderer, ok := data.(TableRenderer); ok {
			return PrintTable(p.out, renderer)
		}
		return PrintJSON(p.out, data)
	case FormatJSON:
		return PrintJSON(p.out, data)
	case FormatYAML:
		return PrintYAML(p.out, data)
	default:
		return fmt.Errorf("unknown format: %s", p.format)
	}
}

// Println prints a message to the data stream.
func (p *Printer) Println(args ...any) {
	_, _ = fmt.Fprintln(p.out, args...)
}

// Printf prints a formatted message to the data stream.
func (p *Printer) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.out, format, args...)
}

// Success prints a success message to the diagnostic stream.
func (p *Printer) Success(msg string) {
	if p.color {
		_, _ = fmt.Fprintf(p.errOut, "\033[32m%s\033[0m\n", msg)
	} else {
		_, _ = fmt.Fprintln(p.errOut, msg)
	}
}

// Error prints an error message to the diagnostic stream.
func (p *Printer) Error(msg string) {
	if p.color {
		_, _ = fmt.Fprintf(p.errOut, "\033[31m%s\033[0m\n", msg)
	} else {
		_, _ = fmt.Fprintln(p.errOut, msg)
	}
}

// Warning prints a warning message to the diagnostic stream.
func (p *Printer) Warning(msg string) {
	if p.color {
		_, _ = fmt.Fprintf(p.errOut, "\033[33m%s\033[0m\n", msg)
	} else {
		_, _ = fmt.Fprintln(p.errOut, msg)
	}
}
