// Package updates lists Windows updates that are pending installation.
// The scan is strictly read-only: nothing is downloaded, accepted, or
// installed. Installing patches is a change-management decision that does
// not belong in an inspection toolkit.
package updates

import (
	"sort"
	"strings"

	"github.com/fleetscope/winops/internal/logging"
)

var log = logging.L("updates")

// Update is one entry the Windows Update agent reports as not yet installed.
type Update struct {
	Title          string `json:"title" yaml:"title"`
	KB             string `json:"kb,omitempty" yaml:"kb,omitempty"`
	Severity       string `json:"severity" yaml:"severity"`
	Category       string `json:"category" yaml:"category"`
	SizeBytes      int64  `json:"sizeBytes" yaml:"sizeBytes"`
	Downloaded     bool   `json:"downloaded" yaml:"downloaded"`
	RebootRequired bool   `json:"rebootRequired" yaml:"rebootRequired"`
}

// severityRank orders MSRC severities most-urgent-first for display.
var severityRank = map[string]int{
	"critical":  0,
	"important": 1,
	"moderate":  2,
	"low":       3,
	"unknown":   4,
}

func sortUpdates(updates []Update) {
	sort.Slice(updates, func(i, j int) bool {
		ri, ok := severityRank[updates[i].Severity]
		if !ok {
			ri = len(severityRank)
		}
		rj, ok := severityRank[updates[j].Severity]
		if !ok {
			rj = len(severityRank)
		}
		if ri != rj {
			return ri < rj
		}
		return updates[i].Title < updates[j].Title
	})
}

// normalizeSeverity lowercases the MSRC severity; many updates (definitions,
// drivers) carry none at all.
func normalizeSeverity(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "unknown"
	}
	return s
}

// normalizeKB turns a raw KB article ID into the familiar KBnnnnnn form.
// The update agent reports bare numbers.
func normalizeKB(raw string) string {
	kb := strings.TrimSpace(raw)
	if kb == "" {
		return ""
	}
	if !strings.HasPrefix(kb, "KB") {
		kb = "KB" + kb
	}
	return kb
}

// categoryName maps a raw update-agent category to a small normalized set.
func categoryName(raw string) string {
	name := strings.ToLower(raw)
	switch {
	case strings.Contains(name, "security") || strings.Contains(name, "critical"):
		return "security"
	case strings.Contains(name, "definition"):
		return "definitions"
	case strings.Contains(name, "driver"):
		return "driver"
	case strings.Contains(name, "feature"):
		return "feature"
	case strings.Contains(name, "service pack") || strings.Contains(name, "update rollup"):
		return "system"
	default:
		return "application"
	}
}
