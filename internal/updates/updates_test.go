package updates

import "testing"

func TestNormalizeKB(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "bare number", raw: "5034123", want: "KB5034123"},
		{name: "already prefixed", raw: "KB5034123", want: "KB5034123"},
		{name: "surrounding space", raw: " 890830 ", want: "KB890830"},
		{name: "empty", raw: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizeKB(tt.raw); got != tt.want {
				t.Errorf("normalizeKB(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalizeSeverity(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "Critical", want: "critical"},
		{raw: " Important ", want: "important"},
		{raw: "", want: "unknown"},
	}

	for _, tt := range tests {
		if got := normalizeSeverity(tt.raw); got != tt.want {
			t.Errorf("normalizeSeverity(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestCategoryName(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "Security Updates", want: "security"},
		{raw: "Critical Updates", want: "security"},
		{raw: "Definition Updates", want: "definitions"},
		{raw: "Drivers", want: "driver"},
		{raw: "Feature Packs", want: "feature"},
		{raw: "Service Packs", want: "system"},
		{raw: "Update Rollups", want: "system"},
		{raw: "Tools", want: "application"},
		{raw: "", want: "application"},
	}

	for _, tt := range tests {
		if got := categoryName(tt.raw); got != tt.want {
			t.Errorf("categoryName(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestSortUpdatesSeverityThenTitle(t *testing.T) {
	updates := []Update{
		{Title: "Defender definitions", Severity: "unknown"},
		{Title: "Servicing stack", Severity: "low"},
		{Title: "B cumulative", Severity: "critical"},
		{Title: "A cumulative", Severity: "critical"},
		{Title: ".NET rollup", Severity: "important"},
	}

	sortUpdates(updates)

	wantTitles := []string{
		"A cumulative",
		"B cumulative",
		".NET rollup",
		"Servicing stack",
		"Defender definitions",
	}
	for i, want := range wantTitles {
		if updates[i].Title != want {
			t.Fatalf("position %d: got %q, want %q (order: %+v)", i, updates[i].Title, want, updates)
		}
	}
}
