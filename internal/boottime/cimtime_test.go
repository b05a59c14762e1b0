package boottime

import (
	"testing"
	"time"
)

func TestParseCIMDatetime(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want time.Time
	}{
		{
			name: "positive offset",
			in:   "20250116083015.500000+060",
			want: time.Date(2025, 1, 16, 7, 30, 15, 500_000_000, time.UTC),
		},
		{
			name: "negative offset",
			in:   "20260820223000.000000-300",
			want: time.Date(2026, 8, 21, 3, 30, 0, 0, time.UTC),
		},
		{
			name: "utc",
			in:   "20240229120000.000001+000",
			want: time.Date(2024, 2, 29, 12, 0, 0, 1000, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCIMDatetime(tt.in)
			if err != nil {
				t.Fatalf("parseCIMDatetime(%q): %v", tt.in, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("parseCIMDatetime(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseCIMDatetimeRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"20250116083015",
		"20250116083015.500000",
		"20250116083015.500000*060",
		"20250116083015x500000+060",
		"2025011608301a.500000+060",
		"20250116083015.50000a+060",
		"20250116083015.500000+06a",
	}
	for _, in := range bad {
		if _, err := parseCIMDatetime(in); err == nil {
			t.Errorf("parseCIMDatetime(%q) succeeded, want error", in)
		}
	}
}
