package sessions

import "testing"

func TestIsAccountSID(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"domain account", "S-1-5-21-1111111111-2222222222-333333333-1001", true},
		{"short subauthorities", "S-1-5-21-4444-5555-6666-1002", true},
		{"cloud account", "S-1-12-1-1183539010-1219549137-3158787300-2256395076", true},
		{"default key", ".DEFAULT", false},
		{"local system", "S-1-5-18", false},
		{"local service", "S-1-5-19", false},
		{"network service", "S-1-5-20", false},
		{"classes sibling", "S-1-5-21-1111111111-2222222222-333333333-1001_Classes", false},
		{"empty", "", false},
		{"lowercase prefix", "s-1-5-21-1111111111-2222222222-333333333-1001", false},
		{"non-numeric group", "S-1-5-21-aaaa-5555-6666-1002", false},
		{"too many groups", "S-1-5-21-1-2-3-4-5", false},
		{"trailing hyphen", "S-1-5-21-1111111111-2222222222-333333333-", false},
		{"plain name", "Software", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAccountSID(tt.input); got != tt.want {
				t.Fatalf("IsAccountSID(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
