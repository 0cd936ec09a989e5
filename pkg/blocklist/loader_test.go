package blocklist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"example.com", "example.com"},
		{"  example.com  ", "example.com"},
		{"*.example.com", "*.example.com"},
		{"0.0.0.0 ads.example.com", "ads.example.com"},
		{"127.0.0.1 tracker.example.net", "tracker.example.net"},
		{"::1 v6.example.com", "v6.example.com"},
		{"||adserver.com^", "*.adserver.com"},
		{"||adserver.com^$third-party", "*.adserver.com"},
		{"# comment", ""},
		{"// another comment", ""},
		{"", ""},
		{"   ", ""},
		{"0.0.0.0 localhost", ""},
		{"127.0.0.1 localhost.localdomain", ""},
		{"localhost", ""},
	}

	for _, tt := range tests {
		if got := ParseLine(tt.line); got != tt.want {
			t.Errorf("ParseLine(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

func TestParseReader(t *testing.T) {
	input := strings.Join([]string{
		"# my blocklist",
		"ads.example.com",
		"*.trackerdomain.com",
		"0.0.0.0 metrics.example.net",
		"",
		"||adserver.org^",
	}, "\n")

	var patterns []string
	count, err := ParseReader(strings.NewReader(input), "unit", func(pattern, source string) {
		if source != "unit" {
			t.Errorf("source = %q, want unit", source)
		}
		patterns = append(patterns, pattern)
	})
	if err != nil {
		t.Fatalf("ParseReader() failed: %v", err)
	}
	if count != 4 {
		t.Errorf("count = %d, want 4", count)
	}

	want := []string{"ads.example.com", "*.trackerdomain.com", "metrics.example.net", "*.adserver.org"}
	for i, p := range want {
		if patterns[i] != p {
			t.Errorf("patterns[%d] = %q, want %q", i, patterns[i], p)
		}
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocklists.txt")
	content := "ads.example.com\n*.trackerdomain.com\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write list: %v", err)
	}

	b := NewBuilder()
	count, err := ParseFile(path, path, b.Block)
	if err != nil {
		t.Fatalf("ParseFile() failed: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	m := b.Build()
	if !m.Match("ads.example.com").Blocked {
		t.Error("loaded exact entry should block")
	}
	if !m.Match("sub.trackerdomain.com").Blocked {
		t.Error("loaded wildcard entry should block")
	}
}

func TestParseFile_Missing(t *testing.T) {
	count, err := ParseFile(filepath.Join(t.TempDir(), "nope.txt"), "x", func(string, string) {
		t.Error("add should not be called for a missing file")
	})
	if err != nil {
		t.Fatalf("missing file should not be an error, got: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}
