package blocklist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ParseLine extracts a domain pattern from one list line.
// Supported formats:
//   - domain.com (plain list)
//   - *.domain.com (wildcard scope)
//   - 0.0.0.0 domain.com / 127.0.0.1 domain.com (hosts file)
//   - ||domain.com^ (adblock, wildcard scope per its semantics)
//
// Returns "" for comments, blanks, and localhost entries.
func ParseLine(line string) string {
	line = strings.TrimSpace(line)

	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
		return ""
	}

	// Adblock format covers the domain and its subdomains.
	if strings.HasPrefix(line, "||") && strings.Contains(line, "^") {
		domain := strings.TrimPrefix(line, "||")
		domain = strings.Split(domain, "^")[0]
		domain = strings.TrimSpace(domain)
		if domain == "" {
			return ""
		}
		return "*." + domain
	}

	fields := strings.Fields(line)

	// Hosts file format: first field is an IP address.
	if len(fields) >= 2 && (strings.Contains(fields[0], ".") || strings.Contains(fields[0], ":")) {
		return skipLocalhost(fields[1])
	}

	if len(fields) == 1 {
		return skipLocalhost(fields[0])
	}

	return ""
}

func skipLocalhost(domain string) string {
	switch domain {
	case "localhost", "localhost.localdomain", "local", "broadcasthost":
		return ""
	}
	return domain
}

// ParseReader feeds every pattern in r to add, tagged with source.
func ParseReader(r io.Reader, source string, add func(pattern, source string)) (int, error) {
	scanner := bufio.NewScanner(r)
	count := 0
	for scanner.Scan() {
		if pattern := ParseLine(scanner.Text()); pattern != "" {
			add(pattern, source)
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("error reading list: %w", err)
	}
	return count, nil
}

// ParseFile reads patterns from a list file. A missing file is not an error;
// it yields zero entries so the server can run degraded. Any other read
// failure is reported to the caller, which treats it as fatal at startup.
func ParseFile(path, source string, add func(pattern, source string)) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open list %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	return ParseReader(f, source, add)
}
