package checksum

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"regexp"
	"strings"
)

// ErrNotFound is returned when no line of a listing carries a checksum for the file.
var ErrNotFound = errors.New("checksum: no matching line")

// Line shapes, in priority order.
var linePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^([0-9a-fA-F]{32})\s`),
	regexp.MustCompile(`^([0-9a-fA-F]{64})\s`),
	regexp.MustCompile(`\s([0-9a-fA-F]{64})$`),
}

// maxLineSize bounds a single listing line.
const maxLineSize = 1024 * 1024

// Match scans r line by line and returns the checksum for filename.
// r is never read past the first matching line.
func Match(r io.Reader, filename string) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var scanErr error
	lines := func(yield func(string) bool) {
		for scanner.Scan() {
			if !yield(scanner.Text()) {
				return
			}
		}
		scanErr = scanner.Err()
	}

	sum, err := MatchLines(lines, filename)
	if scanErr != nil {
		return "", fmt.Errorf("read checksum listing: %w", scanErr)
	}
	return sum, err
}

// MatchLines returns the checksum for filename from the first matching line in lines.
func MatchLines(lines iter.Seq[string], filename string) (string, error) {
	for line := range lines {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, "#") || !strings.Contains(line, filename) {
			continue
		}
		if sum := matchLine(line); sum != "" {
			return sum, nil
		}
	}
	return "", fmt.Errorf("%w for %s", ErrNotFound, filename)
}

func matchLine(line string) string {
	for _, re := range linePatterns {
		if m := re.FindStringSubmatch(line); m != nil {
			return m[1]
		}
	}
	return ""
}
