// Package notify delivers formatted entries to chat backends.
package notify

import (
	"context"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"rsswatcher/internal/model"
)

// Notifier is a notification backend. All registered notifiers are
// invoked for every matching entry.
type Notifier interface {
	// Name identifies the backend in logs.
	Name() string
	// TestConnection verifies the backend is reachable and usable.
	TestConnection(ctx context.Context) error
	// SendEntry delivers one entry. A nil return means delivered.
	SendEntry(ctx context.Context, entry model.Entry) error
	// Close releases the backend's resources.
	Close() error
}

const (
	summaryLimit = 500
	maxHashTags  = 5
)

var (
	tagPattern        = regexp.MustCompile(`<[^>]+>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// cleanContent strips HTML markup from feed content and collapses the
// result into a single line of plain text.
func cleanContent(content string) string {
	text := tagPattern.ReplaceAllString(content, "")
	text = html.UnescapeString(text)
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
}

// summarize cleans content and caps it for embedding in a message.
func summarize(content string) string {
	s := cleanContent(content)
	return truncate(s, summaryLimit)
}

// truncate caps s at max bytes, replacing the tail with a visible
// truncation marker. The cut backs off to a rune boundary so the result
// is always valid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// hashTags renders up to maxHashTags categories as #tags with spaces
// replaced by underscores.
func hashTags(categories []string) string {
	if len(categories) > maxHashTags {
		categories = categories[:maxHashTags]
	}
	tags := make([]string, 0, len(categories))
	for _, c := range categories {
		tags = append(tags, "#"+strings.ReplaceAll(c, " ", "_"))
	}
	return strings.Join(tags, " ")
}
