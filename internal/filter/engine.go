// Package filter implements the per-feed entry matching engine.
package filter

import (
	"log/slog"
	"regexp"
	"strings"
	"time"

	"rsswatcher/internal/config"
	"rsswatcher/internal/model"
)

const (
	// maxPatternLength caps regex patterns as a denial-of-service guard.
	maxPatternLength = 1000

	// defaultMatchTimeout bounds a single regex evaluation. Go's regexp
	// engine runs in linear time, but very large inputs can still take a
	// while; an overrun degrades to "no match" for that field.
	defaultMatchTimeout = 2 * time.Second
)

// Engine decides whether entries pass a feed's configured rules.
//
// An Engine is built once per feed and is safe for concurrent read-only
// use. The four rule groups (keywords, categories, authors, regex)
// combine with AND; within a group excludes are checked before includes.
type Engine struct {
	rules        config.FeedFilters
	titleRe      *regexp.Regexp
	contentRe    *regexp.Regexp
	matchTimeout time.Duration
	log          *slog.Logger
}

// New builds an Engine from a feed's filter configuration. Invalid or
// oversized regex patterns are logged and dropped; the corresponding
// field then imposes no constraint.
func New(rules config.FeedFilters, log *slog.Logger) *Engine {
	e := &Engine{
		rules:        rules,
		matchTimeout: defaultMatchTimeout,
		log:          log,
	}
	e.titleRe = e.compile("title", rules.Regex.Title)
	e.contentRe = e.compile("content", rules.Regex.Content)
	return e
}

func (e *Engine) compile(field, pattern string) *regexp.Regexp {
	if pattern == "" {
		return nil
	}
	if len(pattern) > maxPatternLength {
		e.log.Error("regex pattern too long, ignoring",
			"field", field, "length", len(pattern), "max", maxPatternLength)
		return nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		e.log.Error("invalid regex pattern, ignoring",
			"field", field, "pattern", pattern, "error", err)
		return nil
	}
	return re
}

// Matches reports whether the entry passes all four rule groups.
func (e *Engine) Matches(entry model.Entry) bool {
	return e.checkKeywords(entry) &&
		e.checkCategories(entry) &&
		e.checkAuthors(entry) &&
		e.checkRegex(entry)
}

// Filter returns the subset of entries that pass the engine's rules,
// preserving order.
func (e *Engine) Filter(entries []model.Entry) []model.Entry {
	var matched []model.Entry
	for _, entry := range entries {
		if e.Matches(entry) {
			matched = append(matched, entry)
		}
	}
	return matched
}

// checkKeywords tests include/exclude terms against title plus content
// with substring semantics.
func (e *Engine) checkKeywords(entry model.Entry) bool {
	rules := e.rules.Keywords
	if rules.Empty() {
		return true
	}

	text := entry.Title + " " + entry.Content
	if !rules.CaseSensitive {
		text = strings.ToLower(text)
	}

	for _, term := range rules.Exclude {
		if strings.Contains(text, fold(term, rules.CaseSensitive)) {
			return false
		}
	}
	if len(rules.Include) > 0 {
		for _, term := range rules.Include {
			if strings.Contains(text, fold(term, rules.CaseSensitive)) {
				return true
			}
		}
		return false
	}
	return true
}

// checkCategories tests include/exclude terms with exact membership
// semantics against the entry's category list.
func (e *Engine) checkCategories(entry model.Entry) bool {
	rules := e.rules.Categories
	if rules.Empty() {
		return true
	}

	categories := make(map[string]bool, len(entry.Categories))
	for _, c := range entry.Categories {
		categories[fold(c, rules.CaseSensitive)] = true
	}

	for _, term := range rules.Exclude {
		if categories[fold(term, rules.CaseSensitive)] {
			return false
		}
	}
	if len(rules.Include) > 0 {
		for _, term := range rules.Include {
			if categories[fold(term, rules.CaseSensitive)] {
				return true
			}
		}
		return false
	}
	return true
}

// checkAuthors tests include/exclude terms against the author string
// with substring semantics.
func (e *Engine) checkAuthors(entry model.Entry) bool {
	rules := e.rules.Authors
	if rules.Empty() {
		return true
	}

	author := entry.Author
	if !rules.CaseSensitive {
		author = strings.ToLower(author)
	}

	for _, term := range rules.Exclude {
		if strings.Contains(author, fold(term, rules.CaseSensitive)) {
			return false
		}
	}
	if len(rules.Include) > 0 {
		for _, term := range rules.Include {
			if strings.Contains(author, fold(term, rules.CaseSensitive)) {
				return true
			}
		}
		return false
	}
	return true
}

// checkRegex requires each compiled pattern to find a match somewhere in
// its field. A pattern dropped at construction imposes no constraint.
func (e *Engine) checkRegex(entry model.Entry) bool {
	if e.titleRe != nil && !e.search(e.titleRe, entry.Title) {
		return false
	}
	if e.contentRe != nil && !e.search(e.contentRe, entry.Content) {
		return false
	}
	return true
}

// search runs the match on a worker goroutine with a deadline. A timeout
// counts as no match.
func (e *Engine) search(re *regexp.Regexp, text string) bool {
	done := make(chan bool, 1)
	go func() {
		done <- re.MatchString(text)
	}()

	timer := time.NewTimer(e.matchTimeout)
	defer timer.Stop()

	select {
	case matched := <-done:
		return matched
	case <-timer.C:
		e.log.Warn("regex evaluation timed out, treating as no match",
			"pattern", re.String(), "timeout", e.matchTimeout)
		return false
	}
}

func fold(s string, caseSensitive bool) string {
	if caseSensitive {
		return s
	}
	return strings.ToLower(s)
}
