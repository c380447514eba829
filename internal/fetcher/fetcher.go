// Package fetcher downloads RSS/Atom feeds and normalizes their entries.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/sethvargo/go-retry"

	"rsswatcher/internal/config"
	"rsswatcher/internal/model"
)

const (
	userAgent    = "rss-watcher/1.0"
	maxFeedBytes = 10 * 1024 * 1024

	retryBackoff = 2 * time.Second
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher downloads and parses feeds, retrying transient failures.
type Fetcher struct {
	client     HTTPClient
	maxRetries int
	log        *slog.Logger
}

// New creates a Fetcher. maxRetries is the total number of attempts per
// fetch; values below one are treated as one.
func New(client HTTPClient, maxRetries int, log *slog.Logger) *Fetcher {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Fetcher{client: client, maxRetries: maxRetries, log: log}
}

// Fetch downloads the feed and returns its normalized entries. HTTP and
// network failures are retried with constant backoff; parse failures are
// not, since retrying the same document cannot help.
func (f *Fetcher) Fetch(ctx context.Context, feed *config.Feed) ([]model.Entry, error) {
	var body string

	backoff := retry.WithMaxRetries(uint64(f.maxRetries-1), retry.NewConstant(retryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		body, err = f.download(ctx, feed)
		if err != nil {
			f.log.Warn("fetch attempt failed", "feed", feed.Name, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %q: %w", feed.Name, err)
	}

	// Some servers prepend whitespace, which breaks XML declaration
	// parsing.
	parsed, err := gofeed.NewParser().ParseString(strings.TrimLeft(body, " \t\r\n"))
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", feed.Name, err)
	}

	entries := make([]model.Entry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		entries = append(entries, normalize(item, feed.Name))
	}
	return entries, nil
}

func (f *Fetcher) download(ctx context.Context, feed *config.Feed) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	for name, value := range feed.Cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(body), nil
}

// normalize converts a parsed item into the internal entry form: content
// preferred over description, GUID falling back to the link, and media
// attachments collected from both enclosures and Media RSS extensions.
func normalize(item *gofeed.Item, feedName string) model.Entry {
	content := item.Content
	if content == "" {
		content = item.Description
	}

	guid := item.GUID
	if guid == "" {
		guid = item.Link
	}

	return model.Entry{
		Title:      item.Title,
		Content:    content,
		Link:       item.Link,
		Author:     itemAuthor(item),
		Published:  item.Published,
		FeedName:   feedName,
		GUID:       guid,
		Categories: item.Categories,
		Enclosures: itemEnclosures(item),
	}
}

func itemAuthor(item *gofeed.Item) string {
	if len(item.Authors) > 0 && item.Authors[0] != nil {
		return item.Authors[0].Name
	}
	if item.Author != nil {
		return item.Author.Name
	}
	return ""
}

func itemEnclosures(item *gofeed.Item) []model.Enclosure {
	var out []model.Enclosure
	for _, enc := range item.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		out = append(out, model.Enclosure{URL: enc.URL, Type: enc.Type})
	}

	// Media RSS <media:content> elements.
	for _, ext := range item.Extensions["media"]["content"] {
		url := ext.Attrs["url"]
		if url == "" {
			continue
		}
		out = append(out, model.Enclosure{
			URL:    url,
			Type:   ext.Attrs["type"],
			Medium: ext.Attrs["medium"],
		})
	}
	return out
}
