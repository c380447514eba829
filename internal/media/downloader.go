// Package media extracts video URLs from feed entries and downloads
// them to a local directory.
package media

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/multierr"

	"rsswatcher/internal/model"
)

const (
	downloadUserAgent = "rss-watcher/1.0"
	maxFilenameLength = 200
)

// videoMIMETypes lists enclosure types accepted as video in addition to
// any type with a video/ prefix.
var videoMIMETypes = map[string]bool{
	"video/mp4":        true,
	"video/webm":       true,
	"video/ogg":        true,
	"video/quicktime":  true,
	"video/x-msvideo":  true,
	"video/x-matroska": true,
	"video/mpeg":       true,
	"video/3gpp":       true,
	"video/x-flv":      true,
}

var unsafePathChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// Downloader fetches videos referenced by feed entries. One instance is
// shared by all feeds and reuses the client's connections for the life
// of the process.
type Downloader struct {
	client   *http.Client
	maxBytes int64
	log      *slog.Logger
}

// NewDownloader creates a Downloader on top of client, which carries
// the shared timeout and proxy settings. maxBytes caps the size of a
// single downloaded file.
func NewDownloader(client *http.Client, maxBytes int64, log *slog.Logger) *Downloader {
	return &Downloader{
		client:   client,
		maxBytes: maxBytes,
		log:      log,
	}
}

// ProcessEntry downloads every video the entry references into a
// per-feed subdirectory of mediaDir and returns the written paths.
// Failures on individual URLs are logged and skipped; the returned
// error aggregates them for the caller's logs only.
func (d *Downloader) ProcessEntry(ctx context.Context, entry model.Entry, mediaDir string) ([]string, error) {
	urls := extractHTMLVideoURLs(entry.Content)
	urls = appendEnclosureURLs(urls, entry.Enclosures)
	if len(urls) == 0 {
		return nil, nil
	}

	d.log.Info("downloading entry media",
		"feed", entry.FeedName, "title", entry.Title, "urls", len(urls))

	var (
		paths []string
		errs  error
	)
	for _, u := range urls {
		p, err := d.download(ctx, u, entry.FeedName, mediaDir)
		if err != nil {
			d.log.Warn("media download failed",
				"feed", entry.FeedName, "url", u, "error", err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", u, err))
			continue
		}
		paths = append(paths, p)
	}
	return paths, errs
}

// Close releases the shared HTTP client's idle connections.
func (d *Downloader) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

// download streams one URL to disk and returns the written path.
func (d *Downloader) download(ctx context.Context, rawURL, feedName, mediaDir string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("blocked scheme %q", u.Scheme)
	}

	root, err := filepath.Abs(mediaDir)
	if err != nil {
		return "", fmt.Errorf("resolve media dir: %w", err)
	}
	feedDir, err := containedPath(root, sanitizeFeedName(feedName))
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s_%s",
		time.Now().Format("20060102_150405"),
		sanitizeFilename(filenameFromURL(u)))
	dest, err := containedPath(feedDir, name)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(feedDir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", downloadUserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	if resp.ContentLength > d.maxBytes {
		return "", fmt.Errorf("declared size %d exceeds limit %d", resp.ContentLength, d.maxBytes)
	}

	written, err := d.writeCapped(dest, resp.Body)
	if err != nil {
		if rmErr := os.Remove(dest); rmErr != nil && !os.IsNotExist(rmErr) {
			d.log.Warn("failed to remove partial download", "path", dest, "error", rmErr)
		}
		return "", err
	}

	d.log.Info("downloaded media",
		"feed", feedName, "path", dest, "bytes", written)
	return dest, nil
}

// writeCapped streams body into path, aborting once more than maxBytes
// have been read.
func (d *Downloader) writeCapped(path string, body io.Reader) (int64, error) {
	f, err := os.Create(path) //nolint:gosec // path is containment-checked
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}

	written, err := io.Copy(f, io.LimitReader(body, d.maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return written, fmt.Errorf("write file: %w", err)
	}
	if written > d.maxBytes {
		return written, fmt.Errorf("streamed size exceeds limit %d", d.maxBytes)
	}
	return written, nil
}

// containedPath joins name onto root and verifies the result stays
// inside root.
func containedPath(root, name string) (string, error) {
	p := filepath.Join(root, name)
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes media directory", name)
	}
	return abs, nil
}

// extractHTMLVideoURLs pulls video src attributes out of entry HTML.
func extractHTMLVideoURLs(content string) []string {
	if content == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil
	}

	var urls []string
	doc.Find("video[src], source[src]").Each(func(_ int, sel *goquery.Selection) {
		if src, ok := sel.Attr("src"); ok && src != "" {
			urls = appendUnique(urls, src)
		}
	})
	return urls
}

// appendEnclosureURLs adds video enclosure and Media RSS URLs, keeping
// the combined list deduplicated in order.
func appendEnclosureURLs(urls []string, enclosures []model.Enclosure) []string {
	for _, enc := range enclosures {
		if enc.URL == "" || !isVideo(enc) {
			continue
		}
		urls = appendUnique(urls, enc.URL)
	}
	return urls
}

func isVideo(enc model.Enclosure) bool {
	mime := strings.ToLower(enc.Type)
	if strings.HasPrefix(mime, "video/") || videoMIMETypes[mime] {
		return true
	}
	return strings.EqualFold(enc.Medium, "video")
}

func appendUnique(urls []string, u string) []string {
	for _, existing := range urls {
		if existing == u {
			return urls
		}
	}
	return append(urls, u)
}

// filenameFromURL derives a filename from the URL path, generating a
// stable hash-based name when the path carries none.
func filenameFromURL(u *url.URL) string {
	p, err := url.PathUnescape(u.Path)
	if err != nil {
		p = u.Path
	}
	name := path.Base(p)
	if name == "" || name == "/" || name == "." {
		h := fnv.New32a()
		_, _ = h.Write([]byte(u.String()))
		return fmt.Sprintf("video_%08x", h.Sum32())
	}
	return name
}

// sanitizeFilename makes a filename safe for filesystem use.
func sanitizeFilename(name string) string {
	s := unsafePathChars.ReplaceAllString(name, "_")
	s = strings.Trim(s, " .")
	if len(s) > maxFilenameLength {
		ext := filepath.Ext(s)
		if len(ext) >= maxFilenameLength {
			ext = ""
		}
		s = s[:maxFilenameLength-len(ext)] + ext
	}
	if s == "" {
		return "video"
	}
	return s
}

// sanitizeFeedName makes a feed name safe as a directory component.
func sanitizeFeedName(name string) string {
	s := unsafePathChars.ReplaceAllString(name, "_")
	s = strings.Trim(s, " .")
	if s == "" {
		return "unknown_feed"
	}
	return s
}
