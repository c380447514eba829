package media

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/h2non/gock"

	"rsswatcher/internal/model"
)

func newTestDownloader(t *testing.T, maxBytes int64) *Downloader {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDownloader(&http.Client{Timeout: 10 * time.Second}, maxBytes, log)
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("walk %s: %v", dir, err)
	}
	return files
}

func TestExtractHTMLVideoURLs(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{
			name:    "video src",
			content: `<p>clip</p><video src="https://cdn.example.com/a.mp4" controls></video>`,
			want:    []string{"https://cdn.example.com/a.mp4"},
		},
		{
			name: "source inside video",
			content: `<video><source src="https://cdn.example.com/a.webm" type="video/webm">` +
				`<source src="https://cdn.example.com/a.mp4" type="video/mp4"></video>`,
			want: []string{"https://cdn.example.com/a.webm", "https://cdn.example.com/a.mp4"},
		},
		{
			name: "duplicates collapsed",
			content: `<video src="https://cdn.example.com/a.mp4"></video>` +
				`<video src="https://cdn.example.com/a.mp4"></video>`,
			want: []string{"https://cdn.example.com/a.mp4"},
		},
		{
			name:    "no video markup",
			content: `<p>Just an <img src="pic.png"> article.</p>`,
			want:    nil,
		},
		{
			name:    "empty content",
			content: "",
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractHTMLVideoURLs(tt.content)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("urls mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAppendEnclosureURLs(t *testing.T) {
	enclosures := []model.Enclosure{
		{URL: "https://cdn.example.com/a.mp4", Type: "video/mp4"},
		{URL: "https://cdn.example.com/b.webm", Type: "application/octet-stream", Medium: "video"},
		{URL: "https://cdn.example.com/song.mp3", Type: "audio/mpeg"},
		{URL: "https://cdn.example.com/a.mp4", Type: "video/mp4"},
		{URL: "", Type: "video/mp4"},
	}

	got := appendEnclosureURLs([]string{"https://cdn.example.com/inline.mp4"}, enclosures)
	want := []string{
		"https://cdn.example.com/inline.mp4",
		"https://cdn.example.com/a.mp4",
		"https://cdn.example.com/b.webm",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("urls mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessEntryDownloads(t *testing.T) {
	defer gock.Off()
	gock.New("http://cdn.example.com").
		Get("/clips/release.mp4").
		Reply(http.StatusOK).
		BodyString("fake video bytes")

	d := newTestDownloader(t, 1<<20)
	gock.InterceptClient(d.client)

	dir := t.TempDir()
	entry := model.Entry{
		Title:    "Release Recording",
		FeedName: "DevOps Weekly",
		Enclosures: []model.Enclosure{
			{URL: "http://cdn.example.com/clips/release.mp4", Type: "video/mp4"},
		},
	}

	paths, err := d.ProcessEntry(context.Background(), entry, dir)
	if err != nil {
		t.Fatalf("process entry: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected 1 downloaded file, got %d", len(paths))
	}

	if !strings.HasPrefix(paths[0], filepath.Join(dir, "DevOps Weekly")+string(filepath.Separator)) {
		t.Errorf("file %q not under feed subdirectory", paths[0])
	}
	if !strings.HasSuffix(paths[0], "_release.mp4") {
		t.Errorf("file %q missing timestamped original name", paths[0])
	}

	data, err := os.ReadFile(paths[0])
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if diff := cmp.Diff("fake video bytes", string(data)); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessEntryNoVideos(t *testing.T) {
	d := newTestDownloader(t, 1<<20)

	paths, err := d.ProcessEntry(context.Background(), model.Entry{
		Content:  "<p>Plain article.</p>",
		FeedName: "Feed",
	}, t.TempDir())
	if err != nil {
		t.Fatalf("process entry: %v", err)
	}
	if len(paths) != 0 {
		t.Errorf("expected no downloads, got %v", paths)
	}
}

func TestBlockedSchemes(t *testing.T) {
	d := newTestDownloader(t, 1<<20)
	dir := t.TempDir()

	entry := model.Entry{
		FeedName: "Feed",
		Enclosures: []model.Enclosure{
			{URL: "file:///etc/passwd", Type: "video/mp4"},
			{URL: "ftp://example.com/a.mp4", Type: "video/mp4"},
			{URL: "data:video/mp4;base64,AAAA", Type: "video/mp4"},
		},
	}

	paths, err := d.ProcessEntry(context.Background(), entry, dir)
	if err == nil {
		t.Error("expected errors for blocked schemes")
	}
	if len(paths) != 0 {
		t.Errorf("expected no downloads, got %v", paths)
	}
	if files := listFiles(t, dir); len(files) != 0 {
		t.Errorf("files written despite blocked schemes: %v", files)
	}
}

func TestContainedPathRejectsEscape(t *testing.T) {
	root := t.TempDir()

	if _, err := containedPath(root, "../outside"); err == nil {
		t.Error("expected traversal rejection for ../outside")
	}
	if _, err := containedPath(root, "safe/name.mp4"); err != nil {
		t.Errorf("nested path inside root rejected: %v", err)
	}
}

func TestDeclaredSizeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4096")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDownloader(t, 1024)
	dir := t.TempDir()

	entry := model.Entry{
		FeedName:   "Feed",
		Enclosures: []model.Enclosure{{URL: srv.URL + "/big.mp4", Type: "video/mp4"}},
	}
	paths, err := d.ProcessEntry(context.Background(), entry, dir)
	if err == nil {
		t.Error("expected rejection from declared content length")
	}
	if len(paths) != 0 {
		t.Errorf("expected no downloads, got %v", paths)
	}
	if files := listFiles(t, dir); len(files) != 0 {
		t.Errorf("bytes written despite size rejection: %v", files)
	}
}

func TestStreamOverrunDeletesPartialFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Flush before writing the body so no Content-Length is sent.
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		_, _ = w.Write(make([]byte, 4096))
	}))
	defer srv.Close()

	d := newTestDownloader(t, 1024)
	dir := t.TempDir()

	entry := model.Entry{
		FeedName:   "Feed",
		Enclosures: []model.Enclosure{{URL: srv.URL + "/big.mp4", Type: "video/mp4"}},
	}
	paths, err := d.ProcessEntry(context.Background(), entry, dir)
	if err == nil {
		t.Error("expected streaming size overrun error")
	}
	if len(paths) != 0 {
		t.Errorf("expected no downloads, got %v", paths)
	}
	if files := listFiles(t, dir); len(files) != 0 {
		t.Errorf("partial file left behind: %v", files)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "illegal characters", in: `a<b>c:d"e.mp4`, want: "a_b_c_d_e.mp4"},
		{name: "leading dots and spaces", in: " ..hidden.mp4 ", want: "hidden.mp4"},
		{name: "empty", in: "", want: "video"},
		{name: "only dots", in: "...", want: "video"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, sanitizeFilename(tt.in)); diff != "" {
				t.Errorf("sanitize mismatch (-want +got):\n%s", diff)
			}
		})
	}

	long := strings.Repeat("x", 400) + ".mp4"
	got := sanitizeFilename(long)
	if len(got) != maxFilenameLength {
		t.Errorf("long name length = %d, want %d", len(got), maxFilenameLength)
	}
	if !strings.HasSuffix(got, ".mp4") {
		t.Errorf("extension lost in %q", got)
	}
}

func TestSanitizeFeedName(t *testing.T) {
	if diff := cmp.Diff("_etc_passwd", sanitizeFeedName("../etc/passwd")); diff != "" {
		t.Errorf("sanitize mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("unknown_feed", sanitizeFeedName(" . ")); diff != "" {
		t.Errorf("sanitize mismatch (-want +got):\n%s", diff)
	}
}
