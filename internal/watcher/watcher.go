// Package watcher runs the per-feed check loops and the feed-check
// state machine.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"rsswatcher/internal/config"
	"rsswatcher/internal/filter"
	"rsswatcher/internal/model"
	"rsswatcher/internal/notify"
	"rsswatcher/internal/storage"
)

// Fetcher retrieves and normalizes a feed's current entries.
type Fetcher interface {
	Fetch(ctx context.Context, feed *config.Feed) ([]model.Entry, error)
}

// MediaDownloader downloads an entry's videos into mediaDir.
type MediaDownloader interface {
	ProcessEntry(ctx context.Context, entry model.Entry, mediaDir string) ([]string, error)
}

// Watcher drives one check loop per enabled feed. All loops share the
// store, fetcher, media downloader, and notifier set; each feed owns an
// immutable filter engine built at construction.
type Watcher struct {
	cfg       *config.Config
	store     storage.Storage
	fetcher   Fetcher
	media     MediaDownloader
	notifiers []notify.Notifier
	filters   map[string]*filter.Engine
	log       *slog.Logger
}

// New builds a Watcher and compiles every feed's filter engine.
func New(
	cfg *config.Config,
	store storage.Storage,
	fetcher Fetcher,
	media MediaDownloader,
	notifiers []notify.Notifier,
	log *slog.Logger,
) *Watcher {
	filters := make(map[string]*filter.Engine, len(cfg.Feeds))
	for i := range cfg.Feeds {
		feed := &cfg.Feeds[i]
		filters[feed.Name] = filter.New(feed.Filters, log.With("feed", feed.Name))
	}
	return &Watcher{
		cfg:       cfg,
		store:     store,
		fetcher:   fetcher,
		media:     media,
		notifiers: notifiers,
		filters:   filters,
		log:       log,
	}
}

// TestConnections verifies every registered notifier is usable.
func (w *Watcher) TestConnections(ctx context.Context) error {
	var errs error
	for _, n := range w.notifiers {
		if err := n.TestConnection(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errs
}

// Run starts one goroutine per enabled feed and blocks until ctx is
// cancelled and all loops have stopped.
func (w *Watcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range w.cfg.Feeds {
		feed := &w.cfg.Feeds[i]
		if !feed.IsEnabled() {
			w.log.Info("feed disabled, skipping", "feed", feed.Name)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.watchFeed(ctx, feed)
		}()
	}
	wg.Wait()
}

// watchFeed checks one feed, sleeps its interval, and repeats until
// cancelled. Cycle errors are logged and the loop continues.
func (w *Watcher) watchFeed(ctx context.Context, feed *config.Feed) {
	interval := w.cfg.Interval(feed)
	log := w.log.With("feed", feed.Name)
	log.Info("watching feed", "url", feed.URL, "interval", interval)

	for {
		if err := w.CheckFeed(ctx, feed); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("feed check failed", "error", err)
		}

		select {
		case <-ctx.Done():
			log.Info("stopping feed loop")
			return
		case <-time.After(interval):
		}
	}
}

// CheckFeed runs one check cycle for the feed.
//
// On the feed's first successful fetch everything currently in the feed
// is recorded as seen without notification, so discovering a feed does
// not replay its backlog. After that, entries that are both unseen and
// rule-matching are notified in fetch order and marked seen only once a
// notifier delivered them; a failed notification leaves the entry
// unseen so the next cycle retries it.
func (w *Watcher) CheckFeed(ctx context.Context, feed *config.Feed) error {
	entries, err := w.fetcher.Fetch(ctx, feed)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	state, err := w.store.FeedState(ctx, feed.Name)
	if err != nil {
		return fmt.Errorf("feed state: %w", err)
	}

	newAll, err := w.unseen(ctx, entries, feed.Name)
	if err != nil {
		return err
	}
	if len(newAll) == 0 {
		return w.initializeIfNeeded(ctx, feed.Name, state)
	}

	// The filter runs over the full fetched set, then the matches are
	// intersected with the unseen set by guid.
	matched := make(map[string]bool)
	for _, e := range w.filters[feed.Name].Filter(entries) {
		matched[e.GUID] = true
	}
	var newFiltered []model.Entry
	for _, e := range newAll {
		if matched[e.GUID] {
			newFiltered = append(newFiltered, e)
		}
	}

	if state == model.FeedUninitialized {
		if err := w.store.MarkManySeen(ctx, seenRecords(newAll)); err != nil {
			return fmt.Errorf("bootstrap mark seen: %w", err)
		}
		if err := w.store.MarkFeedInitialized(ctx, feed.Name); err != nil {
			return fmt.Errorf("mark initialized: %w", err)
		}
		w.log.Info("feed initialized, backlog recorded without notification",
			"feed", feed.Name, "entries", len(newAll))
		return nil
	}

	mediaDir := w.cfg.MediaDir(feed)
	mediaAll := w.cfg.MediaAllEntries(feed)

	if mediaDir != "" && mediaAll {
		for _, e := range newAll {
			w.downloadMedia(ctx, e, mediaDir)
		}
		// Unmatched entries will never be notified; record them now so
		// they are not re-downloaded every cycle.
		var unmatched []model.Entry
		for _, e := range newAll {
			if !matched[e.GUID] {
				unmatched = append(unmatched, e)
			}
		}
		if err := w.store.MarkManySeen(ctx, seenRecords(unmatched)); err != nil {
			return fmt.Errorf("mark downloaded seen: %w", err)
		}
	}

	for _, e := range newFiltered {
		if err := ctx.Err(); err != nil {
			return err
		}
		if mediaDir != "" && !mediaAll {
			w.downloadMedia(ctx, e, mediaDir)
		}
		if !w.dispatch(ctx, e) {
			continue
		}
		if err := w.store.MarkSeen(ctx, seenRecord(e)); err != nil {
			return fmt.Errorf("mark seen: %w", err)
		}
	}
	return nil
}

// unseen returns the entries whose (guid, feed) pair the store has not
// recorded, preserving fetch order.
func (w *Watcher) unseen(ctx context.Context, entries []model.Entry, feedName string) ([]model.Entry, error) {
	var fresh []model.Entry
	for _, e := range entries {
		seen, err := w.store.IsSeen(ctx, e.GUID, feedName)
		if err != nil {
			return nil, fmt.Errorf("is seen: %w", err)
		}
		if !seen {
			fresh = append(fresh, e)
		}
	}
	return fresh, nil
}

func (w *Watcher) initializeIfNeeded(ctx context.Context, feedName string, state model.FeedState) error {
	if state == model.FeedInitialized {
		return nil
	}
	if err := w.store.MarkFeedInitialized(ctx, feedName); err != nil {
		return fmt.Errorf("mark initialized: %w", err)
	}
	w.log.Info("feed initialized", "feed", feedName)
	return nil
}

// dispatch sends the entry to every notifier and reports whether at
// least one delivered it.
func (w *Watcher) dispatch(ctx context.Context, entry model.Entry) bool {
	delivered := false
	for _, n := range w.notifiers {
		if err := n.SendEntry(ctx, entry); err != nil {
			w.log.Warn("notification failed",
				"notifier", n.Name(), "feed", entry.FeedName,
				"title", entry.Title, "error", err)
			continue
		}
		delivered = true
	}
	return delivered
}

// downloadMedia is best effort; failures never block notification.
func (w *Watcher) downloadMedia(ctx context.Context, entry model.Entry, mediaDir string) {
	if _, err := w.media.ProcessEntry(ctx, entry, mediaDir); err != nil {
		w.log.Warn("media processing incomplete",
			"feed", entry.FeedName, "title", entry.Title, "error", err)
	}
}

func seenRecord(e model.Entry) model.SeenRecord {
	return model.SeenRecord{
		GUID:     e.GUID,
		FeedName: e.FeedName,
		Title:    e.Title,
		Link:     e.Link,
	}
}

func seenRecords(entries []model.Entry) []model.SeenRecord {
	recs := make([]model.SeenRecord, 0, len(entries))
	for _, e := range entries {
		recs = append(recs, seenRecord(e))
	}
	return recs
}
