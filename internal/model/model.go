// Package model defines the domain types used across the application.
package model

import "time"

// Entry is a normalized feed item, independent of the source format.
// Entries are built once per fetch cycle and are not mutated afterwards.
type Entry struct {
	Title      string
	Content    string
	Link       string
	Author     string
	Published  string
	FeedName   string
	GUID       string
	Categories []string
	Enclosures []Enclosure
}

// Enclosure is a media attachment declared by the feed, either as a
// standard RSS enclosure or a Media RSS content element.
type Enclosure struct {
	URL    string
	Type   string
	Medium string
}

// SeenRecord marks one (GUID, FeedName) pair as fully processed.
type SeenRecord struct {
	GUID     string
	FeedName string
	Title    string
	Link     string
	SeenAt   time.Time
}

// FeedState tracks whether a feed has completed its first-run bootstrap.
type FeedState int

// Feed states. A feed moves from uninitialized to initialized exactly once
// and never back.
const (
	FeedUninitialized FeedState = iota
	FeedInitialized
)

func (s FeedState) String() string {
	if s == FeedInitialized {
		return "initialized"
	}
	return "uninitialized"
}
