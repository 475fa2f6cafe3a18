// Package news holds the domain types shared by the alert pipeline:
// items announced by the upstream feed, recipients, seen records and the
// error taxonomy used across ingestion and fanout.
package news

import (
	"strings"
	"time"
)

// DefaultRetention is the dedup window. An item seen longer ago than this is
// treated as new again.
const DefaultRetention = 24 * time.Hour

// Item is a single breaking-news event. Identity is ID; two items with the same
// ID are the same event regardless of other field differences.
type Item struct {
	ID       string            `json:"id"`
	Headline string            `json:"headline"`
	URL      string            `json:"url,omitempty"`
	Visits   int64             `json:"visits,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Validate reports ErrMalformedItem when the item lacks an identifier or headline.
func (it Item) Validate() error {
	if strings.TrimSpace(it.ID) == "" {
		return &MalformedItemError{Reason: "missing id"}
	}
	if strings.TrimSpace(it.Headline) == "" {
		return &MalformedItemError{ItemID: it.ID, Reason: "missing headline"}
	}
	return nil
}

// SeenRecord is created the first time an item is ingested and is never
// updated while it is live.
type SeenRecord struct {
	ItemID      string
	FirstSeenAt time.Time
}

// Expired reports whether the record has fallen out of the retention window at now.
func (r SeenRecord) Expired(now time.Time, retention time.Duration) bool {
	return Expired(r.FirstSeenAt, now, retention)
}

// Expired reports whether firstSeen is at least retention older than now.
// A non-positive retention never expires.
func Expired(firstSeen, now time.Time, retention time.Duration) bool {
	if retention <= 0 {
		return false
	}
	return !firstSeen.After(now.Add(-retention))
}

// RecipientID identifies a subscriber. For Telegram it is the decimal chat id.
type RecipientID string

func (r RecipientID) String() string { return string(r) }
