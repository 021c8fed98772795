package oracle

import "time"

// Sample is a single price observation from one feed.
type Sample struct {
	Price       int64 // Fixed-point, price scale
	PublishedAt time.Time
}

// FeedReader is the capability boundary to price sources: a source of
// {price, timestamp}. Implementations may be the in-memory store refreshed
// by the ingestion pipeline, or a fake in tests.
type FeedReader interface {
	Read(feedID string) (Sample, error)
}
