package oracle

import (
	"fmt"
	"sync"
	"time"
)

// FeedStore is the in-memory feed state refreshed by the ingestion pipeline.
// Reads and writes come from different goroutines (engine vs. NATS
// subscriber), so access is guarded. Out-of-order updates are dropped
// rather than regressing a feed's timestamp.
type FeedStore struct {
	mu    sync.RWMutex
	feeds map[string]Sample
}

func NewFeedStore() *FeedStore {
	return &FeedStore{
		feeds: make(map[string]Sample),
	}
}

// Update installs a new sample for a feed. Returns false when the sample is
// not newer than the stored one (stale or duplicate delivery).
func (fs *FeedStore) Update(feedID string, price int64, publishedAt time.Time) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	current, ok := fs.feeds[feedID]
	if ok && !publishedAt.After(current.PublishedAt) {
		return false
	}

	fs.feeds[feedID] = Sample{Price: price, PublishedAt: publishedAt}
	return true
}

// Read implements FeedReader.
func (fs *FeedStore) Read(feedID string) (Sample, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	sample, ok := fs.feeds[feedID]
	if !ok {
		return Sample{}, fmt.Errorf("feed %s has no data", feedID)
	}
	return sample, nil
}

// Snapshot returns a copy of all feed samples (state recovery).
func (fs *FeedStore) Snapshot() map[string]Sample {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	out := make(map[string]Sample, len(fs.feeds))
	for k, v := range fs.feeds {
		out[k] = v
	}
	return out
}

// Restore replaces all feed samples from a snapshot.
func (fs *FeedStore) Restore(feeds map[string]Sample) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.feeds = make(map[string]Sample, len(feeds))
	for k, v := range feeds {
		fs.feeds[k] = v
	}
}
