package ingestion

import (
	"encoding/json"
	"fmt"

	"LendLedger/internal/event"
)

// ParsePriceMessage converts a raw NATS price message into a typed
// PriceUpdated event. The shell validates shape here; the engine applies
// staleness and divergence policy later, against its own clock.
func ParsePriceMessage(raw RawPriceMessage) (*event.PriceUpdated, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return nil, fmt.Errorf("parse price update: %w", err)
	}

	feedID := j.FeedID
	if feedID == "" {
		// Producers that omit feed_id are identified by their subject.
		feedID = raw.FeedID
	}
	if feedID == "" {
		return nil, fmt.Errorf("parse price update: no feed id")
	}

	if j.Price <= 0 {
		return nil, fmt.Errorf("parse price update: non-positive price %d", j.Price)
	}
	if j.PublishedAtUnix <= 0 {
		return nil, fmt.Errorf("parse price update: missing published_at_unix")
	}
	if j.Sequence < 0 {
		return nil, fmt.Errorf("parse price update: negative sequence %d", j.Sequence)
	}

	return &event.PriceUpdated{
		FeedID:          feedID,
		Price:           j.Price,
		PublishedAtUnix: j.PublishedAtUnix,
		Sequence:        j.Sequence,
	}, nil
}

// priceUpdateJSON is the wire format received from NATS.
// Field names use snake_case to match upstream producers.
type priceUpdateJSON struct {
	FeedID          string `json:"feed_id"`
	Price           int64  `json:"price"`
	PublishedAtUnix int64  `json:"published_at_unix"`
	Sequence        int64  `json:"sequence"`
}
