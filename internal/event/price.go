package event

import "fmt"

// PriceUpdated is the inbound price-feed update and the outbound record of
// accepting it. Feed updates carry their own upstream sequence.
type PriceUpdated struct {
	FeedID          string `json:"feed_id"`
	Price           int64  `json:"price"`
	PublishedAtUnix int64  `json:"published_at_unix"`
	Sequence        int64  `json:"sequence"`
}

func (e *PriceUpdated) IdempotencyKey() string {
	return fmt.Sprintf("price:%s:%d", e.FeedID, e.Sequence)
}

func (e *PriceUpdated) EventType() EventType {
	return EventTypePriceUpdated
}
