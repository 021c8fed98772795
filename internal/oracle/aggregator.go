package oracle

import (
	"fmt"
	"time"

	"LendLedger/internal/fixedpoint"
)

// StaleError reports a feed older than the configured tolerance.
type StaleError struct {
	FeedID       string
	Age          time.Duration
	ToleranceSec int64
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("feed %s is stale: age=%s tolerance=%ds", e.FeedID, e.Age, e.ToleranceSec)
}

// DivergenceError reports primary/secondary disagreement beyond tolerance.
type DivergenceError struct {
	PrimaryPrice   int64
	SecondaryPrice int64
	SpreadPPM      int64
	TolerancePPM   int64
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("feeds diverge: primary=%d secondary=%d spread=%dppm tolerance=%dppm",
		e.PrimaryPrice, e.SecondaryPrice, e.SpreadPPM, e.TolerancePPM)
}

// UnavailableError reports that no configured feed could be read.
type UnavailableError struct {
	Cause error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("oracle unavailable: %v", e.Cause)
}

func (e *UnavailableError) Unwrap() error {
	return e.Cause
}

// Policy holds the per-read oracle tolerances. Callers pass the current
// GlobalState values so a param update takes effect on the next read.
type Policy struct {
	StalenessSec  int64
	DivergencePPM int64
}

// Reading is a validated aggregate price.
type Reading struct {
	Price        int64 // Primary feed price, price scale
	SpreadPPM    int64 // Relative primary/secondary disagreement
	PrimaryAge   time.Duration
	SecondaryAge time.Duration // Zero when no secondary is configured
}

// Aggregator consults a primary and an optional secondary feed and produces
// a single trusted price. Staleness or divergence is a hard stop, never a
// silent fallback to one side. No caching: every dependent operation
// re-reads so a multi-step transaction cannot act on a stale snapshot.
type Aggregator struct {
	reader      FeedReader
	primaryID   string
	secondaryID string // Empty when single-feed
	now         func() time.Time
}

func NewAggregator(reader FeedReader, primaryID, secondaryID string) *Aggregator {
	return &Aggregator{
		reader:      reader,
		primaryID:   primaryID,
		secondaryID: secondaryID,
		now:         time.Now,
	}
}

// WithClock overrides the time source (tests).
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// Price reads the configured feeds and validates them against the policy.
// Error taxonomy: *UnavailableError when no fresh feed can be read,
// *StaleError when a configured feed is too old, *DivergenceError when the
// two feeds disagree beyond tolerance.
func (a *Aggregator) Price(policy Policy) (Reading, error) {
	now := a.now()

	primary, primaryErr := a.reader.Read(a.primaryID)

	if a.secondaryID == "" {
		// Single-feed deployment
		if primaryErr != nil {
			return Reading{}, &UnavailableError{Cause: primaryErr}
		}
		age := now.Sub(primary.PublishedAt)
		if err := checkFresh(a.primaryID, age, policy.StalenessSec); err != nil {
			return Reading{}, err
		}
		return Reading{Price: primary.Price, PrimaryAge: age}, nil
	}

	secondary, secondaryErr := a.reader.Read(a.secondaryID)

	// Primary unreadable: fall back to a fresh secondary
	if primaryErr != nil {
		if secondaryErr != nil {
			return Reading{}, &UnavailableError{
				Cause: fmt.Errorf("primary: %v, secondary: %v", primaryErr, secondaryErr),
			}
		}
		age := now.Sub(secondary.PublishedAt)
		if err := checkFresh(a.secondaryID, age, policy.StalenessSec); err != nil {
			return Reading{}, err
		}
		return Reading{Price: secondary.Price, SecondaryAge: age}, nil
	}

	primaryAge := now.Sub(primary.PublishedAt)
	if err := checkFresh(a.primaryID, primaryAge, policy.StalenessSec); err != nil {
		return Reading{}, err
	}

	// Secondary unreadable: a fresh primary alone is acceptable
	if secondaryErr != nil {
		return Reading{Price: primary.Price, PrimaryAge: primaryAge}, nil
	}

	secondaryAge := now.Sub(secondary.PublishedAt)
	if err := checkFresh(a.secondaryID, secondaryAge, policy.StalenessSec); err != nil {
		return Reading{}, err
	}

	spread := relativeSpreadPPM(primary.Price, secondary.Price)
	if spread > policy.DivergencePPM {
		return Reading{}, &DivergenceError{
			PrimaryPrice:   primary.Price,
			SecondaryPrice: secondary.Price,
			SpreadPPM:      spread,
			TolerancePPM:   policy.DivergencePPM,
		}
	}

	return Reading{
		Price:        primary.Price,
		SpreadPPM:    spread,
		PrimaryAge:   primaryAge,
		SecondaryAge: secondaryAge,
	}, nil
}

func checkFresh(feedID string, age time.Duration, toleranceSec int64) error {
	if age > time.Duration(toleranceSec)*time.Second {
		return &StaleError{FeedID: feedID, Age: age, ToleranceSec: toleranceSec}
	}
	return nil
}

// relativeSpreadPPM returns |a-b| / min(a,b) in ppm.
func relativeSpreadPPM(a, b int64) int64 {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	base := a
	if b < base {
		base = b
	}
	if base <= 0 {
		return fixedpoint.RatePPM
	}
	return fixedpoint.MulDiv(diff, fixedpoint.RatePPM, base, fixedpoint.RoundUp)
}
