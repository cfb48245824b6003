package domain

import (
	"fmt"
	"strings"
)

// FeedType identifies the category of an upstream producer.
// Values are dense so they can index fixed arrays.
type FeedType uint8

const (
	FeedBidOffer FeedType = iota
	FeedLastPrice

	// FeedTypeCount is the number of known feed types. Keep it last.
	FeedTypeCount
)

var feedTypeNames = [FeedTypeCount]string{
	FeedBidOffer:  "BIDOFFER",
	FeedLastPrice: "LASTPRICE",
}

// String returns the wire name of the feed type
func (f FeedType) String() string {
	if f.Valid() {
		return feedTypeNames[f]
	}
	return fmt.Sprintf("FEED(%d)", uint8(f))
}

// Valid reports whether f is a known feed type.
func (f FeedType) Valid() bool {
	return f < FeedTypeCount
}

// Index returns f as an array index.
func (f FeedType) Index() int {
	return int(f)
}

// ParseFeedType resolves a case-insensitive feed name.
func ParseFeedType(name string) (FeedType, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	for i, known := range feedTypeNames {
		if known == n {
			return FeedType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFeedType, name)
}

// AllFeedTypes returns every known feed type in index order.
func AllFeedTypes() []FeedType {
	out := make([]FeedType, 0, FeedTypeCount)
	for f := FeedType(0); f < FeedTypeCount; f++ {
		out = append(out, f)
	}
	return out
}

// MarshalText implements encoding.TextMarshaler (used by JSON and YAML).
func (f FeedType) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFeedType, uint8(f))
	}
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *FeedType) UnmarshalText(text []byte) error {
	parsed, err := ParseFeedType(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
