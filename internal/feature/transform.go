package feature

import (
	"fmt"
	"sort"
	"strings"

	"markethub/internal/domain"
)

// Transform is the interface that all hub features must implement.
// It is called synchronously by exactly one consumer group goroutine,
// so implementations may keep unsynchronised state.
type Transform interface {
	// OnUpdate consumes one framed message of the given feed type.
	// It returns the payload to broadcast, or nil when there is nothing to send.
	// Frames it cannot use are reported with an error wrapping domain.ErrMalformedMessage.
	// msg is only valid for the duration of the call; the returned slice only
	// until the next OnUpdate.
	OnUpdate(msg []byte, feed domain.FeedType) ([]byte, error)

	// Interests returns the feed types this feature wants delivered.
	Interests() []domain.FeedType
}

// Factory builds a fresh Transform. The hub calls it again after a reset.
type Factory func() Transform

var catalog = map[string]Factory{
	BidOfferLastPriceName: func() Transform { return NewBidOfferLastPrice() },
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, error) {
	f, ok := catalog[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", domain.ErrUnknownFeature, name, strings.Join(Names(), ", "))
	}
	return f, nil
}

// Names lists the available feature names, sorted.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
