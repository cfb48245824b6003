package feature

import (
	"bytes"
	"fmt"
	"strconv"

	"markethub/internal/domain"

	"github.com/shopspring/decimal"
)

// BidOfferLastPriceName is the config name of the reference feature.
const BidOfferLastPriceName = "bid_offer_last_price"

// BidOfferLastPrice collates the latest bid/offer and last traded price
// into one line per update: "<n>,<bid>,<offer>,<last>\n".
//
// Input frames:
//
//	BIDOFFER  "<id>,<bid>,<offer>"
//	LASTPRICE "<id>,<price>"
//
// Prices are echoed as received; decimal parsing is only used to reject garbage.
type BidOfferLastPrice struct {
	lastBid   []byte
	lastOffer []byte
	lastPrice []byte
	sequence  uint64

	out []byte // reused output buffer
}

// NewBidOfferLastPrice creates a new instance.
func NewBidOfferLastPrice() *BidOfferLastPrice {
	return &BidOfferLastPrice{out: make([]byte, 0, 64)}
}

// Interests implements Transform.
func (b *BidOfferLastPrice) Interests() []domain.FeedType {
	return []domain.FeedType{domain.FeedBidOffer, domain.FeedLastPrice}
}

// OnUpdate implements Transform.
func (b *BidOfferLastPrice) OnUpdate(msg []byte, feed domain.FeedType) ([]byte, error) {
	var err error
	switch feed {
	case domain.FeedBidOffer:
		err = b.applyBidOffer(msg)
	case domain.FeedLastPrice:
		err = b.applyLastPrice(msg)
	default:
		err = fmt.Errorf("%w: unexpected feed %s", domain.ErrMalformedMessage, feed)
	}
	if err != nil {
		return nil, err
	}

	b.out = strconv.AppendUint(b.out[:0], b.sequence, 10)
	b.out = append(b.out, ',')
	b.out = append(b.out, b.lastBid...)
	b.out = append(b.out, ',')
	b.out = append(b.out, b.lastOffer...)
	b.out = append(b.out, ',')
	b.out = append(b.out, b.lastPrice...)
	b.out = append(b.out, '\n')
	b.sequence++

	return b.out, nil
}

func (b *BidOfferLastPrice) applyBidOffer(msg []byte) error {
	fields := bytes.Split(bytes.TrimSpace(msg), []byte{','})
	if len(fields) != 3 {
		return fmt.Errorf("%w: bid/offer needs 3 fields, got %d", domain.ErrMalformedMessage, len(fields))
	}
	bid, err := parsePrice(fields[1])
	if err != nil {
		return err
	}
	offer, err := parsePrice(fields[2])
	if err != nil {
		return err
	}
	if bid.GreaterThan(offer) {
		return fmt.Errorf("%w: crossed quote bid %s > offer %s", domain.ErrMalformedMessage, bid, offer)
	}

	b.lastBid = append(b.lastBid[:0], bytes.TrimSpace(fields[1])...)
	b.lastOffer = append(b.lastOffer[:0], bytes.TrimSpace(fields[2])...)
	return nil
}

func (b *BidOfferLastPrice) applyLastPrice(msg []byte) error {
	fields := bytes.Split(bytes.TrimSpace(msg), []byte{','})
	if len(fields) != 2 {
		return fmt.Errorf("%w: last price needs 2 fields, got %d", domain.ErrMalformedMessage, len(fields))
	}
	if _, err := parsePrice(fields[1]); err != nil {
		return err
	}

	b.lastPrice = append(b.lastPrice[:0], bytes.TrimSpace(fields[1])...)
	return nil
}

func parsePrice(field []byte) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(string(bytes.TrimSpace(field)))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: price %q: %v", domain.ErrMalformedMessage, field, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative price %s", domain.ErrMalformedMessage, d)
	}
	return d, nil
}
