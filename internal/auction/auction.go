package auction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"venality/internal/domain"
	"venality/internal/ledger"
	"venality/internal/token"
)

// House provisions and runs one sale per office. Handles come from the
// caller that creates the office; the engine never mints them.
type House interface {
	Initialize(ctx context.Context, id domain.AuctionID, t Terms) error
	// Provisioned reports whether a handle already names a sale, live or
	// settled. Callers use it to reject a reused handle before committing
	// anything else.
	Provisioned(ctx context.Context, id domain.AuctionID) (bool, error)
	// Buy reports false for a rejected bid; the auction stays open in that
	// case and the same bidder may retry.
	Buy(ctx context.Context, id domain.AuctionID, bidder domain.Identity) (bool, error)
	CurrentPrice(ctx context.Context, id domain.AuctionID) (domain.Amount, error)
}

// Terms are the sale parameters a fresh auction is provisioned with.
type Terms struct {
	Admin      domain.Identity `json:"admin"`
	Currency   domain.AssetID  `json:"currency"`
	StartPrice domain.Amount   `json:"start_price"`
	FloorPrice domain.Amount   `json:"floor_price"`
	DecaySlope uint64          `json:"decay_slope"`
}

// Validate rejects terms no sale could run under.
func (t Terms) Validate() error {
	if t.Admin == "" {
		return errors.New("auction admin required")
	}
	if t.Currency == "" {
		return errors.New("auction currency required")
	}
	if t.StartPrice < 0 || t.FloorPrice < 0 {
		return errors.New("auction prices must not be negative")
	}
	if t.FloorPrice > t.StartPrice {
		return fmt.Errorf("floor %d above start %d", t.FloorPrice, t.StartPrice)
	}
	return nil
}

// Clockhouse runs descending-price sales against ledger time: a quote starts
// at the start price and loses one unit per decay_slope seconds until it hits
// the floor (slope 0 means no decay). Settlement moves the clearing price
// from the bidder to the auction's admin through the token service.
type Clockhouse struct {
	Store  ledger.Store
	Tokens token.Service
	Now    func() domain.Timestamp
}

type sale struct {
	Terms     Terms            `json:"terms"`
	CreatedAt domain.Timestamp `json:"created_at"`
	Sold      bool             `json:"sold"`
	Winner    domain.Identity  `json:"winner,omitempty"`
	SoldAt    domain.Timestamp `json:"sold_at,omitempty"`
	Price     domain.Amount    `json:"price,omitempty"`
}

func keyAuction(id domain.AuctionID) string {
	return "auction:" + string(id)
}

func (h Clockhouse) load(ctx context.Context, id domain.AuctionID) (sale, error) {
	var s sale
	data, err := h.Store.Get(ctx, keyAuction(id))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return s, fmt.Errorf("auction %s: %w", id, domain.ErrNotFound)
		}
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode auction %s: %w", id, err)
	}
	return s, nil
}

func (h Clockhouse) save(ctx context.Context, id domain.AuctionID, s sale) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return h.Store.Set(ctx, keyAuction(id), data)
}

func (h Clockhouse) Provisioned(ctx context.Context, id domain.AuctionID) (bool, error) {
	return h.Store.Has(ctx, keyAuction(id))
}

func (h Clockhouse) Initialize(ctx context.Context, id domain.AuctionID, t Terms) error {
	if id == "" {
		return errors.New("auction handle required")
	}
	if err := t.Validate(); err != nil {
		return err
	}
	exists, err := h.Provisioned(ctx, id)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("auction %s: %w", id, domain.ErrDuplicateID)
	}
	return h.save(ctx, id, sale{Terms: t, CreatedAt: h.Now()})
}

func (h Clockhouse) quote(s sale) domain.Amount {
	if s.Terms.DecaySlope == 0 {
		return s.Terms.StartPrice
	}
	elapsed := uint64(h.Now() - s.CreatedAt)
	price := s.Terms.StartPrice - domain.Amount(elapsed/s.Terms.DecaySlope)
	if price < s.Terms.FloorPrice {
		return s.Terms.FloorPrice
	}
	return price
}

func (h Clockhouse) CurrentPrice(ctx context.Context, id domain.AuctionID) (domain.Amount, error) {
	s, err := h.load(ctx, id)
	if err != nil {
		return 0, err
	}
	if s.Sold {
		return s.Price, nil
	}
	return h.quote(s), nil
}

func (h Clockhouse) Buy(ctx context.Context, id domain.AuctionID, bidder domain.Identity) (bool, error) {
	s, err := h.load(ctx, id)
	if err != nil {
		return false, err
	}
	if s.Sold {
		return false, nil
	}
	if bidder == "" {
		return false, nil
	}
	price := h.quote(s)
	if err := h.Tokens.TransferFrom(ctx, s.Terms.Currency, bidder, s.Terms.Admin, price); err != nil {
		if errors.Is(err, token.ErrInsufficientBalance) || errors.Is(err, token.ErrInsufficientAllowance) {
			return false, nil
		}
		return false, err
	}
	s.Sold = true
	s.Winner = bidder
	s.SoldAt = h.Now()
	s.Price = price
	return true, h.save(ctx, id, s)
}
