package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Identity is an opaque account identifier.
type Identity string

// AssetID names a currency handled by the token collaborator.
type AssetID string

// Amount is an integer quantity of an asset.
type Amount int64

// Timestamp is ledger time in seconds, monotonically non-decreasing.
type Timestamp uint64

func (t Timestamp) Add(seconds uint64) Timestamp {
	return t + Timestamp(seconds)
}

func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t), 0).UTC()
}

// DefaultLeaseSeconds is one lease period: a week of ledger time.
const DefaultLeaseSeconds uint64 = 604800

// OfficeID is the caller-chosen 16-byte identifier of an office.
type OfficeID [16]byte

func NewOfficeID() OfficeID {
	return OfficeID(uuid.New())
}

func ParseOfficeID(s string) (OfficeID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return OfficeID{}, fmt.Errorf("office id %q: %w", s, err)
	}
	return OfficeID(u), nil
}

func (id OfficeID) String() string {
	return uuid.UUID(id).String()
}

func (id OfficeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *OfficeID) UnmarshalText(b []byte) error {
	parsed, err := ParseOfficeID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// AuctionID is the opaque handle of a provisioned auction, supplied by the
// caller that creates the office, never minted by the engine.
type AuctionID string

// Configuration is the write-once deployment record. Its absence means the
// registry has not been initialized.
type Configuration struct {
	Admin      Identity `json:"admin"`
	Currency   AssetID  `json:"currency"`
	RenewalFee Amount   `json:"renewal_fee"`
}

const (
	StatusForSale = "for_sale"
	StatusBought  = "bought"
)

type ForSale struct {
	AuctionID AuctionID `json:"auction_id"`
}

type Bought struct {
	Owner     Identity  `json:"owner"`
	ExpiresAt Timestamp `json:"expires_at"`
	RenewedAt Timestamp `json:"renewed_at"`
}

func (b Bought) Lapsed(now Timestamp) bool {
	return b.ExpiresAt <= now
}

// OfficeState holds exactly one variant per office at any time.
type OfficeState struct {
	ID      OfficeID `json:"id"`
	Status  string   `json:"status" enum:"for_sale,bought"`
	ForSale *ForSale `json:"for_sale,omitempty"`
	Bought  *Bought  `json:"bought,omitempty"`
}

// AuctionParams carries the terms for a fresh auction alongside its handle.
type AuctionParams struct {
	ID         AuctionID `json:"id"`
	StartPrice Amount    `json:"start_price"`
	FloorPrice Amount    `json:"floor_price"`
	DecaySlope uint64    `json:"decay_slope"`
}

type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	OfficeID string `json:"office_id,omitempty"`
	ActorID  string `json:"actor_id,omitempty"`
	Payload  string `json:"payload_json"`
}
