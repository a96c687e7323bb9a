package server

import (
	"context"
	"encoding/json"
	"errors"

	"venality/internal/authority"
	"venality/internal/domain"
)

// Request payloads

// AuthRequest carries the authorization for admin operations: either the
// invoker identity of a self-authorized call or a signed token, never both.
type AuthRequest struct {
	Self  string `json:"self,omitempty" doc:"Invoker identity for a self-authorized call"`
	Token string `json:"token,omitempty" doc:"Signed authorization token"`
	Nonce uint64 `json:"nonce,omitempty" doc:"Expected nonce counter value; omit for self-authorized calls"`
}

type InitializeRegistryRequest struct {
	Admin      string `json:"admin" doc:"Admin identity"`
	Currency   string `json:"currency" doc:"Asset offices are paid in"`
	RenewalFee int64  `json:"renewal_fee" minimum:"0" doc:"Flat fee for one lease renewal"`
}

type CreateOfficeRequest struct {
	ID         string       `json:"id" format:"uuid" doc:"Office identifier"`
	Auth       *AuthRequest `json:"auth,omitempty"`
	AuctionID  string       `json:"auction_id" doc:"Fresh auction handle for the sale"`
	StartPrice int64        `json:"start_price" minimum:"0"`
	FloorPrice int64        `json:"floor_price" minimum:"0"`
	DecaySlope uint64       `json:"decay_slope,omitempty" doc:"Seconds per unit of price decay; 0 holds the start price"`
}

type BuyOfficeRequest struct {
	Buyer string `json:"buyer" doc:"Bidder identity"`
}

type PayTaxRequest struct {
	Payer string `json:"payer" doc:"Identity paying the renewal fee"`
}

type RevokeOfficeRequest struct {
	Auth       *AuthRequest `json:"auth,omitempty"`
	AuctionID  string       `json:"auction_id" doc:"Fresh auction handle for the resale"`
	StartPrice int64        `json:"start_price" minimum:"0"`
	FloorPrice int64        `json:"floor_price" minimum:"0"`
	DecaySlope uint64       `json:"decay_slope,omitempty"`
}

// Response payloads

type RegistryResponse struct {
	Admin      string `json:"admin"`
	Currency   string `json:"currency"`
	RenewalFee int64  `json:"renewal_fee"`
}

type OfficeResponse struct {
	ID        string `json:"id" format:"uuid"`
	Status    string `json:"status" enum:"for_sale,bought"`
	AuctionID string `json:"auction_id,omitempty"`
	Owner     string `json:"owner,omitempty"`
	ExpiresAt uint64 `json:"expires_at,omitempty" doc:"Lease end, seconds since epoch"`
	RenewedAt uint64 `json:"renewed_at,omitempty" doc:"Last renewal, seconds since epoch"`
}

type PriceResponse struct {
	Price    int64  `json:"price"`
	Currency string `json:"currency"`
}

type NonceResponse struct {
	Identity string `json:"identity"`
	Nonce    uint64 `json:"nonce"`
}

type EventResponse struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Type     string         `json:"type"`
	OfficeID string         `json:"office_id,omitempty"`
	ActorID  string         `json:"actor_id,omitempty"`
	Payload  map[string]any `json:"payload" jsonschema:"type=object,additionalProperties=true"`
}

// signature converts the wire form into the authority's value. Operation and
// office binding is applied by the engine. When the request carries no auth
// at all, an authenticated bearer principal self-authorizes as its subject.
func (a *AuthRequest) signature(ctx context.Context) (authority.Signature, error) {
	var self, token string
	if a != nil {
		self, token = a.Self, a.Token
	}
	switch {
	case self != "" && token != "":
		return authority.Signature{}, errors.New("auth accepts self or token, not both")
	case self != "":
		return authority.Invoker(domain.Identity(self)), nil
	case token != "":
		return authority.Bearer(token), nil
	default:
		if p, ok := principalFromContext(ctx); ok && p.Identity != "" {
			return authority.Invoker(domain.Identity(p.Identity)), nil
		}
		return authority.Signature{}, errors.New("auth.self or auth.token required")
	}
}

// claimedNonce returns the token's nonce claim, zero when no auth was sent.
func (a *AuthRequest) claimedNonce() uint64 {
	if a == nil {
		return 0
	}
	return a.Nonce
}

func registryResponse(cfg domain.Configuration) RegistryResponse {
	return RegistryResponse{
		Admin:      string(cfg.Admin),
		Currency:   string(cfg.Currency),
		RenewalFee: int64(cfg.RenewalFee),
	}
}

func officeResponse(st domain.OfficeState) OfficeResponse {
	resp := OfficeResponse{
		ID:     st.ID.String(),
		Status: st.Status,
	}
	if st.ForSale != nil {
		resp.AuctionID = string(st.ForSale.AuctionID)
	}
	if st.Bought != nil {
		resp.Owner = string(st.Bought.Owner)
		resp.ExpiresAt = uint64(st.Bought.ExpiresAt)
		resp.RenewedAt = uint64(st.Bought.RenewedAt)
	}
	return resp
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:       evt.ID,
		TS:       evt.TS,
		Type:     evt.Type,
		OfficeID: evt.OfficeID,
		ActorID:  evt.ActorID,
		Payload:  payload,
	}
}
