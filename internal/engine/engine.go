package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"venality/internal/auction"
	"venality/internal/authority"
	"venality/internal/config"
	"venality/internal/domain"
	"venality/internal/events"
	"venality/internal/ledger"
	"venality/internal/registry"
	"venality/internal/token"
)

// Policy holds the tunable lifecycle rules.
type Policy struct {
	// RenewLapsed lets a lapsed lease be renewed by paying the fee instead
	// of waiting for revocation.
	RenewLapsed  bool
	LeaseSeconds uint64
}

func DefaultPolicy() Policy {
	return Policy{RenewLapsed: true, LeaseSeconds: domain.DefaultLeaseSeconds}
}

// Engine runs the office lifecycle over the registry and its collaborators.
// All methods fail fast: a guard failure aborts the operation before any
// write, and the nonce counter is only consumed once every pure guard has
// passed.
type Engine struct {
	Registry  registry.Registry
	Authority authority.Authority
	Auctions  auction.House
	Tokens    token.Service
	Events    *events.Writer
	Log       zerolog.Logger
	Now       func() domain.Timestamp
	Policy    Policy
}

// New wires an engine over a migrated database using the config's keyring
// and policies.
func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	keys, err := authority.ParseKeyring(cfg.Keyring)
	if err != nil {
		return Engine{}, err
	}
	store := ledger.SQLite{DB: db}
	reg := registry.Registry{Store: store}
	vault := token.Vault{Store: store}
	now := func() domain.Timestamp { return domain.Timestamp(time.Now().Unix()) }
	pol := DefaultPolicy()
	if cfg.Policies.LeaseSeconds > 0 {
		pol.LeaseSeconds = cfg.Policies.LeaseSeconds
	}
	if cfg.Policies.RenewLapsed != nil {
		pol.RenewLapsed = *cfg.Policies.RenewLapsed
	}
	return Engine{
		Registry:  reg,
		Authority: authority.Authority{Registry: reg, Keys: keys},
		Auctions:  auction.Clockhouse{Store: store, Tokens: vault, Now: now},
		Tokens:    vault,
		Events:    &events.Writer{DB: db},
		Log:       zerolog.Nop(),
		Now:       now,
		Policy:    pol,
	}, nil
}

func (e Engine) now() domain.Timestamp {
	if e.Now != nil {
		return e.Now()
	}
	return domain.Timestamp(time.Now().Unix())
}

func (e Engine) leaseSeconds() uint64 {
	if e.Policy.LeaseSeconds != 0 {
		return e.Policy.LeaseSeconds
	}
	return domain.DefaultLeaseSeconds
}

// emit appends a lifecycle event. The event log is advisory, so a failed
// append never fails the operation that already committed.
func (e Engine) emit(ctx context.Context, evtType, officeID, actorID string, payload events.Payload) {
	if e.Events == nil {
		return
	}
	if err := e.Events.Append(ctx, evtType, officeID, actorID, payload); err != nil {
		e.Log.Warn().Err(err).Str("type", evtType).Msg("event append failed")
	}
}

// Initialize writes the registry configuration exactly once.
func (e Engine) Initialize(ctx context.Context, cfg domain.Configuration) error {
	if cfg.Admin == "" {
		return errors.New("admin identity required")
	}
	if cfg.Currency == "" {
		return errors.New("currency required")
	}
	if cfg.RenewalFee < 0 {
		return errors.New("renewal fee must not be negative")
	}
	initialized, err := e.Registry.HasConfiguration(ctx)
	if err != nil {
		return err
	}
	if initialized {
		return domain.ErrAlreadyInitialized
	}
	if err := e.Registry.PutConfiguration(ctx, cfg); err != nil {
		return err
	}
	e.emit(ctx, events.TypeRegistryInitialized, "", string(cfg.Admin), events.Payload{
		"admin":       string(cfg.Admin),
		"currency":    string(cfg.Currency),
		"renewal_fee": cfg.RenewalFee,
	})
	return nil
}

// Nonce returns an identity's current counter without consuming it.
func (e Engine) Nonce(ctx context.Context, id domain.Identity) (uint64, error) {
	return e.Registry.Nonce(ctx, id)
}

// Office returns the current record for an office, whichever variant it holds.
func (e Engine) Office(ctx context.Context, id domain.OfficeID) (domain.OfficeState, error) {
	return e.Registry.State(ctx, id)
}

// NewOffice puts a fresh office up for sale under an admin signature. The
// auction handle comes from the caller and must not collide with any prior
// sale; a reused handle fails before the nonce counter is consumed.
func (e Engine) NewOffice(ctx context.Context, sig authority.Signature, claimedNonce uint64, id domain.OfficeID, params domain.AuctionParams) (domain.OfficeState, error) {
	cfg, err := e.Registry.GetConfiguration(ctx)
	if err != nil {
		return domain.OfficeState{}, err
	}
	sig = sig.ForOperation(authority.OpNewOffice, id)
	admin, err := e.Authority.CheckAdmin(ctx, sig)
	if err != nil {
		return domain.OfficeState{}, err
	}
	exists, err := e.Registry.HasOffice(ctx, id)
	if err != nil {
		return domain.OfficeState{}, err
	}
	if exists {
		return domain.OfficeState{}, fmt.Errorf("office %s: %w", id, domain.ErrDuplicateID)
	}
	if params.ID == "" {
		return domain.OfficeState{}, errors.New("auction handle required")
	}
	terms := auction.Terms{
		Admin:      cfg.Admin,
		Currency:   cfg.Currency,
		StartPrice: params.StartPrice,
		FloorPrice: params.FloorPrice,
		DecaySlope: params.DecaySlope,
	}
	if err := terms.Validate(); err != nil {
		return domain.OfficeState{}, err
	}
	taken, err := e.Auctions.Provisioned(ctx, params.ID)
	if err != nil {
		return domain.OfficeState{}, err
	}
	if taken {
		return domain.OfficeState{}, fmt.Errorf("auction %s: %w", params.ID, domain.ErrDuplicateID)
	}
	if err := e.Authority.VerifyAndConsumeNonce(ctx, sig, claimedNonce); err != nil {
		return domain.OfficeState{}, err
	}
	if err := e.Auctions.Initialize(ctx, params.ID, terms); err != nil {
		return domain.OfficeState{}, err
	}
	fs := domain.ForSale{AuctionID: params.ID}
	if err := e.Registry.PutForSale(ctx, id, fs); err != nil {
		return domain.OfficeState{}, err
	}
	e.emit(ctx, events.TypeOfficeCreated, id.String(), string(admin), events.Payload{
		"auction_id":  string(params.ID),
		"start_price": params.StartPrice,
		"floor_price": params.FloorPrice,
	})
	return domain.OfficeState{ID: id, Status: domain.StatusForSale, ForSale: &fs}, nil
}

// Buy settles the office's auction for the buyer and starts a lease. A
// rejected bid leaves the office for sale so the buyer can retry.
func (e Engine) Buy(ctx context.Context, buyer domain.Identity, id domain.OfficeID) (domain.OfficeState, error) {
	if buyer == "" {
		return domain.OfficeState{}, errors.New("buyer identity required")
	}
	fs, err := e.Registry.GetForSale(ctx, id)
	if err != nil {
		return domain.OfficeState{}, err
	}
	won, err := e.Auctions.Buy(ctx, fs.AuctionID, buyer)
	if err != nil {
		return domain.OfficeState{}, err
	}
	if !won {
		return domain.OfficeState{}, fmt.Errorf("office %s: %w", id, domain.ErrBidRejected)
	}
	now := e.now()
	b := domain.Bought{Owner: buyer, ExpiresAt: now.Add(e.leaseSeconds()), RenewedAt: now}
	if err := e.Registry.PutBought(ctx, id, b); err != nil {
		return domain.OfficeState{}, err
	}
	e.emit(ctx, events.TypeOfficeBought, id.String(), string(buyer), events.Payload{
		"owner":      string(buyer),
		"expires_at": b.ExpiresAt,
	})
	return domain.OfficeState{ID: id, Status: domain.StatusBought, Bought: &b}, nil
}

// PayTax charges the payer the renewal fee and extends the lease by one
// period from its current end, not from the time of payment.
func (e Engine) PayTax(ctx context.Context, payer domain.Identity, id domain.OfficeID) (domain.OfficeState, error) {
	if payer == "" {
		return domain.OfficeState{}, errors.New("payer identity required")
	}
	cfg, err := e.Registry.GetConfiguration(ctx)
	if err != nil {
		return domain.OfficeState{}, err
	}
	b, err := e.Registry.GetBought(ctx, id)
	if err != nil {
		return domain.OfficeState{}, err
	}
	now := e.now()
	if b.Lapsed(now) && !e.Policy.RenewLapsed {
		return domain.OfficeState{}, fmt.Errorf("office %s: %w", id, domain.ErrLeaseLapsed)
	}
	if err := e.Tokens.TransferFrom(ctx, cfg.Currency, payer, cfg.Admin, cfg.RenewalFee); err != nil {
		if errors.Is(err, token.ErrInsufficientBalance) || errors.Is(err, token.ErrInsufficientAllowance) {
			return domain.OfficeState{}, fmt.Errorf("renewal fee %d %s: %w", cfg.RenewalFee, cfg.Currency, domain.ErrTransferFailed)
		}
		return domain.OfficeState{}, err
	}
	b.ExpiresAt = b.ExpiresAt.Add(e.leaseSeconds())
	b.RenewedAt = now
	if err := e.Registry.PutBought(ctx, id, b); err != nil {
		return domain.OfficeState{}, err
	}
	e.emit(ctx, events.TypeOfficeRenewed, id.String(), string(payer), events.Payload{
		"owner":      string(b.Owner),
		"expires_at": b.ExpiresAt,
	})
	return domain.OfficeState{ID: id, Status: domain.StatusBought, Bought: &b}, nil
}

// Revoke reclaims an office whose lease has run out and puts it back up for
// sale under a fresh auction handle. Requires an admin signature.
func (e Engine) Revoke(ctx context.Context, sig authority.Signature, claimedNonce uint64, id domain.OfficeID, params domain.AuctionParams) (domain.OfficeState, error) {
	cfg, err := e.Registry.GetConfiguration(ctx)
	if err != nil {
		return domain.OfficeState{}, err
	}
	sig = sig.ForOperation(authority.OpRevoke, id)
	admin, err := e.Authority.CheckAdmin(ctx, sig)
	if err != nil {
		return domain.OfficeState{}, err
	}
	b, err := e.Registry.GetBought(ctx, id)
	if err != nil {
		return domain.OfficeState{}, err
	}
	now := e.now()
	if !b.Lapsed(now) {
		return domain.OfficeState{}, fmt.Errorf("office %s leased until %d: %w", id, b.ExpiresAt, domain.ErrNotExpired)
	}
	if params.ID == "" {
		return domain.OfficeState{}, errors.New("auction handle required")
	}
	terms := auction.Terms{
		Admin:      cfg.Admin,
		Currency:   cfg.Currency,
		StartPrice: params.StartPrice,
		FloorPrice: params.FloorPrice,
		DecaySlope: params.DecaySlope,
	}
	if err := terms.Validate(); err != nil {
		return domain.OfficeState{}, err
	}
	taken, err := e.Auctions.Provisioned(ctx, params.ID)
	if err != nil {
		return domain.OfficeState{}, err
	}
	if taken {
		return domain.OfficeState{}, fmt.Errorf("auction %s: %w", params.ID, domain.ErrDuplicateID)
	}
	if err := e.Authority.VerifyAndConsumeNonce(ctx, sig, claimedNonce); err != nil {
		return domain.OfficeState{}, err
	}
	if err := e.Auctions.Initialize(ctx, params.ID, terms); err != nil {
		return domain.OfficeState{}, err
	}
	fs := domain.ForSale{AuctionID: params.ID}
	if err := e.Registry.PutForSale(ctx, id, fs); err != nil {
		return domain.OfficeState{}, err
	}
	e.emit(ctx, events.TypeOfficeRevoked, id.String(), string(admin), events.Payload{
		"prior_owner": string(b.Owner),
		"auction_id":  string(params.ID),
	})
	return domain.OfficeState{ID: id, Status: domain.StatusForSale, ForSale: &fs}, nil
}

// GetPrice quotes the office's live auction.
func (e Engine) GetPrice(ctx context.Context, id domain.OfficeID) (domain.Amount, error) {
	fs, err := e.Registry.GetForSale(ctx, id)
	if err != nil {
		return 0, err
	}
	return e.Auctions.CurrentPrice(ctx, fs.AuctionID)
}
