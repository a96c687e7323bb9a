package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"venality/internal/domain"
	"venality/internal/ledger"
)

// Registry provides typed accessors over the ledger store. No business rules
// live here; guards and ordering belong to the engine.
type Registry struct {
	Store ledger.Store
}

const keyConfig = "cfg"

func keyOffice(id domain.OfficeID) string {
	return "office:" + id.String()
}

func keyNonce(id domain.Identity) string {
	return "nonce:" + string(id)
}

func (r Registry) PutConfiguration(ctx context.Context, cfg domain.Configuration) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return r.Store.Set(ctx, keyConfig, data)
}

func (r Registry) GetConfiguration(ctx context.Context) (domain.Configuration, error) {
	var cfg domain.Configuration
	data, err := r.Store.Get(ctx, keyConfig)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return cfg, fmt.Errorf("configuration: %w", domain.ErrNotFound)
		}
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode configuration: %w", err)
	}
	return cfg, nil
}

func (r Registry) HasConfiguration(ctx context.Context) (bool, error) {
	return r.Store.Has(ctx, keyConfig)
}

func (r Registry) RenewalFee(ctx context.Context) (domain.Amount, error) {
	cfg, err := r.GetConfiguration(ctx)
	if err != nil {
		return 0, err
	}
	return cfg.RenewalFee, nil
}

func (r Registry) Currency(ctx context.Context) (domain.AssetID, error) {
	cfg, err := r.GetConfiguration(ctx)
	if err != nil {
		return "", err
	}
	return cfg.Currency, nil
}

// State returns the whole record for an office, whichever variant it holds.
func (r Registry) State(ctx context.Context, id domain.OfficeID) (domain.OfficeState, error) {
	var st domain.OfficeState
	data, err := r.Store.Get(ctx, keyOffice(id))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return st, fmt.Errorf("office %s: %w", id, domain.ErrNotFound)
		}
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("decode office %s: %w", id, err)
	}
	return st, nil
}

func (r Registry) HasOffice(ctx context.Context, id domain.OfficeID) (bool, error) {
	return r.Store.Has(ctx, keyOffice(id))
}

func (r Registry) putState(ctx context.Context, st domain.OfficeState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return r.Store.Set(ctx, keyOffice(st.ID), data)
}

// PutForSale writes the for-sale variant, replacing whatever the record held.
func (r Registry) PutForSale(ctx context.Context, id domain.OfficeID, fs domain.ForSale) error {
	return r.putState(ctx, domain.OfficeState{ID: id, Status: domain.StatusForSale, ForSale: &fs})
}

func (r Registry) GetForSale(ctx context.Context, id domain.OfficeID) (domain.ForSale, error) {
	st, err := r.State(ctx, id)
	if err != nil {
		return domain.ForSale{}, err
	}
	if st.Status != domain.StatusForSale || st.ForSale == nil {
		return domain.ForSale{}, fmt.Errorf("office %s not for sale: %w", id, domain.ErrNotFound)
	}
	return *st.ForSale, nil
}

func (r Registry) RemoveForSale(ctx context.Context, id domain.OfficeID) error {
	if _, err := r.GetForSale(ctx, id); err != nil {
		return err
	}
	return r.Store.Remove(ctx, keyOffice(id))
}

// PutBought writes the bought variant, replacing whatever the record held.
func (r Registry) PutBought(ctx context.Context, id domain.OfficeID, b domain.Bought) error {
	return r.putState(ctx, domain.OfficeState{ID: id, Status: domain.StatusBought, Bought: &b})
}

func (r Registry) GetBought(ctx context.Context, id domain.OfficeID) (domain.Bought, error) {
	st, err := r.State(ctx, id)
	if err != nil {
		return domain.Bought{}, err
	}
	if st.Status != domain.StatusBought || st.Bought == nil {
		return domain.Bought{}, fmt.Errorf("office %s not bought: %w", id, domain.ErrNotFound)
	}
	return *st.Bought, nil
}

func (r Registry) RemoveBought(ctx context.Context, id domain.OfficeID) error {
	if _, err := r.GetBought(ctx, id); err != nil {
		return err
	}
	return r.Store.Remove(ctx, keyOffice(id))
}

// Nonce returns the current counter for an identity, zero when never used.
func (r Registry) Nonce(ctx context.Context, id domain.Identity) (uint64, error) {
	data, err := r.Store.Get(ctx, keyNonce(id))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var n uint64
	if err := json.Unmarshal(data, &n); err != nil {
		return 0, fmt.Errorf("decode nonce for %s: %w", id, err)
	}
	return n, nil
}

func (r Registry) SetNonce(ctx context.Context, id domain.Identity, n uint64) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.Store.Set(ctx, keyNonce(id), data)
}
