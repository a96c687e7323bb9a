package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"venality/internal/domain"
	"venality/internal/ledger"
)

// Service moves currency between identities under a pre-established
// allowance. The engine holds this capability and neither grants nor checks
// allowances itself.
type Service interface {
	TransferFrom(ctx context.Context, asset domain.AssetID, from, to domain.Identity, amount domain.Amount) error
}

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
)

// Vault is the bundled ledger-backed token service: per-identity balances
// plus allowances granted by owners to this infrastructure.
type Vault struct {
	Store ledger.Store
}

func keyBalance(asset domain.AssetID, id domain.Identity) string {
	return "bal:" + string(asset) + ":" + string(id)
}

func keyAllowance(asset domain.AssetID, owner domain.Identity) string {
	return "alw:" + string(asset) + ":" + string(owner)
}

func (v Vault) amount(ctx context.Context, key string) (domain.Amount, error) {
	data, err := v.Store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var a domain.Amount
	if err := json.Unmarshal(data, &a); err != nil {
		return 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return a, nil
}

func (v Vault) setAmount(ctx context.Context, key string, a domain.Amount) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return v.Store.Set(ctx, key, data)
}

func (v Vault) Balance(ctx context.Context, asset domain.AssetID, id domain.Identity) (domain.Amount, error) {
	return v.amount(ctx, keyBalance(asset, id))
}

func (v Vault) Allowance(ctx context.Context, asset domain.AssetID, owner domain.Identity) (domain.Amount, error) {
	return v.amount(ctx, keyAllowance(asset, owner))
}

func (v Vault) Mint(ctx context.Context, asset domain.AssetID, to domain.Identity, amount domain.Amount) error {
	if amount < 0 {
		return fmt.Errorf("mint amount %d is negative", amount)
	}
	bal, err := v.Balance(ctx, asset, to)
	if err != nil {
		return err
	}
	return v.setAmount(ctx, keyBalance(asset, to), bal+amount)
}

// Approve sets (not adds to) the allowance an owner grants this
// infrastructure for one asset.
func (v Vault) Approve(ctx context.Context, asset domain.AssetID, owner domain.Identity, amount domain.Amount) error {
	if amount < 0 {
		return fmt.Errorf("allowance %d is negative", amount)
	}
	return v.setAmount(ctx, keyAllowance(asset, owner), amount)
}

func (v Vault) TransferFrom(ctx context.Context, asset domain.AssetID, from, to domain.Identity, amount domain.Amount) error {
	if amount < 0 {
		return fmt.Errorf("transfer amount %d is negative", amount)
	}
	allowance, err := v.Allowance(ctx, asset, from)
	if err != nil {
		return err
	}
	if allowance < amount {
		return fmt.Errorf("%s allows %d of %s, need %d: %w", from, allowance, asset, amount, ErrInsufficientAllowance)
	}
	fromBal, err := v.Balance(ctx, asset, from)
	if err != nil {
		return err
	}
	if fromBal < amount {
		return fmt.Errorf("%s holds %d of %s, need %d: %w", from, fromBal, asset, amount, ErrInsufficientBalance)
	}
	if err := v.setAmount(ctx, keyAllowance(asset, from), allowance-amount); err != nil {
		return err
	}
	if err := v.setAmount(ctx, keyBalance(asset, from), fromBal-amount); err != nil {
		return err
	}
	// Credit reads the balance after the debit so a self-transfer nets zero.
	toBal, err := v.Balance(ctx, asset, to)
	if err != nil {
		return err
	}
	return v.setAmount(ctx, keyBalance(asset, to), toBal+amount)
}
