package token_test

import (
	"context"
	"errors"
	"testing"

	"venality/internal/ledger"
	"venality/internal/token"
)

func TestTransferFromMovesExactlyAmount(t *testing.T) {
	v := token.Vault{Store: ledger.NewMemory()}
	ctx := context.Background()

	if err := v.Mint(ctx, "USD", "buyer", 100); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := v.Approve(ctx, "USD", "buyer", 40); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := v.TransferFrom(ctx, "USD", "buyer", "seller", 25); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	if bal, _ := v.Balance(ctx, "USD", "buyer"); bal != 75 {
		t.Fatalf("buyer balance %d, want 75", bal)
	}
	if bal, _ := v.Balance(ctx, "USD", "seller"); bal != 25 {
		t.Fatalf("seller balance %d, want 25", bal)
	}
	if alw, _ := v.Allowance(ctx, "USD", "buyer"); alw != 15 {
		t.Fatalf("allowance %d, want 15", alw)
	}
}

func TestTransferFromToSelfConservesFunds(t *testing.T) {
	v := token.Vault{Store: ledger.NewMemory()}
	ctx := context.Background()

	if err := v.Mint(ctx, "USD", "buyer", 100); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := v.Approve(ctx, "USD", "buyer", 40); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := v.TransferFrom(ctx, "USD", "buyer", "buyer", 25); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	if bal, _ := v.Balance(ctx, "USD", "buyer"); bal != 100 {
		t.Fatalf("self-transfer must conserve funds: balance %d, want 100", bal)
	}
	if alw, _ := v.Allowance(ctx, "USD", "buyer"); alw != 15 {
		t.Fatalf("allowance %d, want 15", alw)
	}

	err := v.TransferFrom(ctx, "USD", "buyer", "buyer", 101)
	if !errors.Is(err, token.ErrInsufficientAllowance) {
		t.Fatalf("expected allowance rejection, got %v", err)
	}
}

func TestTransferFromRejectsWithoutAllowance(t *testing.T) {
	v := token.Vault{Store: ledger.NewMemory()}
	ctx := context.Background()

	if err := v.Mint(ctx, "USD", "buyer", 100); err != nil {
		t.Fatal(err)
	}
	err := v.TransferFrom(ctx, "USD", "buyer", "seller", 1)
	if !errors.Is(err, token.ErrInsufficientAllowance) {
		t.Fatalf("expected allowance rejection, got %v", err)
	}
	if bal, _ := v.Balance(ctx, "USD", "buyer"); bal != 100 {
		t.Fatalf("rejection must not move funds, balance %d", bal)
	}
}

func TestTransferFromRejectsWithoutBalance(t *testing.T) {
	v := token.Vault{Store: ledger.NewMemory()}
	ctx := context.Background()

	if err := v.Approve(ctx, "USD", "buyer", 50); err != nil {
		t.Fatal(err)
	}
	err := v.TransferFrom(ctx, "USD", "buyer", "seller", 50)
	if !errors.Is(err, token.ErrInsufficientBalance) {
		t.Fatalf("expected balance rejection, got %v", err)
	}
	if alw, _ := v.Allowance(ctx, "USD", "buyer"); alw != 50 {
		t.Fatalf("rejection must not consume allowance, got %d", alw)
	}
}

func TestAssetsAreIndependent(t *testing.T) {
	v := token.Vault{Store: ledger.NewMemory()}
	ctx := context.Background()

	if err := v.Mint(ctx, "USD", "buyer", 10); err != nil {
		t.Fatal(err)
	}
	if bal, _ := v.Balance(ctx, "EUR", "buyer"); bal != 0 {
		t.Fatalf("EUR balance should be 0, got %d", bal)
	}
}
