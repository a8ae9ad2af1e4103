package wallet

import (
	"testing"

	walleterr "github.com/helix-wallet/helixd/internal/errors"
)

func TestWalletValidate(t *testing.T) {
	w := &Wallet{Name: "main", Type: TypeBitcoin, OwnerDID: "did:helix:alice"}
	if err := w.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	w = &Wallet{Name: "bad", Type: "dogecoin", OwnerDID: "did:helix:alice"}
	if err := w.Validate(); !walleterr.IsKind(err, walleterr.KindValidation) {
		t.Errorf("unknown type: error = %v, want validation error", err)
	}

	w = &Wallet{Name: "noowner", Type: TypeBitcoin}
	if err := w.Validate(); err == nil {
		t.Error("missing owner should fail validation")
	}

	// Contract payload only belongs on contract wallets.
	w = &Wallet{
		Name:     "mismatch",
		Type:     TypeBitcoin,
		OwnerDID: "did:helix:alice",
		Contract: &ContractDetails{Network: "mainnet"},
	}
	if err := w.Validate(); err == nil {
		t.Error("contract payload on bitcoin wallet should fail validation")
	}

	w = &Wallet{
		Name:     "stx",
		Type:     TypeContract,
		OwnerDID: "did:helix:alice",
		Contract: &ContractDetails{Network: "mainnet"},
	}
	if err := w.Validate(); err != nil {
		t.Errorf("contract wallet Validate() error = %v", err)
	}
}

func TestHasPermission(t *testing.T) {
	w := &Wallet{
		OwnerDID:    "did:helix:alice",
		Permissions: []string{"did:helix:bob"},
	}

	if !w.HasPermission("did:helix:alice") {
		t.Error("owner should have permission")
	}
	if !w.HasPermission("did:helix:bob") {
		t.Error("granted DID should have permission")
	}
	if w.HasPermission("did:helix:mallory") {
		t.Error("stranger should not have permission")
	}
}

func TestClone(t *testing.T) {
	w := &Wallet{
		Name:     "main",
		Type:     TypeContract,
		OwnerDID: "did:helix:alice",
		Metadata: map[string]string{"label": "a"},
		Contract: &ContractDetails{Network: "mainnet", ContractMeta: map[string]string{"k": "v"}},
	}

	c := w.Clone()
	c.Metadata["label"] = "b"
	c.Contract.ContractMeta["k"] = "w"

	if w.Metadata["label"] != "a" {
		t.Error("clone shares metadata map")
	}
	if w.Contract.ContractMeta["k"] != "v" {
		t.Error("clone shares contract metadata map")
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to TxStatus
		ok       bool
	}{
		{StatusPending, StatusConfirming, true},
		{StatusPending, StatusRouting, true},
		{StatusPending, StatusSettling, true},
		{StatusPending, StatusCompleted, true},
		{StatusPending, StatusFailed, true},
		{StatusConfirming, StatusCompleted, true},
		{StatusRouting, StatusFailed, true},
		{StatusConfirming, StatusPending, false},
		{StatusConfirming, StatusRouting, false},
		{StatusCompleted, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusCompleted, false},
	}

	for _, tc := range tests {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestAdvanceStatus(t *testing.T) {
	tx := &Transaction{ID: "tx1", Status: StatusPending}

	if err := tx.AdvanceStatus(StatusConfirming); err != nil {
		t.Fatalf("AdvanceStatus(confirming) error = %v", err)
	}
	if err := tx.AdvanceStatus(StatusCompleted); err != nil {
		t.Fatalf("AdvanceStatus(completed) error = %v", err)
	}

	// Completed is terminal: a completed transaction never reports
	// pending again.
	if err := tx.AdvanceStatus(StatusPending); err == nil {
		t.Error("terminal status should reject further transitions")
	}
	if tx.Status != StatusCompleted {
		t.Errorf("Status = %s after rejected transition, want completed", tx.Status)
	}
}

func TestTransactionValidate(t *testing.T) {
	tx := &Transaction{Type: TxSend, Amount: 1000, Status: StatusPending}
	if err := tx.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	// Chain-specific fields must match the transaction type.
	tx = &Transaction{Type: TxSend, Amount: 1000, Invoice: "lnbc1..."}
	if err := tx.Validate(); err == nil {
		t.Error("invoice on send transaction should fail validation")
	}

	tx = &Transaction{Type: TxChannelPayment, Amount: 1000, Invoice: "lnbc1..."}
	if err := tx.Validate(); err != nil {
		t.Errorf("channel payment with invoice: error = %v", err)
	}

	tx = &Transaction{Type: TxAssetTransfer, Amount: 5, AssetID: "asset-1"}
	if err := tx.Validate(); err != nil {
		t.Errorf("asset transfer with asset id: error = %v", err)
	}

	tx = &Transaction{Type: TxSend, Amount: 0}
	if err := tx.Validate(); !walleterr.IsKind(err, walleterr.KindInvalidAmount) {
		t.Errorf("zero amount: error = %v, want invalid amount", err)
	}
}
