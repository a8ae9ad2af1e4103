package wallet

import (
	"time"

	walleterr "github.com/helix-wallet/helixd/internal/errors"
)

// TxType identifies the kind of transaction.
type TxType string

const (
	TxSend           TxType = "send"
	TxReceive        TxType = "receive"
	TxSwap           TxType = "swap"
	TxChannelPayment TxType = "channel_payment"
	TxAssetTransfer  TxType = "asset_transfer"
	TxContractCall   TxType = "contract_call"
	TxBankTransfer   TxType = "bank_transfer"
)

// TxStatus is a transaction lifecycle state. Status only advances
// forward; completed and failed are terminal.
type TxStatus string

const (
	StatusPending    TxStatus = "pending"
	StatusConfirming TxStatus = "confirming"
	StatusRouting    TxStatus = "routing"
	StatusSettling   TxStatus = "settling"
	StatusCompleted  TxStatus = "completed"
	StatusFailed     TxStatus = "failed"
)

// statusRank orders states along the machine. Intermediate states share
// a rank: a transaction moves pending -> one of confirming/routing/
// settling -> completed|failed.
var statusRank = map[TxStatus]int{
	StatusPending:    0,
	StatusConfirming: 1,
	StatusRouting:    1,
	StatusSettling:   1,
	StatusCompleted:  2,
	StatusFailed:     2,
}

// Terminal reports whether a status is terminal.
func (s TxStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a status may move to next.
func (s TxStatus) CanTransition(next TxStatus) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	if s.Terminal() {
		return false
	}
	return to > from
}

// Priority is the caller-requested fee priority.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Transaction is a historical or in-flight transaction record.
type Transaction struct {
	ID          string    `json:"id"`
	WalletID    string    `json:"walletId,omitempty"`
	Type        TxType    `json:"type"`
	FromAddress string    `json:"fromAddress"`
	ToAddress   string    `json:"toAddress"`
	Amount      uint64    `json:"amount"`
	Chain       string    `json:"chain"`
	Symbol      string    `json:"symbol,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Status      TxStatus  `json:"status"`

	FeeAmount     uint64   `json:"feeAmount,omitempty"`
	FeeSymbol     string   `json:"feeSymbol,omitempty"`
	Confirmations int64    `json:"confirmations,omitempty"`
	Priority      Priority `json:"priority,omitempty"`

	// Chain-specific optional fields, mutually exclusive by Type.
	Invoice         string `json:"invoice,omitempty"`         // channel_payment
	ContractAddress string `json:"contractAddress,omitempty"` // contract_call
	AssetID         string `json:"assetId,omitempty"`         // asset_transfer
	BankReference   string `json:"bankReference,omitempty"`   // bank_transfer
}

// AdvanceStatus moves the transaction forward along the state machine.
// Backward or repeated transitions are rejected.
func (t *Transaction) AdvanceStatus(next TxStatus) error {
	if !t.Status.CanTransition(next) {
		return walleterr.E(walleterr.KindTransaction, "wallet", "AdvanceStatus",
			"illegal status transition "+string(t.Status)+" -> "+string(next)).
			WithMeta("tx_id", t.ID)
	}
	t.Status = next
	return nil
}

// Validate checks the transaction's structural invariants, including
// mutual exclusivity of the chain-specific optional fields.
func (t *Transaction) Validate() error {
	if t.Amount == 0 && t.Type != TxContractCall {
		return walleterr.E(walleterr.KindInvalidAmount, "wallet", "Validate", "amount must be positive")
	}

	set := 0
	if t.Invoice != "" {
		if t.Type != TxChannelPayment {
			return walleterr.E(walleterr.KindValidation, "wallet", "Validate",
				"invoice set on non-channel transaction")
		}
		set++
	}
	if t.ContractAddress != "" {
		if t.Type != TxContractCall {
			return walleterr.E(walleterr.KindValidation, "wallet", "Validate",
				"contract address set on non-contract transaction")
		}
		set++
	}
	if t.AssetID != "" {
		if t.Type != TxAssetTransfer {
			return walleterr.E(walleterr.KindValidation, "wallet", "Validate",
				"asset id set on non-asset transaction")
		}
		set++
	}
	if t.BankReference != "" {
		if t.Type != TxBankTransfer {
			return walleterr.E(walleterr.KindValidation, "wallet", "Validate",
				"bank reference set on non-bank transaction")
		}
		set++
	}
	if set > 1 {
		return walleterr.E(walleterr.KindValidation, "wallet", "Validate",
			"chain-specific fields are mutually exclusive")
	}
	return nil
}
