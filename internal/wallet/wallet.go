// Package wallet defines the wallet and transaction entities and the
// permission-checked repository persisting them in the record store.
package wallet

import (
	"time"

	walleterr "github.com/helix-wallet/helixd/internal/errors"
)

// Type identifies the chain a wallet belongs to.
type Type string

const (
	TypeBitcoin   Type = "bitcoin"   // base-layer settlement chain
	TypeLightning Type = "lightning" // payment-channel network
	TypeAsset     Type = "asset"     // asset-overlay protocol
	TypeContract  Type = "contract"  // smart-contract chain
)

// KnownTypes lists all supported wallet types.
var KnownTypes = []Type{TypeBitcoin, TypeLightning, TypeAsset, TypeContract}

// IsKnownType reports whether t is a supported wallet type.
func IsKnownType(t Type) bool {
	for _, known := range KnownTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ContractDetails is the chain-specific payload of a contract-chain
// wallet. Modeled as a tagged variant on the base wallet rather than a
// subtype.
type ContractDetails struct {
	// Network flags mainnet vs testnet account derivation.
	Network string `json:"network"`

	// ContractMeta carries chain-specific account metadata.
	ContractMeta map[string]string `json:"contractMeta,omitempty"`
}

// Wallet is the base wallet entity. Chain-specific variants attach a
// payload struct; at most one variant pointer is set, matching Type.
type Wallet struct {
	ID       string            `json:"id,omitempty"`
	Name     string            `json:"name"`
	Type     Type              `json:"type"`
	OwnerDID string            `json:"ownerDid"`
	Address  string            `json:"address"`
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// EncryptedData holds sensitive metadata sealed under the process
	// master key.
	EncryptedData string `json:"encryptedData,omitempty"`

	// Permissions lists DIDs granted access beyond the owner.
	Permissions []string `json:"permissions,omitempty"`

	// Chain-specific variant payloads.
	Contract *ContractDetails `json:"contract,omitempty"`
}

// Validate checks structural invariants: a known type, an owner, and a
// variant payload consistent with the type.
func (w *Wallet) Validate() error {
	if !IsKnownType(w.Type) {
		return walleterr.E(walleterr.KindValidation, "wallet", "Validate",
			"unknown wallet type: "+string(w.Type))
	}
	if w.OwnerDID == "" {
		return walleterr.E(walleterr.KindValidation, "wallet", "Validate", "ownerDid is required")
	}
	if w.Contract != nil && w.Type != TypeContract {
		return walleterr.E(walleterr.KindValidation, "wallet", "Validate",
			"contract payload on non-contract wallet")
	}
	return nil
}

// HasPermission reports whether a DID is the owner or holds a granted
// permission on this wallet.
func (w *Wallet) HasPermission(did string) bool {
	if did == w.OwnerDID {
		return true
	}
	for _, p := range w.Permissions {
		if p == did {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the wallet.
func (w *Wallet) Clone() *Wallet {
	c := *w
	if w.Metadata != nil {
		c.Metadata = make(map[string]string, len(w.Metadata))
		for k, v := range w.Metadata {
			c.Metadata[k] = v
		}
	}
	if w.Permissions != nil {
		c.Permissions = append([]string(nil), w.Permissions...)
	}
	if w.Contract != nil {
		contract := *w.Contract
		if w.Contract.ContractMeta != nil {
			contract.ContractMeta = make(map[string]string, len(w.Contract.ContractMeta))
			for k, v := range w.Contract.ContractMeta {
				contract.ContractMeta[k] = v
			}
		}
		c.Contract = &contract
	}
	return &c
}
