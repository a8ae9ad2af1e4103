package wallet

import (
	"context"

	walleterr "github.com/helix-wallet/helixd/internal/errors"
)

// ContractRepository layers contract-chain lookups over the base
// repository. All persistence still flows through the permission-checked
// path; this type only adds variant-aware accessors.
type ContractRepository struct {
	*Repository
}

// NewContractRepository wraps a base repository.
func NewContractRepository(base *Repository) *ContractRepository {
	return &ContractRepository{Repository: base}
}

// CreateContractWallet persists a contract-chain wallet, requiring the
// variant payload to be present.
func (r *ContractRepository) CreateContractWallet(ctx context.Context, w *Wallet) (string, error) {
	if w.Type != TypeContract || w.Contract == nil {
		return "", walleterr.E(walleterr.KindValidation, "wallet", "CreateContractWallet",
			"wallet is missing the contract variant payload")
	}
	return r.CreateWallet(ctx, w)
}

// GetByContractAddress returns the contract-chain wallet bound to a
// chain-native account address, or nil if none matches.
func (r *ContractRepository) GetByContractAddress(ctx context.Context, address string) (*Wallet, error) {
	w, err := r.GetWalletByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	if w == nil || w.Type != TypeContract {
		return nil, nil
	}
	return w, nil
}

// ListContractWallets returns all contract-chain wallets for an owner.
func (r *ContractRepository) ListContractWallets(ctx context.Context, ownerDID string) ([]*Wallet, error) {
	return r.GetWalletsByType(ctx, TypeContract, ownerDID)
}
