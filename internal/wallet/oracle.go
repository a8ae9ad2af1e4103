package wallet

import (
	"context"

	"github.com/helix-wallet/helixd/internal/record"
)

// GrantOracle resolves record-store permission checks against the
// Permissions list stored inside the wallet payload itself. A requester
// that a wallet names in Permissions may mutate that wallet without
// being its owner.
type GrantOracle struct {
	store *record.Store
}

// NewGrantOracle creates an oracle reading grants from wallet records.
func NewGrantOracle(store *record.Store) *GrantOracle {
	return &GrantOracle{store: store}
}

// Allowed implements record.PermissionOracle.
func (o *GrantOracle) Allowed(ctx context.Context, recordID, requester string) (bool, error) {
	rec, err := o.store.Get(ctx, WalletCollection, recordID)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	w, err := decodeWallet(rec)
	if err != nil {
		// Not a wallet payload, so it carries no grants.
		return false, nil
	}
	return w.HasPermission(requester), nil
}
