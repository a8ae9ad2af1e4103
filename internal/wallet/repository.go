package wallet

import (
	"context"
	"encoding/json"
	"time"

	walleterr "github.com/helix-wallet/helixd/internal/errors"
	"github.com/helix-wallet/helixd/internal/record"
	"github.com/helix-wallet/helixd/pkg/logging"
)

// WalletCollection is the record store collection holding wallets.
const WalletCollection = "wallets"

// Repository persists wallets in the record store. Every mutation
// re-verifies permission through the store before writing.
type Repository struct {
	store *record.Store
	log   *logging.Logger
}

// NewRepository creates a wallet repository over a record store.
func NewRepository(store *record.Store) *Repository {
	return &Repository{
		store: store,
		log:   logging.GetDefault().Component("wallet"),
	}
}

// CreateWallet persists a new wallet and returns the store-assigned id.
func (r *Repository) CreateWallet(ctx context.Context, w *Wallet) (string, error) {
	if err := w.Validate(); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now

	data, err := json.Marshal(w)
	if err != nil {
		return "", walleterr.Wrap(err, walleterr.KindRepository, "wallet", "CreateWallet", "failed to encode wallet")
	}

	id, err := r.store.Put(ctx, WalletCollection, w.OwnerDID, data)
	if err != nil {
		return "", walleterr.Wrap(err, walleterr.KindRepository, "wallet", "CreateWallet", "failed to store wallet")
	}

	// Embed the store-assigned id in the payload.
	w.ID = id
	data, err = json.Marshal(w)
	if err != nil {
		return "", walleterr.Wrap(err, walleterr.KindRepository, "wallet", "CreateWallet", "failed to encode wallet")
	}
	if err := r.store.Update(ctx, WalletCollection, id, w.OwnerDID, data); err != nil {
		return "", walleterr.Wrap(err, walleterr.KindRepository, "wallet", "CreateWallet", "failed to finalize wallet")
	}

	r.log.Debug("Wallet created", "id", id, "type", w.Type, "owner", w.OwnerDID)
	return id, nil
}

// GetWallet returns a wallet by id, or nil if absent.
func (r *Repository) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	rec, err := r.store.Get(ctx, WalletCollection, id)
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindRepository, "wallet", "GetWallet", "failed to read wallet")
	}
	if rec == nil {
		return nil, nil
	}
	return decodeWallet(rec)
}

// ListWallets returns all wallets, optionally restricted to an owner.
func (r *Repository) ListWallets(ctx context.Context, ownerDID string) ([]*Wallet, error) {
	var filter *record.Filter
	if ownerDID != "" {
		filter = &record.Filter{Owner: ownerDID}
	}

	records, err := r.store.Query(ctx, WalletCollection, filter)
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindRepository, "wallet", "ListWallets", "failed to query wallets")
	}
	return decodeWallets(records)
}

// UpdateWallet replaces a wallet. The requester must be the owner or
// hold a granted permission; the owner DID itself is immutable.
func (r *Repository) UpdateWallet(ctx context.Context, id, requester string, w *Wallet) error {
	if err := w.Validate(); err != nil {
		return err
	}

	existing, err := r.GetWallet(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return walleterr.E(walleterr.KindRepository, "wallet", "UpdateWallet", "wallet not found").
			WithMeta("wallet_id", id)
	}
	if w.OwnerDID != existing.OwnerDID {
		return walleterr.E(walleterr.KindAuthorization, "wallet", "UpdateWallet",
			"ownerDid is immutable").WithMeta("wallet_id", id)
	}

	w.ID = id
	w.CreatedAt = existing.CreatedAt
	w.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(w)
	if err != nil {
		return walleterr.Wrap(err, walleterr.KindRepository, "wallet", "UpdateWallet", "failed to encode wallet")
	}

	// The store re-checks permission against the record owner.
	if err := r.store.Update(ctx, WalletCollection, id, requester, data); err != nil {
		return err
	}
	return nil
}

// DeleteWallet removes a wallet. The supplied ownerDID must equal the
// stored owner; anything else is rejected with a permission error.
func (r *Repository) DeleteWallet(ctx context.Context, id, ownerDID string) error {
	existing, err := r.GetWallet(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return walleterr.E(walleterr.KindRepository, "wallet", "DeleteWallet", "wallet not found").
			WithMeta("wallet_id", id)
	}
	if existing.OwnerDID != ownerDID {
		return walleterr.E(walleterr.KindAuthorization, "wallet", "DeleteWallet",
			"caller is not the wallet owner").WithMeta("wallet_id", id)
	}

	return r.store.Delete(ctx, WalletCollection, id, ownerDID)
}

// GetWalletByAddress returns the wallet holding a chain-native address,
// or nil if none matches.
func (r *Repository) GetWalletByAddress(ctx context.Context, address string) (*Wallet, error) {
	records, err := r.store.Query(ctx, WalletCollection, &record.Filter{
		Match: map[string]string{"address": address},
		Limit: 1,
	})
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindRepository, "wallet", "GetWalletByAddress", "failed to query wallets")
	}
	if len(records) == 0 {
		return nil, nil
	}
	return decodeWallet(records[0])
}

// GetWalletsByType returns wallets of a chain type, optionally
// restricted to an owner.
func (r *Repository) GetWalletsByType(ctx context.Context, t Type, ownerDID string) ([]*Wallet, error) {
	filter := &record.Filter{Match: map[string]string{"type": string(t)}}
	if ownerDID != "" {
		filter.Owner = ownerDID
	}

	records, err := r.store.Query(ctx, WalletCollection, filter)
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindRepository, "wallet", "GetWalletsByType", "failed to query wallets")
	}
	return decodeWallets(records)
}

// VerifyPermission reports whether a requester may mutate a wallet.
func (r *Repository) VerifyPermission(ctx context.Context, id, requester string) (bool, error) {
	return r.store.VerifyPermission(ctx, id, requester)
}

func decodeWallet(rec *record.Record) (*Wallet, error) {
	var w Wallet
	if err := json.Unmarshal(rec.Data, &w); err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindRepository, "wallet", "decode", "corrupt wallet record").
			WithMeta("record_id", rec.ID)
	}
	if w.ID == "" {
		w.ID = rec.ID
	}
	return &w, nil
}

func decodeWallets(records []*record.Record) ([]*Wallet, error) {
	wallets := make([]*Wallet, 0, len(records))
	for _, rec := range records {
		w, err := decodeWallet(rec)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, nil
}
