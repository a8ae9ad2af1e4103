// Package chains routes wallet operations to per-chain backend
// adapters. Each adapter implements the capability set (create wallet,
// get balance, send transaction, validate address); the coordinator
// fans out across chains with all-succeed-or-first-failure semantics.
package chains

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	walleterr "github.com/helix-wallet/helixd/internal/errors"
	"github.com/helix-wallet/helixd/internal/wallet"
	"github.com/helix-wallet/helixd/pkg/logging"
)

// Chain identifiers.
const (
	ChainBitcoin   = "bitcoin"
	ChainLightning = "lightning"
	ChainAsset     = "asset"
	ChainContract  = "contract"
)

// ChainWallet is the result of creating a wallet on one chain.
type ChainWallet struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`

	// Extra carries chain-specific creation output (e.g. a serialized
	// public key) that the caller may persist as wallet metadata.
	Extra map[string]string `json:"extra,omitempty"`
}

// Balance is a chain balance in the chain's smallest unit.
type Balance struct {
	Chain       string `json:"chain"`
	Symbol      string `json:"symbol"`
	Confirmed   uint64 `json:"confirmed"`
	Unconfirmed int64  `json:"unconfirmed"`
}

// Service is the per-chain capability interface implemented by each
// backend adapter.
type Service interface {
	// Chain returns the chain identifier.
	Chain() string

	// CreateWallet provisions a chain wallet for an owner identity.
	CreateWallet(ctx context.Context, ownerDID string) (*ChainWallet, error)

	// GetBalance returns the balance of a chain-native address.
	GetBalance(ctx context.Context, address string) (*Balance, error)

	// SendTransaction broadcasts a transaction and returns its id.
	SendTransaction(ctx context.Context, tx *wallet.Transaction) (string, error)

	// ValidateAddress reports whether an address is valid for this chain.
	ValidateAddress(ctx context.Context, address string) (bool, error)

	// Sync refreshes the adapter's view of the chain.
	Sync(ctx context.Context) error
}

// WalletSource resolves the wallets owned by an identity. Implemented
// by the wallet repository.
type WalletSource interface {
	ListWallets(ctx context.Context, ownerDID string) ([]*wallet.Wallet, error)
}

// Coordinator maps chain identifiers to services and aggregates
// operations across them.
type Coordinator struct {
	mu       sync.RWMutex
	services map[string]Service
	wallets  WalletSource
	log      *logging.Logger
}

// NewCoordinator creates a coordinator. The wallet source may be nil if
// only address-keyed operations are used.
func NewCoordinator(wallets WalletSource) *Coordinator {
	return &Coordinator{
		services: make(map[string]Service),
		wallets:  wallets,
		log:      logging.GetDefault().Component("chains"),
	}
}

// Register adds a chain service.
func (c *Coordinator) Register(svc Service) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[svc.Chain()] = svc
}

// Get returns the service for a chain, or a typed unsupported-chain
// error.
func (c *Coordinator) Get(chain string) (Service, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	svc, ok := c.services[chain]
	if !ok {
		return nil, walleterr.E(walleterr.KindUnsupportedChain, "chains", "Get",
			"unsupported chain: "+chain).WithMeta("chain", chain)
	}
	return svc, nil
}

// SupportedChains returns the registered chain identifiers, sorted.
func (c *Coordinator) SupportedChains() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	chains := make([]string, 0, len(c.services))
	for chain := range c.services {
		chains = append(chains, chain)
	}
	sort.Strings(chains)
	return chains
}

// CreateWallets provisions a wallet on each requested chain. Every
// chain is resolved before any adapter is called, so an unsupported
// chain fails the whole operation without side effects. A single chain
// failure aborts the fan-out naming the failing chain.
func (c *Coordinator) CreateWallets(ctx context.Context, ownerDID string, chains []string) (map[string]*ChainWallet, error) {
	services := make([]Service, 0, len(chains))
	for _, chain := range chains {
		svc, err := c.Get(chain)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}

	var mu sync.Mutex
	results := make(map[string]*ChainWallet, len(services))

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		svc := svc
		g.Go(func() error {
			cw, err := svc.CreateWallet(gctx, ownerDID)
			if err != nil {
				return walleterr.Wrap(err, walleterr.KindTransaction, "chains", "CreateWallets",
					"wallet creation failed on "+svc.Chain()).WithMeta("chain", svc.Chain())
			}
			mu.Lock()
			results[svc.Chain()] = cw
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// GetAllBalances returns the balance of every wallet owned by an
// identity, keyed by chain.
func (c *Coordinator) GetAllBalances(ctx context.Context, ownerDID string) (map[string]*Balance, error) {
	if c.wallets == nil {
		return nil, walleterr.E(walleterr.KindValidation, "chains", "GetAllBalances",
			"no wallet source configured")
	}

	owned, err := c.wallets.ListWallets(ctx, ownerDID)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	balances := make(map[string]*Balance, len(owned))

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range owned {
		svc, err := c.Get(string(w.Type))
		if err != nil {
			return nil, err
		}
		svc, w := svc, w
		g.Go(func() error {
			b, err := svc.GetBalance(gctx, w.Address)
			if err != nil {
				return walleterr.Wrap(err, walleterr.KindNetwork, "chains", "GetAllBalances",
					"balance query failed on "+svc.Chain()).WithMeta("chain", svc.Chain())
			}
			mu.Lock()
			balances[svc.Chain()] = b
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return balances, nil
}

// ValidateAddresses validates every chain/address pair. The first
// invalid or failing entry aborts, naming the chain.
func (c *Coordinator) ValidateAddresses(ctx context.Context, addresses map[string]string) error {
	g, gctx := errgroup.WithContext(ctx)
	for chain, address := range addresses {
		svc, err := c.Get(chain)
		if err != nil {
			return err
		}
		chain, address, svc := chain, address, svc
		g.Go(func() error {
			ok, err := svc.ValidateAddress(gctx, address)
			if err != nil {
				return walleterr.Wrap(err, walleterr.KindValidation, "chains", "ValidateAddresses",
					"validation failed on "+chain).WithMeta("chain", chain)
			}
			if !ok {
				return walleterr.E(walleterr.KindInvalidAddress, "chains", "ValidateAddresses",
					"invalid address for "+chain).WithMeta("chain", chain).WithMeta("address", address)
			}
			return nil
		})
	}
	return g.Wait()
}

// Broadcast sends a transaction on its chain.
func (c *Coordinator) Broadcast(ctx context.Context, chain string, tx *wallet.Transaction) (string, error) {
	svc, err := c.Get(chain)
	if err != nil {
		return "", err
	}
	if err := tx.Validate(); err != nil {
		return "", err
	}

	txID, err := svc.SendTransaction(ctx, tx)
	if err != nil {
		return "", walleterr.Wrap(err, walleterr.KindTransaction, "chains", "Broadcast",
			"broadcast failed on "+chain).WithMeta("chain", chain)
	}
	c.log.Info("Transaction broadcast", "chain", chain, "tx_id", txID)
	return txID, nil
}

// SyncAll syncs every registered chain, waiting for all to complete or
// fail as a group.
func (c *Coordinator) SyncAll(ctx context.Context) error {
	c.mu.RLock()
	services := make([]Service, 0, len(c.services))
	for _, svc := range c.services {
		services = append(services, svc)
	}
	c.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		svc := svc
		g.Go(func() error {
			if err := svc.Sync(gctx); err != nil {
				return walleterr.Wrap(err, walleterr.KindSync, "chains", "SyncAll",
					"sync failed on "+svc.Chain()).WithMeta("chain", svc.Chain())
			}
			return nil
		})
	}
	return g.Wait()
}

// Retry parameters for transient node failures.
const (
	maxRetries   = 3
	retryBackoff = 500 * time.Millisecond
)

// withRetry runs fn with exponential backoff on transient network
// failures. Permanent errors (validation, RPC-level rejections) are not
// retried.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	backoff := retryBackoff

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err = fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
	}
	return err
}

// isTransient reports whether an error is worth retrying.
func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return walleterr.IsKind(err, walleterr.KindNodeConnection)
}
