package chains

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	walleterr "github.com/helix-wallet/helixd/internal/errors"
	"github.com/helix-wallet/helixd/internal/wallet"
	"github.com/helix-wallet/helixd/pkg/logging"
)

// AssetService talks to an asset-overlay node over JSON-RPC. Assets
// ride on top of the settlement chain; overlay wallets use settlement
// chain addresses and hold per-asset balances.
type AssetService struct {
	rpcURL     string
	params     *chaincfg.Params
	httpClient *http.Client
	requestID  atomic.Uint64
	mu         sync.RWMutex
	connected  bool
	log        *logging.Logger
}

// NewAssetService creates an asset-overlay service.
func NewAssetService(rpcURL string, testnet bool) *AssetService {
	params := &chaincfg.MainNetParams
	if testnet {
		params = &chaincfg.TestNet3Params
	}
	return &AssetService{
		rpcURL: rpcURL,
		params: params,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: logging.GetDefault().Component("asset"),
	}
}

// Chain returns ChainAsset.
func (a *AssetService) Chain() string {
	return ChainAsset
}

// Connect verifies the overlay node is reachable.
func (a *AssetService) Connect(ctx context.Context) error {
	_, err := a.call(ctx, "list_assets", nil)
	if err != nil {
		return walleterr.Wrap(err, walleterr.KindNodeConnection, "asset", "Connect",
			"node unreachable at "+a.rpcURL)
	}

	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return nil
}

// IsConnected returns true after a successful Connect.
func (a *AssetService) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// Close marks the service disconnected.
func (a *AssetService) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	return nil
}

// CreateWallet generates a settlement-chain keypair for the overlay
// wallet.
func (a *AssetService) CreateWallet(ctx context.Context, ownerDID string) (*ChainWallet, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindKeyManagement, "asset", "CreateWallet",
			"key generation failed")
	}

	pubKeyHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, a.params)
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindKeyManagement, "asset", "CreateWallet",
			"address derivation failed")
	}

	return &ChainWallet{
		Chain:   ChainAsset,
		Address: addr.EncodeAddress(),
		Extra: map[string]string{
			"publicKey":  hex.EncodeToString(priv.PubKey().SerializeCompressed()),
			"privateKey": hex.EncodeToString(priv.Serialize()),
		},
	}, nil
}

// Asset is an overlay asset definition.
type Asset struct {
	ID        string `json:"asset_id"`
	Ticker    string `json:"ticker"`
	Name      string `json:"name"`
	Precision uint8  `json:"precision"`
	Supply    uint64 `json:"supply"`
	Balance   uint64 `json:"balance"`
}

// IssueAsset creates a new asset with the given supply.
func (a *AssetService) IssueAsset(ctx context.Context, ticker, name string, supply uint64, precision uint8) (*Asset, error) {
	if ticker == "" || supply == 0 {
		return nil, walleterr.E(walleterr.KindValidation, "asset", "IssueAsset",
			"ticker and supply are required")
	}

	result, err := a.call(ctx, "create_asset", map[string]interface{}{
		"ticker":    ticker,
		"name":      name,
		"supply":    supply,
		"precision": precision,
	})
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindAsset, "asset", "IssueAsset",
			"asset issuance failed")
	}

	var asset Asset
	if err := json.Unmarshal(result, &asset); err != nil {
		return nil, err
	}
	a.log.Info("Asset issued", "asset_id", asset.ID, "ticker", ticker)
	return &asset, nil
}

// GetAsset returns a single asset definition.
func (a *AssetService) GetAsset(ctx context.Context, assetID string) (*Asset, error) {
	result, err := a.call(ctx, "get_asset", map[string]interface{}{"asset_id": assetID})
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindAsset, "asset", "GetAsset",
			"asset lookup failed").WithMeta("asset_id", assetID)
	}

	var asset Asset
	if err := json.Unmarshal(result, &asset); err != nil {
		return nil, err
	}
	return &asset, nil
}

// ListAssets returns all assets known to the node.
func (a *AssetService) ListAssets(ctx context.Context) ([]Asset, error) {
	result, err := a.call(ctx, "list_assets", nil)
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindAsset, "asset", "ListAssets",
			"asset list failed")
	}

	var assets []Asset
	if err := json.Unmarshal(result, &assets); err != nil {
		return nil, err
	}
	return assets, nil
}

// AssetBalance returns the spendable balance of one asset.
func (a *AssetService) AssetBalance(ctx context.Context, assetID string) (uint64, error) {
	result, err := a.call(ctx, "get_balance", map[string]interface{}{"asset_id": assetID})
	if err != nil {
		return 0, walleterr.Wrap(err, walleterr.KindAsset, "asset", "AssetBalance",
			"balance query failed").WithMeta("asset_id", assetID)
	}

	var balance struct {
		Spendable uint64 `json:"spendable"`
	}
	if err := json.Unmarshal(result, &balance); err != nil {
		return 0, err
	}
	return balance.Spendable, nil
}

// GetBalance sums the balances of every asset held by the node wallet.
// Overlay assets have no common unit, so the aggregate is only useful
// as a non-zero indicator; per-asset figures come from AssetBalance.
func (a *AssetService) GetBalance(ctx context.Context, address string) (*Balance, error) {
	var assets []Asset
	err := withRetry(ctx, func() error {
		var listErr error
		assets, listErr = a.ListAssets(ctx)
		return listErr
	})
	if err != nil {
		return nil, err
	}

	var total uint64
	for _, asset := range assets {
		total += asset.Balance
	}
	return &Balance{
		Chain:     ChainAsset,
		Symbol:    "ASSET",
		Confirmed: total,
	}, nil
}

// Transfer is an overlay asset transfer.
type Transfer struct {
	ID      string `json:"transfer_id"`
	AssetID string `json:"asset_id"`
	Amount  uint64 `json:"amount"`
	Status  string `json:"status"`
	TxID    string `json:"txid,omitempty"`
}

// SendTransaction transfers an asset to a recipient address.
func (a *AssetService) SendTransaction(ctx context.Context, tx *wallet.Transaction) (string, error) {
	if tx.AssetID == "" {
		return "", walleterr.E(walleterr.KindValidation, "asset", "SendTransaction",
			"asset transfer requires an asset id")
	}

	result, err := a.call(ctx, "transfer_asset", map[string]interface{}{
		"asset_id":  tx.AssetID,
		"recipient": tx.ToAddress,
		"amount":    tx.Amount,
	})
	if err != nil {
		return "", walleterr.Wrap(err, walleterr.KindAssetTransfer, "asset", "SendTransaction",
			"transfer failed").WithMeta("asset_id", tx.AssetID)
	}

	var transfer Transfer
	if err := json.Unmarshal(result, &transfer); err != nil {
		return "", err
	}
	return transfer.ID, nil
}

// AcceptTransfer acknowledges an incoming transfer so it becomes
// spendable.
func (a *AssetService) AcceptTransfer(ctx context.Context, transferID string) error {
	_, err := a.call(ctx, "accept_transfer", map[string]interface{}{"transfer_id": transferID})
	if err != nil {
		return walleterr.Wrap(err, walleterr.KindAssetTransfer, "asset", "AcceptTransfer",
			"accept failed").WithMeta("transfer_id", transferID)
	}
	return nil
}

// ListTransfers returns transfer history for one asset, or all assets
// when assetID is empty.
func (a *AssetService) ListTransfers(ctx context.Context, assetID string) ([]Transfer, error) {
	params := map[string]interface{}{}
	if assetID != "" {
		params["asset_id"] = assetID
	}

	result, err := a.call(ctx, "list_transfers", params)
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindAssetTransfer, "asset", "ListTransfers",
			"transfer list failed")
	}

	var transfers []Transfer
	if err := json.Unmarshal(result, &transfers); err != nil {
		return nil, err
	}
	return transfers, nil
}

// ValidateAddress accepts settlement-chain addresses and blinded
// overlay receive strings.
func (a *AssetService) ValidateAddress(ctx context.Context, address string) (bool, error) {
	if address == "" {
		return false, nil
	}
	if strings.HasPrefix(address, "utxob:") || strings.HasPrefix(address, "rgb:") {
		return len(address) > 10, nil
	}
	addr, err := btcutil.DecodeAddress(address, a.params)
	if err != nil {
		return false, nil
	}
	return addr.IsForNet(a.params), nil
}

// Sync asks the node to refresh transfer states against the settlement
// chain.
func (a *AssetService) Sync(ctx context.Context) error {
	_, err := a.call(ctx, "refresh", nil)
	if err != nil {
		return walleterr.Wrap(err, walleterr.KindSync, "asset", "Sync",
			"refresh failed")
	}
	return nil
}

func (a *AssetService) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := a.requestID.Add(1)

	if params == nil {
		params = map[string]interface{}{}
	}
	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.rpcURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if response.Error != nil {
		return nil, fmt.Errorf("RPC error %d: %s", response.Error.Code, response.Error.Message)
	}
	return response.Result, nil
}

var _ Service = (*AssetService)(nil)
