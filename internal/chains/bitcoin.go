package chains

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	walleterr "github.com/helix-wallet/helixd/internal/errors"
	"github.com/helix-wallet/helixd/internal/wallet"
	"github.com/helix-wallet/helixd/pkg/helpers"
	"github.com/helix-wallet/helixd/pkg/logging"
)

// BitcoinService talks to a Bitcoin Core node over JSON-RPC.
type BitcoinService struct {
	rpcURL     string
	rpcUser    string
	rpcPass    string
	params     *chaincfg.Params
	httpClient *http.Client
	requestID  atomic.Uint64
	mu         sync.RWMutex
	connected  bool
	blockCount int64
	log        *logging.Logger
}

// NewBitcoinService creates a settlement-chain service. testnet selects
// the address encoding parameters.
func NewBitcoinService(rpcURL, user, pass string, testnet bool) *BitcoinService {
	params := &chaincfg.MainNetParams
	if testnet {
		params = &chaincfg.TestNet3Params
	}
	return &BitcoinService{
		rpcURL:  rpcURL,
		rpcUser: user,
		rpcPass: pass,
		params:  params,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: logging.GetDefault().Component("bitcoin"),
	}
}

// Chain returns ChainBitcoin.
func (b *BitcoinService) Chain() string {
	return ChainBitcoin
}

// Connect verifies the node is reachable.
func (b *BitcoinService) Connect(ctx context.Context) error {
	_, err := b.call(ctx, "getblockchaininfo", []interface{}{})
	if err != nil {
		return walleterr.Wrap(err, walleterr.KindNodeConnection, "bitcoin", "Connect",
			"node unreachable at "+b.rpcURL)
	}

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	return nil
}

// IsConnected returns true after a successful Connect.
func (b *BitcoinService) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// Close marks the service disconnected.
func (b *BitcoinService) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

// CreateWallet generates a fresh keypair and returns its native segwit
// address. The private key is handed back hex-encoded for the caller to
// encrypt; it is never persisted here.
func (b *BitcoinService) CreateWallet(ctx context.Context, ownerDID string) (*ChainWallet, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindKeyManagement, "bitcoin", "CreateWallet",
			"key generation failed")
	}

	pubKeyHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, b.params)
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindKeyManagement, "bitcoin", "CreateWallet",
			"address derivation failed")
	}

	return &ChainWallet{
		Chain:   ChainBitcoin,
		Address: addr.EncodeAddress(),
		Extra: map[string]string{
			"publicKey":  hex.EncodeToString(priv.PubKey().SerializeCompressed()),
			"privateKey": hex.EncodeToString(priv.Serialize()),
		},
	}, nil
}

// GetBalance scans the UTXO set for the address. scantxoutset is slow
// on first use but cached by the node afterwards.
func (b *BitcoinService) GetBalance(ctx context.Context, address string) (*Balance, error) {
	var result json.RawMessage
	err := withRetry(ctx, func() error {
		var callErr error
		result, callErr = b.call(ctx, "scantxoutset", []interface{}{
			"start",
			[]string{"addr(" + address + ")"},
		})
		return callErr
	})
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindNodeConnection, "bitcoin", "GetBalance",
			"scantxoutset failed")
	}

	var scan struct {
		Success     bool    `json:"success"`
		TotalAmount float64 `json:"total_amount"`
	}
	if err := json.Unmarshal(result, &scan); err != nil {
		return nil, fmt.Errorf("failed to parse scantxoutset result: %w", err)
	}
	if !scan.Success {
		return nil, walleterr.E(walleterr.KindNetwork, "bitcoin", "GetBalance",
			"utxo scan did not complete")
	}

	return &Balance{
		Chain:     ChainBitcoin,
		Symbol:    "BTC",
		Confirmed: uint64(scan.TotalAmount * helpers.SatsPerBTC),
	}, nil
}

// SendTransaction pays an address through the node wallet.
func (b *BitcoinService) SendTransaction(ctx context.Context, tx *wallet.Transaction) (string, error) {
	amountBTC := float64(tx.Amount) / helpers.SatsPerBTC

	result, err := b.call(ctx, "sendtoaddress", []interface{}{tx.ToAddress, amountBTC})
	if err != nil {
		return "", walleterr.Wrap(err, walleterr.KindTransaction, "bitcoin", "SendTransaction",
			"sendtoaddress failed")
	}

	var txID string
	if err := json.Unmarshal(result, &txID); err != nil {
		return "", err
	}
	return txID, nil
}

// BroadcastRawTransaction relays an externally signed transaction.
func (b *BitcoinService) BroadcastRawTransaction(ctx context.Context, rawTxHex string) (string, error) {
	result, err := b.call(ctx, "sendrawtransaction", []interface{}{rawTxHex})
	if err != nil {
		return "", walleterr.Wrap(err, walleterr.KindTransaction, "bitcoin", "BroadcastRawTransaction",
			"sendrawtransaction failed")
	}

	var txID string
	if err := json.Unmarshal(result, &txID); err != nil {
		return "", err
	}
	return txID, nil
}

// ValidateAddress decodes the address against the network parameters.
func (b *BitcoinService) ValidateAddress(ctx context.Context, address string) (bool, error) {
	if address == "" {
		return false, nil
	}
	addr, err := btcutil.DecodeAddress(address, b.params)
	if err != nil {
		return false, nil
	}
	return addr.IsForNet(b.params), nil
}

// Sync refreshes the cached chain tip.
func (b *BitcoinService) Sync(ctx context.Context) error {
	result, err := b.call(ctx, "getblockcount", []interface{}{})
	if err != nil {
		return walleterr.Wrap(err, walleterr.KindSync, "bitcoin", "Sync",
			"getblockcount failed")
	}

	var height int64
	if err := json.Unmarshal(result, &height); err != nil {
		return err
	}

	b.mu.Lock()
	b.blockCount = height
	b.mu.Unlock()
	b.log.Debug("Chain tip updated", "height", height)
	return nil
}

// BlockCount returns the last synced chain height.
func (b *BitcoinService) BlockCount() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.blockCount
}

// TxInput is one spent outpoint of a transaction.
type TxInput struct {
	TxID string `json:"txid"`
	Vout uint32 `json:"vout"`
}

// TxOutput is one created output of a transaction.
type TxOutput struct {
	Value   int64  `json:"value"` // satoshis
	Address string `json:"address,omitempty"`
}

// TransactionDetail is the node's view of a wallet transaction.
type TransactionDetail struct {
	TxID          string     `json:"txid"`
	Confirmations int64      `json:"confirmations"`
	BlockHash     string     `json:"blockhash,omitempty"`
	BlockHeight   int64      `json:"blockheight,omitempty"`
	BlockTime     int64      `json:"blocktime,omitempty"`
	Hex           string     `json:"hex,omitempty"`
	Fee           int64      `json:"fee,omitempty"` // satoshis, negative for outgoing
	Size          int64      `json:"size,omitempty"`
	Replaceable   bool       `json:"replaceable"`
	Inputs        []TxInput  `json:"inputs,omitempty"`
	Outputs       []TxOutput `json:"outputs,omitempty"`
}

// GetTransaction returns on-chain detail for a wallet transaction,
// including the decoded inputs and outputs.
func (b *BitcoinService) GetTransaction(ctx context.Context, txID string) (*TransactionDetail, error) {
	hash, err := chainhash.NewHashFromStr(txID)
	if err != nil {
		return nil, walleterr.E(walleterr.KindValidation, "bitcoin", "GetTransaction",
			"malformed transaction id").WithMeta("tx_id", txID)
	}

	// verbose=true includes the decoded transaction.
	result, err := b.call(ctx, "gettransaction", []interface{}{hash.String(), true, true})
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindNetwork, "bitcoin", "GetTransaction",
			"gettransaction failed").WithMeta("tx_id", txID)
	}

	var raw struct {
		TxID          string  `json:"txid"`
		Confirmations int64   `json:"confirmations"`
		BlockHash     string  `json:"blockhash"`
		BlockHeight   int64   `json:"blockheight"`
		BlockTime     int64   `json:"blocktime"`
		Hex           string  `json:"hex"`
		Fee           float64 `json:"fee"`
		Replaceable   string  `json:"bip125-replaceable"`
		Decoded       struct {
			VSize int64 `json:"vsize"`
			Vin   []struct {
				TxID string `json:"txid"`
				Vout uint32 `json:"vout"`
			} `json:"vin"`
			Vout []struct {
				Value        float64 `json:"value"`
				ScriptPubKey struct {
					Address string `json:"address"`
				} `json:"scriptPubKey"`
			} `json:"vout"`
		} `json:"decoded"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, err
	}

	detail := &TransactionDetail{
		TxID:          raw.TxID,
		Confirmations: raw.Confirmations,
		BlockHash:     raw.BlockHash,
		BlockHeight:   raw.BlockHeight,
		BlockTime:     raw.BlockTime,
		Hex:           raw.Hex,
		Fee:           helpers.BTCToSats(raw.Fee),
		Size:          raw.Decoded.VSize,
		Replaceable:   raw.Replaceable == "yes",
	}
	for _, in := range raw.Decoded.Vin {
		detail.Inputs = append(detail.Inputs, TxInput{TxID: in.TxID, Vout: in.Vout})
	}
	for _, out := range raw.Decoded.Vout {
		detail.Outputs = append(detail.Outputs, TxOutput{
			Value:   helpers.BTCToSats(out.Value),
			Address: out.ScriptPubKey.Address,
		})
	}
	return detail, nil
}

// EstimateSmartFee returns the node's fee estimate in BTC/kB for a
// confirmation target.
func (b *BitcoinService) EstimateSmartFee(ctx context.Context, confTarget int, mode string) (float64, error) {
	params := []interface{}{confTarget}
	if mode != "" {
		params = append(params, mode)
	}

	var result json.RawMessage
	err := withRetry(ctx, func() error {
		var callErr error
		result, callErr = b.call(ctx, "estimatesmartfee", params)
		return callErr
	})
	if err != nil {
		return 0, walleterr.Wrap(err, walleterr.KindFeeEstimation, "bitcoin", "EstimateSmartFee",
			"estimatesmartfee failed")
	}

	var feeResult struct {
		FeeRate float64  `json:"feerate"`
		Errors  []string `json:"errors"`
	}
	if err := json.Unmarshal(result, &feeResult); err != nil {
		return 0, err
	}
	if feeResult.FeeRate <= 0 {
		return 0, walleterr.E(walleterr.KindFeeEstimation, "bitcoin", "EstimateSmartFee",
			"node returned no estimate").WithMeta("conf_target", fmt.Sprintf("%d", confTarget))
	}
	return feeResult.FeeRate, nil
}

// RelayFee returns the node's minimum relay fee in BTC/kB.
func (b *BitcoinService) RelayFee(ctx context.Context) (float64, error) {
	result, err := b.call(ctx, "getnetworkinfo", []interface{}{})
	if err != nil {
		return 0, walleterr.Wrap(err, walleterr.KindNodeConnection, "bitcoin", "RelayFee",
			"getnetworkinfo failed")
	}

	var info struct {
		RelayFee float64 `json:"relayfee"`
	}
	if err := json.Unmarshal(result, &info); err != nil {
		return 0, err
	}
	return info.RelayFee, nil
}

// MempoolInfo is a summary of the node's mempool state.
type MempoolInfo struct {
	Size          int64   `json:"size"`
	Bytes         int64   `json:"bytes"`
	MempoolMinFee float64 `json:"mempoolminfee"`
}

// GetMempoolInfo returns mempool congestion data.
func (b *BitcoinService) GetMempoolInfo(ctx context.Context) (*MempoolInfo, error) {
	result, err := b.call(ctx, "getmempoolinfo", []interface{}{})
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindNodeConnection, "bitcoin", "GetMempoolInfo",
			"getmempoolinfo failed")
	}

	var info MempoolInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (b *BitcoinService) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	id := b.requestID.Add(1)

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

	req, err := http.NewRequestWithContext(ctx, "POST", b.rpcURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.rpcUser != "" {
		req.SetBasicAuth(b.rpcUser, b.rpcPass)
	}

	resp, err := b.httpClient.Do(req)
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

var _ Service = (*BitcoinService)(nil)
