package chains

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	walleterr "github.com/helix-wallet/helixd/internal/errors"
	"github.com/helix-wallet/helixd/internal/wallet"
	"github.com/helix-wallet/helixd/pkg/logging"
)

// LightningService talks to a payment-channel node over its REST API
// (LND style). The wallet "address" on this chain is the node's
// identity public key.
type LightningService struct {
	baseURL    string
	macaroon   string
	httpClient *http.Client
	mu         sync.RWMutex
	connected  bool
	identity   string
	log        *logging.Logger
}

// NewLightningService creates a payment-channel service. macaroon may
// be empty for unauthenticated nodes.
func NewLightningService(baseURL, macaroon string) *LightningService {
	return &LightningService{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		macaroon: macaroon,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: logging.GetDefault().Component("lightning"),
	}
}

// Chain returns ChainLightning.
func (l *LightningService) Chain() string {
	return ChainLightning
}

// NodeInfo is the node's identity and sync state.
type NodeInfo struct {
	IdentityPubkey  string `json:"identity_pubkey"`
	Alias           string `json:"alias"`
	NumActiveChans  int    `json:"num_active_channels"`
	NumPendingChans int    `json:"num_pending_channels"`
	SyncedToChain   bool   `json:"synced_to_chain"`
	BlockHeight     int64  `json:"block_height"`
}

// Connect fetches node info and caches the identity pubkey.
func (l *LightningService) Connect(ctx context.Context) error {
	info, err := l.GetInfo(ctx)
	if err != nil {
		return walleterr.Wrap(err, walleterr.KindNodeConnection, "lightning", "Connect",
			"node unreachable at "+l.baseURL)
	}

	l.mu.Lock()
	l.connected = true
	l.identity = info.IdentityPubkey
	l.mu.Unlock()
	return nil
}

// IsConnected returns true after a successful Connect.
func (l *LightningService) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

// Close marks the service disconnected.
func (l *LightningService) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
	return nil
}

// GetInfo returns the node's identity and sync state.
func (l *LightningService) GetInfo(ctx context.Context) (*NodeInfo, error) {
	var info NodeInfo
	if err := l.get(ctx, "/v1/getinfo", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// CreateWallet binds the owner to this node's identity. Channel wallets
// share the node; there is no per-owner keypair to generate.
func (l *LightningService) CreateWallet(ctx context.Context, ownerDID string) (*ChainWallet, error) {
	info, err := l.GetInfo(ctx)
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindNodeConnection, "lightning", "CreateWallet",
			"getinfo failed")
	}

	return &ChainWallet{
		Chain:   ChainLightning,
		Address: info.IdentityPubkey,
		Extra: map[string]string{
			"alias": info.Alias,
		},
	}, nil
}

// GetBalance returns the local channel balance in satoshis.
func (l *LightningService) GetBalance(ctx context.Context, address string) (*Balance, error) {
	var result struct {
		LocalBalance struct {
			Sat string `json:"sat"`
		} `json:"local_balance"`
		RemoteBalance struct {
			Sat string `json:"sat"`
		} `json:"remote_balance"`
		UnsettledLocalBalance struct {
			Sat string `json:"sat"`
		} `json:"unsettled_local_balance"`
	}
	err := withRetry(ctx, func() error {
		return l.get(ctx, "/v1/balance/channels", &result)
	})
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindNodeConnection, "lightning", "GetBalance",
			"channel balance query failed")
	}

	local, _ := strconv.ParseUint(result.LocalBalance.Sat, 10, 64)
	unsettled, _ := strconv.ParseInt(result.UnsettledLocalBalance.Sat, 10, 64)

	return &Balance{
		Chain:       ChainLightning,
		Symbol:      "BTC",
		Confirmed:   local,
		Unconfirmed: unsettled,
	}, nil
}

// Invoice is a created payment request.
type Invoice struct {
	PaymentRequest string `json:"payment_request"`
	RHash          string `json:"r_hash"`
	AddIndex       string `json:"add_index"`
}

// AddInvoice creates an invoice for the given amount and memo.
func (l *LightningService) AddInvoice(ctx context.Context, amountSat uint64, memo string) (*Invoice, error) {
	body := map[string]interface{}{
		"value": strconv.FormatUint(amountSat, 10),
		"memo":  memo,
	}

	var inv Invoice
	if err := l.post(ctx, "/v1/invoices", body, &inv); err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindPayment, "lightning", "AddInvoice",
			"invoice creation failed")
	}
	return &inv, nil
}

// DecodedInvoice is the parsed form of a payment request.
type DecodedInvoice struct {
	Destination string `json:"destination"`
	PaymentHash string `json:"payment_hash"`
	NumSatoshis string `json:"num_satoshis"`
	Description string `json:"description"`
	Expiry      string `json:"expiry"`
}

// DecodeInvoice parses a payment request without paying it.
func (l *LightningService) DecodeInvoice(ctx context.Context, payReq string) (*DecodedInvoice, error) {
	var dec DecodedInvoice
	if err := l.get(ctx, "/v1/payreq/"+payReq, &dec); err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindValidation, "lightning", "DecodeInvoice",
			"invoice decode failed")
	}
	return &dec, nil
}

// SendTransaction pays the invoice carried by the transaction.
func (l *LightningService) SendTransaction(ctx context.Context, tx *wallet.Transaction) (string, error) {
	if tx.Invoice == "" {
		return "", walleterr.E(walleterr.KindValidation, "lightning", "SendTransaction",
			"channel payment requires an invoice")
	}

	body := map[string]interface{}{
		"payment_request": tx.Invoice,
	}

	var result struct {
		PaymentHash  string `json:"payment_hash"`
		PaymentError string `json:"payment_error"`
	}
	if err := l.post(ctx, "/v1/channels/transactions", body, &result); err != nil {
		return "", walleterr.Wrap(err, walleterr.KindPayment, "lightning", "SendTransaction",
			"payment failed")
	}
	if result.PaymentError != "" {
		return "", walleterr.E(walleterr.KindPayment, "lightning", "SendTransaction",
			"payment rejected: "+result.PaymentError)
	}
	return result.PaymentHash, nil
}

// ValidateAddress checks for a compressed secp256k1 node pubkey: 33
// bytes hex with an 02 or 03 prefix.
func (l *LightningService) ValidateAddress(ctx context.Context, address string) (bool, error) {
	raw, err := hex.DecodeString(address)
	if err != nil || len(raw) != 33 {
		return false, nil
	}
	return raw[0] == 0x02 || raw[0] == 0x03, nil
}

// Sync confirms the node is synced to chain.
func (l *LightningService) Sync(ctx context.Context) error {
	info, err := l.GetInfo(ctx)
	if err != nil {
		return walleterr.Wrap(err, walleterr.KindSync, "lightning", "Sync",
			"getinfo failed")
	}
	if !info.SyncedToChain {
		l.log.Warn("Node not synced to chain", "height", info.BlockHeight)
	}
	return nil
}

// Channel is an open payment channel.
type Channel struct {
	Active        bool   `json:"active"`
	RemotePubkey  string `json:"remote_pubkey"`
	ChannelPoint  string `json:"channel_point"`
	Capacity      string `json:"capacity"`
	LocalBalance  string `json:"local_balance"`
	RemoteBalance string `json:"remote_balance"`
}

// ListChannels returns the node's open channels.
func (l *LightningService) ListChannels(ctx context.Context) ([]Channel, error) {
	var result struct {
		Channels []Channel `json:"channels"`
	}
	if err := l.get(ctx, "/v1/channels", &result); err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindChannel, "lightning", "ListChannels",
			"channel list failed")
	}
	return result.Channels, nil
}

// OpenChannel opens a channel to a peer, returning the funding txid.
func (l *LightningService) OpenChannel(ctx context.Context, nodePubkey string, localAmountSat uint64) (string, error) {
	pubkeyRaw, err := hex.DecodeString(nodePubkey)
	if err != nil || len(pubkeyRaw) != 33 {
		return "", walleterr.E(walleterr.KindInvalidAddress, "lightning", "OpenChannel",
			"invalid node pubkey")
	}

	body := map[string]interface{}{
		"node_pubkey_string":   nodePubkey,
		"local_funding_amount": strconv.FormatUint(localAmountSat, 10),
	}

	var result struct {
		FundingTxidStr string `json:"funding_txid_str"`
	}
	if err := l.post(ctx, "/v1/channels", body, &result); err != nil {
		return "", walleterr.Wrap(err, walleterr.KindChannel, "lightning", "OpenChannel",
			"channel open failed")
	}
	return result.FundingTxidStr, nil
}

// CloseChannel initiates a cooperative close of the channel identified
// by its funding outpoint ("txid:index").
func (l *LightningService) CloseChannel(ctx context.Context, channelPoint string) error {
	txid, index, ok := strings.Cut(channelPoint, ":")
	if !ok {
		return walleterr.E(walleterr.KindChannel, "lightning", "CloseChannel",
			"channel point must be txid:index")
	}

	path := fmt.Sprintf("/v1/channels/%s/%s", txid, index)
	if err := l.del(ctx, path); err != nil {
		return walleterr.Wrap(err, walleterr.KindChannel, "lightning", "CloseChannel",
			"channel close failed")
	}
	return nil
}

// Payment is a settled or in-flight outgoing payment.
type Payment struct {
	PaymentHash    string `json:"payment_hash"`
	ValueSat       string `json:"value_sat"`
	FeeSat         string `json:"fee_sat"`
	Status         string `json:"status"`
	CreationTimeNs string `json:"creation_time_ns"`
}

// ListPayments returns outgoing payments.
func (l *LightningService) ListPayments(ctx context.Context) ([]Payment, error) {
	var result struct {
		Payments []Payment `json:"payments"`
	}
	if err := l.get(ctx, "/v1/payments", &result); err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindPayment, "lightning", "ListPayments",
			"payment list failed")
	}
	return result.Payments, nil
}

func (l *LightningService) get(ctx context.Context, path string, out interface{}) error {
	return l.do(ctx, http.MethodGet, path, nil, out)
}

func (l *LightningService) post(ctx context.Context, path string, body, out interface{}) error {
	return l.do(ctx, http.MethodPost, path, body, out)
}

func (l *LightningService) del(ctx context.Context, path string) error {
	return l.do(ctx, http.MethodDelete, path, nil, nil)
}

func (l *LightningService) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, l.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if l.macaroon != "" {
		req.Header.Set("Grpc-Metadata-macaroon", l.macaroon)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

var _ Service = (*LightningService)(nil)
