package chains

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	walleterr "github.com/helix-wallet/helixd/internal/errors"
	"github.com/helix-wallet/helixd/internal/wallet"
	"github.com/helix-wallet/helixd/pkg/logging"
)

// Contract chain address versions (single-sig).
const (
	c32VersionMainnet = 22 // addresses start with SP
	c32VersionTestnet = 26 // addresses start with ST
)

const c32Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// ContractService talks to a contract-chain node over its REST API.
type ContractService struct {
	baseURL    string
	authToken  string
	testnet    bool
	httpClient *http.Client
	mu         sync.RWMutex
	connected  bool
	log        *logging.Logger
}

// NewContractService creates a contract-chain service.
func NewContractService(baseURL, authToken string, testnet bool) *ContractService {
	return &ContractService{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		authToken: authToken,
		testnet:   testnet,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: logging.GetDefault().Component("contract"),
	}
}

// Chain returns ChainContract.
func (c *ContractService) Chain() string {
	return ChainContract
}

// Connect verifies the node is reachable.
func (c *ContractService) Connect(ctx context.Context) error {
	var info struct {
		StacksTipHeight int64 `json:"stacks_tip_height"`
	}
	if err := c.get(ctx, "/v2/info", &info); err != nil {
		return walleterr.Wrap(err, walleterr.KindNodeConnection, "contract", "Connect",
			"node unreachable at "+c.baseURL)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// IsConnected returns true after a successful Connect.
func (c *ContractService) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Close marks the service disconnected.
func (c *ContractService) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

// CreateWallet generates a keypair and derives its c32 address.
func (c *ContractService) CreateWallet(ctx context.Context, ownerDID string) (*ChainWallet, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindKeyManagement, "contract", "CreateWallet",
			"key generation failed")
	}

	version := byte(c32VersionMainnet)
	if c.testnet {
		version = c32VersionTestnet
	}
	pubKeyHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr := c32Address(version, pubKeyHash)

	return &ChainWallet{
		Chain:   ChainContract,
		Address: addr,
		Extra: map[string]string{
			"publicKey":  hex.EncodeToString(priv.PubKey().SerializeCompressed()),
			"privateKey": hex.EncodeToString(priv.Serialize()),
		},
	}, nil
}

// AccountInfo is the node's view of an account.
type AccountInfo struct {
	Balance string `json:"balance"` // hex-encoded microunits
	Nonce   uint64 `json:"nonce"`
}

// GetAccount returns balance and nonce for an address.
func (c *ContractService) GetAccount(ctx context.Context, address string) (*AccountInfo, error) {
	var info AccountInfo
	err := withRetry(ctx, func() error {
		return c.get(ctx, "/v2/accounts/"+address+"?proof=0", &info)
	})
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindNodeConnection, "contract", "GetAccount",
			"account query failed").WithMeta("address", address)
	}
	return &info, nil
}

// GetBalance returns the account balance in microunits.
func (c *ContractService) GetBalance(ctx context.Context, address string) (*Balance, error) {
	info, err := c.GetAccount(ctx, address)
	if err != nil {
		return nil, err
	}

	raw := strings.TrimPrefix(info.Balance, "0x")
	balance, ok := new(big.Int).SetString(raw, 16)
	if !ok {
		return nil, fmt.Errorf("failed to parse balance %q", info.Balance)
	}

	return &Balance{
		Chain:     ChainContract,
		Symbol:    "STX",
		Confirmed: balance.Uint64(),
	}, nil
}

// SendTransaction submits a token transfer or contract call to the
// node.
func (c *ContractService) SendTransaction(ctx context.Context, tx *wallet.Transaction) (string, error) {
	if tx.ContractAddress == "" && tx.Type == wallet.TxContractCall {
		return "", walleterr.E(walleterr.KindValidation, "contract", "SendTransaction",
			"contract call requires a contract address")
	}

	payload := map[string]interface{}{
		"sender":    tx.FromAddress,
		"recipient": tx.ToAddress,
		"amount":    tx.Amount,
		"fee":       tx.FeeAmount,
	}
	if tx.ContractAddress != "" {
		payload["contract_id"] = tx.ContractAddress
	}

	var result struct {
		TxID string `json:"txid"`
	}
	if err := c.post(ctx, "/v2/transactions", payload, &result); err != nil {
		return "", walleterr.Wrap(err, walleterr.KindTransaction, "contract", "SendTransaction",
			"broadcast failed")
	}
	return result.TxID, nil
}

// ContractInfo is a deployed contract's source and interface.
type ContractInfo struct {
	Source      string `json:"source"`
	PublishTxID string `json:"publish_txid"`
}

// GetContract returns a deployed contract by principal and name.
func (c *ContractService) GetContract(ctx context.Context, address, name string) (*ContractInfo, error) {
	var info ContractInfo
	path := fmt.Sprintf("/v2/contracts/source/%s/%s?proof=0", address, name)
	if err := c.get(ctx, path, &info); err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindNetwork, "contract", "GetContract",
			"contract lookup failed").WithMeta("contract", address+"."+name)
	}
	return &info, nil
}

// TransferFee returns the node's flat transfer fee estimate in
// microunits per byte.
func (c *ContractService) TransferFee(ctx context.Context) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/fees/transfer", nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, walleterr.Wrap(err, walleterr.KindFeeEstimation, "contract", "TransferFee",
			"fee query failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}

	var fee uint64
	if err := json.Unmarshal(bytes.TrimSpace(body), &fee); err != nil {
		return 0, fmt.Errorf("failed to parse fee estimate: %w", err)
	}
	return fee, nil
}

// ValidateAddress decodes the c32 address and verifies its checksum
// and network version.
func (c *ContractService) ValidateAddress(ctx context.Context, address string) (bool, error) {
	version, _, err := c32Decode(address)
	if err != nil {
		return false, nil
	}
	if c.testnet {
		return version == c32VersionTestnet, nil
	}
	return version == c32VersionMainnet, nil
}

// Sync confirms the node is advancing.
func (c *ContractService) Sync(ctx context.Context) error {
	var info struct {
		StacksTipHeight int64 `json:"stacks_tip_height"`
	}
	if err := c.get(ctx, "/v2/info", &info); err != nil {
		return walleterr.Wrap(err, walleterr.KindSync, "contract", "Sync",
			"info query failed")
	}
	c.log.Debug("Chain tip updated", "height", info.StacksTipHeight)
	return nil
}

func (c *ContractService) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *ContractService) post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *ContractService) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
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

// c32Address encodes a version byte and hash160 into a c32check
// address.
func c32Address(version byte, hash []byte) string {
	checksum := c32Checksum(version, hash)
	payload := make([]byte, 0, len(hash)+4)
	payload = append(payload, hash...)
	payload = append(payload, checksum...)
	return "S" + string(c32Alphabet[version]) + c32Encode(payload)
}

// c32Decode parses a c32check address, returning the version byte and
// hash160. The checksum must match.
func c32Decode(address string) (byte, []byte, error) {
	if len(address) < 6 || address[0] != 'S' {
		return 0, nil, fmt.Errorf("not a c32check address")
	}

	version := strings.IndexByte(c32Alphabet, address[1])
	if version < 0 {
		return 0, nil, fmt.Errorf("invalid version character %q", address[1])
	}

	payload, err := c32DecodeBody(address[2:], 24)
	if err != nil {
		return 0, nil, err
	}

	hash, checksum := payload[:20], payload[20:]
	want := c32Checksum(byte(version), hash)
	if !bytes.Equal(checksum, want) {
		return 0, nil, fmt.Errorf("checksum mismatch")
	}
	return byte(version), hash, nil
}

func c32Checksum(version byte, hash []byte) []byte {
	first := sha256.Sum256(append([]byte{version}, hash...))
	second := sha256.Sum256(first[:])
	return second[:4]
}

// c32Encode encodes bytes in Crockford base32. Leading zero bytes map
// to leading '0' characters.
func c32Encode(data []byte) string {
	zeros := 0
	for zeros < len(data) && data[zeros] == 0 {
		zeros++
	}

	n := new(big.Int).SetBytes(data)
	base := big.NewInt(32)
	mod := new(big.Int)

	var out []byte
	for n.Sign() > 0 {
		n.DivMod(n, base, mod)
		out = append(out, c32Alphabet[mod.Int64()])
	}
	for i := 0; i < zeros; i++ {
		out = append(out, '0')
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

// c32DecodeBody decodes a c32 string into exactly size bytes.
func c32DecodeBody(s string, size int) ([]byte, error) {
	n := new(big.Int)
	base := big.NewInt(32)

	zeros := 0
	for zeros < len(s) && s[zeros] == '0' {
		zeros++
	}

	for i := 0; i < len(s); i++ {
		idx := strings.IndexByte(c32Alphabet, s[i])
		if idx < 0 {
			return nil, fmt.Errorf("invalid c32 character %q", s[i])
		}
		n.Mul(n, base)
		n.Add(n, big.NewInt(int64(idx)))
	}

	raw := n.Bytes()
	if zeros+len(raw) > size {
		return nil, fmt.Errorf("payload too long")
	}

	out := make([]byte, size)
	copy(out[size-len(raw):], raw)
	return out, nil
}

var _ Service = (*ContractService)(nil)
