package chains

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	walleterr "github.com/helix-wallet/helixd/internal/errors"
	"github.com/helix-wallet/helixd/internal/wallet"
)

// fakeService is a controllable in-memory chain adapter.
type fakeService struct {
	chain     string
	createErr error
	balance   uint64
	valid     bool
	created   int
}

func (f *fakeService) Chain() string { return f.chain }

func (f *fakeService) CreateWallet(ctx context.Context, ownerDID string) (*ChainWallet, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created++
	return &ChainWallet{Chain: f.chain, Address: f.chain + "-addr"}, nil
}

func (f *fakeService) GetBalance(ctx context.Context, address string) (*Balance, error) {
	return &Balance{Chain: f.chain, Confirmed: f.balance}, nil
}

func (f *fakeService) SendTransaction(ctx context.Context, tx *wallet.Transaction) (string, error) {
	return f.chain + "-tx", nil
}

func (f *fakeService) ValidateAddress(ctx context.Context, address string) (bool, error) {
	return f.valid, nil
}

func (f *fakeService) Sync(ctx context.Context) error { return nil }

func TestCoordinatorUnsupportedChain(t *testing.T) {
	coord := NewCoordinator(nil)
	coord.Register(&fakeService{chain: ChainBitcoin})

	_, err := coord.Get("dogecoin")
	if err == nil {
		t.Fatal("expected error for unregistered chain")
	}
	if !walleterr.IsKind(err, walleterr.KindUnsupportedChain) {
		t.Errorf("kind = %s, want unsupported_chain", walleterr.KindOf(err))
	}
}

func TestCoordinatorCreateWallets(t *testing.T) {
	btc := &fakeService{chain: ChainBitcoin}
	ln := &fakeService{chain: ChainLightning}

	coord := NewCoordinator(nil)
	coord.Register(btc)
	coord.Register(ln)

	results, err := coord.CreateWallets(context.Background(), "did:example:alice",
		[]string{ChainBitcoin, ChainLightning})
	if err != nil {
		t.Fatalf("CreateWallets: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("got %d wallets, want 2", len(results))
	}
	if results[ChainBitcoin].Address != "bitcoin-addr" {
		t.Errorf("bitcoin address = %s", results[ChainBitcoin].Address)
	}
}

func TestCoordinatorCreateWalletsUnsupportedIsSideEffectFree(t *testing.T) {
	btc := &fakeService{chain: ChainBitcoin}

	coord := NewCoordinator(nil)
	coord.Register(btc)

	_, err := coord.CreateWallets(context.Background(), "did:example:alice",
		[]string{ChainBitcoin, "dogecoin"})
	if err == nil {
		t.Fatal("expected error for unsupported chain")
	}
	if btc.created != 0 {
		t.Errorf("bitcoin adapter was called %d times before the unsupported chain was rejected", btc.created)
	}
}

func TestCoordinatorCreateWalletsFirstFailureNamesChain(t *testing.T) {
	coord := NewCoordinator(nil)
	coord.Register(&fakeService{chain: ChainBitcoin})
	coord.Register(&fakeService{chain: ChainAsset, createErr: fmt.Errorf("node down")})

	_, err := coord.CreateWallets(context.Background(), "did:example:alice",
		[]string{ChainBitcoin, ChainAsset})
	if err == nil {
		t.Fatal("expected error when one chain fails")
	}

	var werr *walleterr.Error
	if !errors.As(err, &werr) {
		t.Fatalf("error is not a typed error: %v", err)
	}
	if werr.Metadata["chain"] != ChainAsset {
		t.Errorf("failing chain = %q, want %q", werr.Metadata["chain"], ChainAsset)
	}
}

func TestCoordinatorValidateAddresses(t *testing.T) {
	coord := NewCoordinator(nil)
	coord.Register(&fakeService{chain: ChainBitcoin, valid: true})
	coord.Register(&fakeService{chain: ChainLightning, valid: false})

	err := coord.ValidateAddresses(context.Background(), map[string]string{
		ChainBitcoin: "bc1qok",
	})
	if err != nil {
		t.Fatalf("valid address rejected: %v", err)
	}

	err = coord.ValidateAddresses(context.Background(), map[string]string{
		ChainBitcoin:   "bc1qok",
		ChainLightning: "not-a-pubkey",
	})
	if !walleterr.IsKind(err, walleterr.KindInvalidAddress) {
		t.Errorf("kind = %s, want invalid_address", walleterr.KindOf(err))
	}
}

func TestCoordinatorSupportedChains(t *testing.T) {
	coord := NewCoordinator(nil)
	coord.Register(&fakeService{chain: ChainLightning})
	coord.Register(&fakeService{chain: ChainBitcoin})

	chains := coord.SupportedChains()
	if len(chains) != 2 || chains[0] != ChainBitcoin || chains[1] != ChainLightning {
		t.Errorf("SupportedChains() = %v, want sorted [bitcoin lightning]", chains)
	}
}

func newBitcoinTestServer(t *testing.T, handlers map[string]interface{}) (*httptest.Server, *BitcoinService) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64        `json:"id"`
			Method string        `json:"method"`
			Params []interface{} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}

		result, ok := handlers[req.Method]
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"id":    req.ID,
				"error": map[string]interface{}{"code": -32601, "message": "method not found"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     req.ID,
			"result": result,
		})
	}))
	t.Cleanup(srv.Close)

	return srv, NewBitcoinService(srv.URL, "user", "pass", false)
}

func TestBitcoinGetBalance(t *testing.T) {
	_, svc := newBitcoinTestServer(t, map[string]interface{}{
		"scantxoutset": map[string]interface{}{
			"success":      true,
			"total_amount": 1.5,
		},
	})

	bal, err := svc.GetBalance(context.Background(), "bc1qexample")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.Confirmed != 150_000_000 {
		t.Errorf("balance = %d sat, want 150000000", bal.Confirmed)
	}
	if bal.Symbol != "BTC" {
		t.Errorf("symbol = %s, want BTC", bal.Symbol)
	}
}

func TestBitcoinEstimateSmartFee(t *testing.T) {
	_, svc := newBitcoinTestServer(t, map[string]interface{}{
		"estimatesmartfee": map[string]interface{}{
			"feerate": 0.0001, // BTC/kB -> 10 sat/vB
			"blocks":  3,
		},
	})

	rate, err := svc.EstimateSmartFee(context.Background(), 3, "CONSERVATIVE")
	if err != nil {
		t.Fatalf("EstimateSmartFee: %v", err)
	}
	if rate != 0.0001 {
		t.Errorf("feerate = %v, want 0.0001", rate)
	}
}

func TestBitcoinEstimateSmartFeeNoEstimate(t *testing.T) {
	_, svc := newBitcoinTestServer(t, map[string]interface{}{
		"estimatesmartfee": map[string]interface{}{
			"errors": []string{"Insufficient data or no feerate found"},
		},
	})

	_, err := svc.EstimateSmartFee(context.Background(), 1, "")
	if !walleterr.IsKind(err, walleterr.KindFeeEstimation) {
		t.Errorf("kind = %s, want fee_estimation", walleterr.KindOf(err))
	}
}

func TestBitcoinSendTransaction(t *testing.T) {
	_, svc := newBitcoinTestServer(t, map[string]interface{}{
		"sendtoaddress": "deadbeef00000000000000000000000000000000000000000000000000000000",
	})

	txID, err := svc.SendTransaction(context.Background(), &wallet.Transaction{
		Type:      wallet.TxSend,
		ToAddress: "bc1qexample",
		Amount:    100_000,
		Chain:     ChainBitcoin,
	})
	if err != nil {
		t.Fatalf("SendTransaction: %v", err)
	}
	if len(txID) != 64 {
		t.Errorf("txid = %q", txID)
	}
}

func TestBitcoinValidateAddress(t *testing.T) {
	svc := NewBitcoinService("http://127.0.0.1:8332", "", "", false)

	tests := []struct {
		address string
		want    bool
	}{
		{"bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", true},
		{"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", true},
		{"tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", false}, // testnet addr on mainnet
		{"", false},
		{"notanaddress", false},
	}

	for _, tc := range tests {
		ok, err := svc.ValidateAddress(context.Background(), tc.address)
		if err != nil {
			t.Fatalf("ValidateAddress(%q): %v", tc.address, err)
		}
		if ok != tc.want {
			t.Errorf("ValidateAddress(%q) = %v, want %v", tc.address, ok, tc.want)
		}
	}
}

func TestBitcoinCreateWallet(t *testing.T) {
	svc := NewBitcoinService("http://127.0.0.1:8332", "", "", false)

	cw, err := svc.CreateWallet(context.Background(), "did:example:alice")
	if err != nil {
		t.Fatalf("CreateWallet: %v", err)
	}

	ok, err := svc.ValidateAddress(context.Background(), cw.Address)
	if err != nil || !ok {
		t.Errorf("generated address %q failed validation", cw.Address)
	}
	if _, err := hex.DecodeString(cw.Extra["privateKey"]); err != nil {
		t.Errorf("private key is not hex: %v", err)
	}
}

func TestLightningValidateAddress(t *testing.T) {
	svc := NewLightningService("http://127.0.0.1:8080", "")

	valid := "02eec7245d6b7d2ccb30380bfbe2a3648cd7a942653f5aa340edcea1f283686619"
	ok, _ := svc.ValidateAddress(context.Background(), valid)
	if !ok {
		t.Errorf("valid node pubkey rejected")
	}

	for _, bad := range []string{"", "zz", valid[:20], "04" + valid[2:]} {
		ok, _ := svc.ValidateAddress(context.Background(), bad)
		if ok {
			t.Errorf("ValidateAddress(%q) = true, want false", bad)
		}
	}
}

func TestLightningSendTransactionRequiresInvoice(t *testing.T) {
	svc := NewLightningService("http://127.0.0.1:8080", "")

	_, err := svc.SendTransaction(context.Background(), &wallet.Transaction{
		Type:  wallet.TxChannelPayment,
		Chain: ChainLightning,
	})
	if !walleterr.IsKind(err, walleterr.KindValidation) {
		t.Errorf("kind = %s, want validation", walleterr.KindOf(err))
	}
}

func TestLightningPayInvoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/channels/transactions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"payment_hash": "abc123"})
	}))
	defer srv.Close()

	svc := NewLightningService(srv.URL, "macaroonhex")
	hash, err := svc.SendTransaction(context.Background(), &wallet.Transaction{
		Type:    wallet.TxChannelPayment,
		Chain:   ChainLightning,
		Amount:  1000,
		Invoice: "lnbc10u1pexample",
	})
	if err != nil {
		t.Fatalf("SendTransaction: %v", err)
	}
	if hash != "abc123" {
		t.Errorf("payment hash = %s", hash)
	}
}

func TestAssetTransferRequiresAssetID(t *testing.T) {
	svc := NewAssetService("http://127.0.0.1:3000", false)

	_, err := svc.SendTransaction(context.Background(), &wallet.Transaction{
		Type:  wallet.TxAssetTransfer,
		Chain: ChainAsset,
	})
	if !walleterr.IsKind(err, walleterr.KindValidation) {
		t.Errorf("kind = %s, want validation", walleterr.KindOf(err))
	}
}

func TestAssetTransfer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64                 `json:"id"`
			Method string                 `json:"method"`
			Params map[string]interface{} `json:"params"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		if req.Method != "transfer_asset" {
			t.Errorf("method = %s", req.Method)
		}
		if req.Params["asset_id"] != "asset-1" {
			t.Errorf("asset_id = %v", req.Params["asset_id"])
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     req.ID,
			"result": map[string]interface{}{"transfer_id": "xfer-1", "status": "pending"},
		})
	}))
	defer srv.Close()

	svc := NewAssetService(srv.URL, false)
	id, err := svc.SendTransaction(context.Background(), &wallet.Transaction{
		Type:      wallet.TxAssetTransfer,
		Chain:     ChainAsset,
		Amount:    50,
		AssetID:   "asset-1",
		ToAddress: "utxob:recipientblind",
	})
	if err != nil {
		t.Fatalf("SendTransaction: %v", err)
	}
	if id != "xfer-1" {
		t.Errorf("transfer id = %s", id)
	}
}

func TestAssetValidateAddress(t *testing.T) {
	svc := NewAssetService("http://127.0.0.1:3000", false)

	tests := []struct {
		address string
		want    bool
	}{
		{"utxob:blindedreceive123", true},
		{"rgb:someconsignment00", true},
		{"bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", true},
		{"utxob:", false},
		{"", false},
	}

	for _, tc := range tests {
		ok, _ := svc.ValidateAddress(context.Background(), tc.address)
		if ok != tc.want {
			t.Errorf("ValidateAddress(%q) = %v, want %v", tc.address, ok, tc.want)
		}
	}
}

func TestC32AddressRoundTrip(t *testing.T) {
	hash := make([]byte, 20)
	for i := range hash {
		hash[i] = byte(i * 7)
	}

	addr := c32Address(c32VersionMainnet, hash)
	if addr[:2] != "SP" {
		t.Fatalf("mainnet address = %q, want SP prefix", addr)
	}

	version, decoded, err := c32Decode(addr)
	if err != nil {
		t.Fatalf("c32Decode: %v", err)
	}
	if version != c32VersionMainnet {
		t.Errorf("version = %d, want %d", version, c32VersionMainnet)
	}
	if hex.EncodeToString(decoded) != hex.EncodeToString(hash) {
		t.Errorf("hash round trip mismatch")
	}
}

func TestC32DecodeRejectsCorruption(t *testing.T) {
	hash := make([]byte, 20)
	addr := c32Address(c32VersionTestnet, hash)

	// Flip one payload character.
	corrupted := []byte(addr)
	if corrupted[len(corrupted)-1] == 'A' {
		corrupted[len(corrupted)-1] = 'B'
	} else {
		corrupted[len(corrupted)-1] = 'A'
	}

	if _, _, err := c32Decode(string(corrupted)); err == nil {
		t.Error("corrupted address passed checksum")
	}
	if _, _, err := c32Decode("notanaddress"); err == nil {
		t.Error("garbage decoded without error")
	}
}

func TestContractServiceCreateAndValidate(t *testing.T) {
	svc := NewContractService("https://api.example.com", "", false)

	cw, err := svc.CreateWallet(context.Background(), "did:example:alice")
	if err != nil {
		t.Fatalf("CreateWallet: %v", err)
	}

	ok, err := svc.ValidateAddress(context.Background(), cw.Address)
	if err != nil || !ok {
		t.Errorf("generated address %q failed validation", cw.Address)
	}

	// Mainnet address on a testnet service must fail.
	testnetSvc := NewContractService("https://api.example.com", "", true)
	ok, _ = testnetSvc.ValidateAddress(context.Background(), cw.Address)
	if ok {
		t.Error("mainnet address accepted on testnet")
	}
}

func TestContractGetBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/accounts/SPEXAMPLE" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"balance": "0x0000000000000000000000000001e240", // 123456
			"nonce":   7,
		})
	}))
	defer srv.Close()

	svc := NewContractService(srv.URL, "", false)
	bal, err := svc.GetBalance(context.Background(), "SPEXAMPLE")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.Confirmed != 123456 {
		t.Errorf("balance = %d, want 123456", bal.Confirmed)
	}
	if bal.Symbol != "STX" {
		t.Errorf("symbol = %s, want STX", bal.Symbol)
	}
}

func TestBitcoinGetTransactionRejectsMalformedID(t *testing.T) {
	svc := NewBitcoinService("http://127.0.0.1:0", "u", "p", false)

	_, err := svc.GetTransaction(context.Background(), "not-a-txid")
	if !walleterr.IsKind(err, walleterr.KindValidation) {
		t.Errorf("kind = %s, want validation", walleterr.KindOf(err))
	}
}

func TestBitcoinGetTransactionDetail(t *testing.T) {
	txid := strings.Repeat("ab", 32)
	_, svc := newBitcoinTestServer(t, map[string]interface{}{
		"gettransaction": map[string]interface{}{
			"txid":               txid,
			"confirmations":      3,
			"blockhash":          "000000000000000000012345",
			"blockheight":        850_123,
			"blocktime":          1_700_000_000,
			"fee":                -0.00001,
			"bip125-replaceable": "yes",
			"decoded": map[string]interface{}{
				"vsize": 141,
				"vin": []map[string]interface{}{
					{"txid": strings.Repeat("cd", 32), "vout": 1},
				},
				"vout": []map[string]interface{}{
					{"value": 0.001, "scriptPubKey": map[string]interface{}{"address": "bc1qdest"}},
					{"value": 0.0005, "scriptPubKey": map[string]interface{}{"address": "bc1qchange"}},
				},
			},
		},
	})

	detail, err := svc.GetTransaction(context.Background(), txid)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if detail.Confirmations != 3 || detail.BlockHeight != 850_123 {
		t.Errorf("confirmations = %d height = %d", detail.Confirmations, detail.BlockHeight)
	}
	if detail.Fee != -1000 {
		t.Errorf("fee = %d sat, want -1000", detail.Fee)
	}
	if detail.Size != 141 {
		t.Errorf("size = %d, want 141", detail.Size)
	}
	if !detail.Replaceable {
		t.Error("transaction should be marked replaceable")
	}
	if len(detail.Inputs) != 1 || detail.Inputs[0].Vout != 1 {
		t.Errorf("inputs = %+v", detail.Inputs)
	}
	if len(detail.Outputs) != 2 {
		t.Fatalf("outputs = %+v", detail.Outputs)
	}
	if detail.Outputs[0].Value != 100_000 || detail.Outputs[0].Address != "bc1qdest" {
		t.Errorf("output 0 = %+v", detail.Outputs[0])
	}
}
