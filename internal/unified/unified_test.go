package unified

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/helix-wallet/helixd/internal/chains"
	"github.com/helix-wallet/helixd/internal/crypto"
	walleterr "github.com/helix-wallet/helixd/internal/errors"
	"github.com/helix-wallet/helixd/internal/history"
	"github.com/helix-wallet/helixd/internal/record"
	"github.com/helix-wallet/helixd/internal/wallet"
)

const testOwner = "did:example:alice"

type stubChain struct {
	chain     string
	createErr error
	sendErr   error
	created   int
	sent      int
}

func (s *stubChain) Chain() string { return s.chain }

func (s *stubChain) CreateWallet(ctx context.Context, ownerDID string) (*chains.ChainWallet, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.created++
	return &chains.ChainWallet{
		Chain:   s.chain,
		Address: s.chain + "-addr-" + fmt.Sprint(s.created),
		Extra:   map[string]string{"privateKey": "deadbeef", "publicKey": "02abcd"},
	}, nil
}

func (s *stubChain) GetBalance(ctx context.Context, address string) (*chains.Balance, error) {
	return &chains.Balance{Chain: s.chain, Confirmed: 1000}, nil
}

func (s *stubChain) SendTransaction(ctx context.Context, tx *wallet.Transaction) (string, error) {
	if s.sendErr != nil {
		return "", s.sendErr
	}
	s.sent++
	return s.chain + "-txid", nil
}

func (s *stubChain) ValidateAddress(ctx context.Context, address string) (bool, error) {
	return strings.HasPrefix(address, s.chain+"-addr"), nil
}

func (s *stubChain) Sync(ctx context.Context) error { return nil }

type fixture struct {
	svc  *Service
	repo *wallet.Repository
	hist *history.Service
	btc  *stubChain
	ln   *stubChain
	auth *MapAuthenticator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := record.New(&record.Config{
		DataDir:       t.TempDir(),
		CacheCapacity: 100,
		Compression:   true,
	})
	if err != nil {
		t.Fatalf("failed to open record store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	repo := wallet.NewRepository(store)
	coord := chains.NewCoordinator(repo)
	btc := &stubChain{chain: chains.ChainBitcoin}
	ln := &stubChain{chain: chains.ChainLightning}
	coord.Register(btc)
	coord.Register(ln)

	cryptoSvc, err := crypto.NewService()
	if err != nil {
		t.Fatalf("failed to create crypto service: %v", err)
	}
	t.Cleanup(cryptoSvc.Close)

	auth := NewMapAuthenticator()
	if err := auth.Register(testOwner, "hunter2"); err != nil {
		t.Fatalf("failed to register credential: %v", err)
	}

	hist := history.NewService(store, nil)
	svc := New(repo, coord, cryptoSvc, hist, auth)
	return &fixture{svc: svc, repo: repo, hist: hist, btc: btc, ln: ln, auth: auth}
}

func TestCreateMultiChainWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mcw, err := f.svc.CreateMultiChainWallet(ctx, testOwner, "main", nil)
	if err != nil {
		t.Fatalf("CreateMultiChainWallet: %v", err)
	}

	words := strings.Fields(mcw.Mnemonic)
	if len(words) != 12 {
		t.Errorf("mnemonic has %d words, want 12", len(words))
	}
	if len(mcw.Wallets) != 2 {
		t.Fatalf("got %d wallets, want 2", len(mcw.Wallets))
	}

	for _, w := range mcw.Wallets {
		if w.ID == "" {
			t.Error("wallet was not persisted with an id")
		}
		if w.Metadata["privateKey"] != "" {
			t.Error("private key left in plaintext metadata")
		}
		if w.EncryptedData == "" {
			t.Error("sensitive metadata was not sealed")
		}
		if w.Metadata["publicKey"] == "" {
			t.Error("public metadata should survive sealing")
		}
	}

	persisted, err := f.repo.ListWallets(ctx, testOwner)
	if err != nil {
		t.Fatalf("ListWallets: %v", err)
	}
	if len(persisted) != 2 {
		t.Errorf("persisted %d wallets, want 2", len(persisted))
	}
}

func TestCreateMultiChainWalletChainFailureLeavesNoState(t *testing.T) {
	f := newFixture(t)
	f.ln.createErr = fmt.Errorf("node down")

	_, err := f.svc.CreateMultiChainWallet(context.Background(), testOwner, "main",
		[]string{chains.ChainBitcoin, chains.ChainLightning})
	if err == nil {
		t.Fatal("expected error when one chain fails")
	}

	persisted, _ := f.repo.ListWallets(context.Background(), testOwner)
	if len(persisted) != 0 {
		t.Errorf("%d wallets persisted despite chain failure", len(persisted))
	}
}

func TestCreateMultiChainWalletRequiresOwner(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateMultiChainWallet(context.Background(), "", "main", nil)
	if !walleterr.IsKind(err, walleterr.KindValidation) {
		t.Errorf("kind = %s, want validation", walleterr.KindOf(err))
	}
}

func TestGetBalances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CreateMultiChainWallet(ctx, testOwner, "main", nil); err != nil {
		t.Fatalf("CreateMultiChainWallet: %v", err)
	}

	balances, err := f.svc.GetBalances(ctx, testOwner)
	if err != nil {
		t.Fatalf("GetBalances: %v", err)
	}
	if len(balances) != 2 {
		t.Fatalf("got %d balances, want 2", len(balances))
	}
	if balances[chains.ChainBitcoin].Confirmed != 1000 {
		t.Errorf("bitcoin balance = %d", balances[chains.ChainBitcoin].Confirmed)
	}
}

func TestUnlockLockCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if f.svc.IsUnlocked(testOwner) {
		t.Error("owner unlocked before authentication")
	}

	err := f.svc.UnlockWallet(ctx, testOwner, "wrong-password")
	if !walleterr.IsKind(err, walleterr.KindAuthentication) {
		t.Errorf("kind = %s, want authentication", walleterr.KindOf(err))
	}
	if f.svc.IsUnlocked(testOwner) {
		t.Error("failed unlock opened a session")
	}

	if err := f.svc.UnlockWallet(ctx, testOwner, "hunter2"); err != nil {
		t.Fatalf("UnlockWallet: %v", err)
	}
	if !f.svc.IsUnlocked(testOwner) {
		t.Error("owner still locked after unlock")
	}

	f.svc.LockWallet(testOwner)
	if f.svc.IsUnlocked(testOwner) {
		t.Error("owner unlocked after lock")
	}
}

func TestGetDecryptedMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mcw, err := f.svc.CreateMultiChainWallet(ctx, testOwner, "main", []string{chains.ChainBitcoin})
	if err != nil {
		t.Fatalf("CreateMultiChainWallet: %v", err)
	}
	id := mcw.Wallets[0].ID

	// Locked owners cannot read sealed metadata.
	_, err = f.svc.GetDecryptedMetadata(ctx, testOwner, id)
	if !walleterr.IsKind(err, walleterr.KindAuthentication) {
		t.Fatalf("kind = %s, want authentication", walleterr.KindOf(err))
	}

	if err := f.svc.UnlockWallet(ctx, testOwner, "hunter2"); err != nil {
		t.Fatalf("UnlockWallet: %v", err)
	}

	metadata, err := f.svc.GetDecryptedMetadata(ctx, testOwner, id)
	if err != nil {
		t.Fatalf("GetDecryptedMetadata: %v", err)
	}
	if metadata["privateKey"] != "deadbeef" {
		t.Errorf("privateKey = %q, want deadbeef", metadata["privateKey"])
	}

	// The stored wallet stays sealed.
	stored, err := f.repo.GetWallet(ctx, id)
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if stored.Metadata["privateKey"] != "" {
		t.Error("private key leaked into stored plaintext metadata")
	}

	// Unlocking does not open other owners' wallets.
	if err := f.auth.Register("did:example:mallory", "s3cret"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := f.svc.UnlockWallet(ctx, "did:example:mallory", "s3cret"); err != nil {
		t.Fatalf("UnlockWallet: %v", err)
	}
	_, err = f.svc.GetDecryptedMetadata(ctx, "did:example:mallory", id)
	if !walleterr.IsKind(err, walleterr.KindAuthorization) {
		t.Errorf("kind = %s, want authorization", walleterr.KindOf(err))
	}
}

func TestSendTransactionRequiresUnlock(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SendTransaction(context.Background(), testOwner, &wallet.Transaction{
		Type:      wallet.TxSend,
		ToAddress: "bitcoin-addr-x",
		Amount:    100,
		Chain:     chains.ChainBitcoin,
	})
	if !walleterr.IsKind(err, walleterr.KindAuthentication) {
		t.Errorf("kind = %s, want authentication", walleterr.KindOf(err))
	}
}

func TestSendTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mcw, err := f.svc.CreateMultiChainWallet(ctx, testOwner, "main", []string{chains.ChainBitcoin})
	if err != nil {
		t.Fatalf("CreateMultiChainWallet: %v", err)
	}
	if err := f.svc.UnlockWallet(ctx, testOwner, "hunter2"); err != nil {
		t.Fatalf("UnlockWallet: %v", err)
	}

	id, err := f.svc.SendTransaction(ctx, testOwner, &wallet.Transaction{
		Type:        wallet.TxSend,
		FromAddress: mcw.Wallets[0].Address,
		ToAddress:   "bc1qdest",
		Amount:      500,
		Chain:       chains.ChainBitcoin,
	})
	if err != nil {
		t.Fatalf("SendTransaction: %v", err)
	}
	if f.btc.sent != 1 {
		t.Errorf("adapter sent %d transactions, want 1", f.btc.sent)
	}

	txs, err := f.hist.GetTransactionHistory(ctx, testOwner, nil)
	if err != nil {
		t.Fatalf("GetTransactionHistory: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("ledger has %d entries, want 1", len(txs))
	}
	if txs[0].ID != id {
		t.Errorf("ledger id = %s, want %s", txs[0].ID, id)
	}
	if txs[0].Status != wallet.StatusConfirming {
		t.Errorf("status = %s, want confirming after broadcast", txs[0].Status)
	}
	if txs[0].WalletID != mcw.Wallets[0].ID {
		t.Errorf("wallet id = %s, want %s", txs[0].WalletID, mcw.Wallets[0].ID)
	}
}

func TestSendTransactionRejectsForeignSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.UnlockWallet(ctx, testOwner, "hunter2"); err != nil {
		t.Fatalf("UnlockWallet: %v", err)
	}

	_, err := f.svc.SendTransaction(ctx, testOwner, &wallet.Transaction{
		Type:        wallet.TxSend,
		FromAddress: "bitcoin-addr-unowned",
		ToAddress:   "bc1qdest",
		Amount:      500,
		Chain:       chains.ChainBitcoin,
	})
	if !walleterr.IsKind(err, walleterr.KindAuthorization) {
		t.Errorf("kind = %s, want authorization", walleterr.KindOf(err))
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mcw, err := f.svc.CreateMultiChainWallet(ctx, testOwner, "main", nil)
	if err != nil {
		t.Fatalf("CreateMultiChainWallet: %v", err)
	}

	backup, err := f.svc.BackupWallets(ctx, testOwner, "backup-pass")
	if err != nil {
		t.Fatalf("BackupWallets: %v", err)
	}

	// Restore into a fresh deployment.
	g := newFixture(t)
	restored, err := g.svc.RestoreWallets(ctx, testOwner, "backup-pass", backup)
	if err != nil {
		t.Fatalf("RestoreWallets: %v", err)
	}
	if len(restored) != len(mcw.Wallets) {
		t.Fatalf("restored %d wallets, want %d", len(restored), len(mcw.Wallets))
	}

	// Restoring again is idempotent: addresses already exist.
	again, err := g.svc.RestoreWallets(ctx, testOwner, "backup-pass", backup)
	if err != nil {
		t.Fatalf("second RestoreWallets: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second restore imported %d wallets, want 0", len(again))
	}
}

func TestRestoreRejectsWrongPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CreateMultiChainWallet(ctx, testOwner, "main", nil); err != nil {
		t.Fatalf("CreateMultiChainWallet: %v", err)
	}
	backup, err := f.svc.BackupWallets(ctx, testOwner, "backup-pass")
	if err != nil {
		t.Fatalf("BackupWallets: %v", err)
	}

	g := newFixture(t)
	_, err = g.svc.RestoreWallets(ctx, testOwner, "wrong-pass", backup)
	if !walleterr.IsKind(err, walleterr.KindDecryption) {
		t.Errorf("kind = %s, want decryption", walleterr.KindOf(err))
	}
}

func TestRestoreRejectsWrongOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CreateMultiChainWallet(ctx, testOwner, "main", nil); err != nil {
		t.Fatalf("CreateMultiChainWallet: %v", err)
	}
	backup, err := f.svc.BackupWallets(ctx, testOwner, "backup-pass")
	if err != nil {
		t.Fatalf("BackupWallets: %v", err)
	}

	_, err = f.svc.RestoreWallets(ctx, "did:example:mallory", "backup-pass", backup)
	if !walleterr.IsKind(err, walleterr.KindAuthorization) {
		t.Errorf("kind = %s, want authorization", walleterr.KindOf(err))
	}
}

func TestRestoreRejectsGarbage(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RestoreWallets(context.Background(), testOwner, "pass", "not-base64!!!")
	if !walleterr.IsKind(err, walleterr.KindBackupRestoration) {
		t.Errorf("kind = %s, want backup_restoration", walleterr.KindOf(err))
	}
}

func TestRestoreValidatesEveryWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Two wallets on the same chain, the second with a bad address.
	wallets := []*wallet.Wallet{
		{Name: "good", Type: wallet.TypeBitcoin, OwnerDID: testOwner, Address: "bitcoin-addr-1"},
		{Name: "bad", Type: wallet.TypeBitcoin, OwnerDID: testOwner, Address: "bogus"},
	}
	backup := buildBackup(t, f, testOwner, "backup-pass", wallets)

	_, err := f.svc.RestoreWallets(ctx, testOwner, "backup-pass", backup)
	if !walleterr.IsKind(err, walleterr.KindBackupRestoration) {
		t.Fatalf("kind = %s, want backup_restoration", walleterr.KindOf(err))
	}

	// Nothing was persisted, not even the valid wallet.
	persisted, err := f.repo.ListWallets(ctx, testOwner)
	if err != nil {
		t.Fatalf("ListWallets: %v", err)
	}
	if len(persisted) != 0 {
		t.Errorf("restore persisted %d wallets, want 0", len(persisted))
	}
}

func TestRestoreRejectsNewerVersion(t *testing.T) {
	f := newFixture(t)

	envelope := backupEnvelope{
		Version:   BackupVersion + 1,
		Timestamp: time.Now().UTC(),
		OwnerDID:  testOwner,
		Payload:   "irrelevant",
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	backup := base64.StdEncoding.EncodeToString(data)

	_, err = f.svc.RestoreWallets(context.Background(), testOwner, "pass", backup)
	if !walleterr.IsKind(err, walleterr.KindBackupRestoration) {
		t.Errorf("kind = %s, want backup_restoration", walleterr.KindOf(err))
	}
}

// buildBackup forges a valid envelope around arbitrary wallets without
// going through the repository.
func buildBackup(t *testing.T, f *fixture, ownerDID, password string, wallets []*wallet.Wallet) string {
	t.Helper()

	payload, err := f.svc.crypto.EncryptWallets(wallets, password)
	if err != nil {
		t.Fatalf("EncryptWallets: %v", err)
	}
	data, err := json.Marshal(backupEnvelope{
		Version:   BackupVersion,
		Timestamp: time.Now().UTC(),
		OwnerDID:  ownerDID,
		Payload:   payload,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return base64.StdEncoding.EncodeToString(data)
}

func TestBackupEmptyOwnerFails(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.BackupWallets(context.Background(), testOwner, "pass")
	if !walleterr.IsKind(err, walleterr.KindBackupCreation) {
		t.Errorf("kind = %s, want backup_creation", walleterr.KindOf(err))
	}
}

func TestResubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.hist.RecordTransaction(ctx, testOwner, &wallet.Transaction{
		Type:        wallet.TxSend,
		FromAddress: "bitcoin-addr-1",
		ToAddress:   "bc1qdest",
		Amount:      500,
		Chain:       chains.ChainBitcoin,
	})
	if err != nil {
		t.Fatalf("RecordTransaction: %v", err)
	}

	if err := f.svc.Resubmit(ctx, id); err != nil {
		t.Fatalf("Resubmit: %v", err)
	}
	if f.btc.sent != 1 {
		t.Errorf("adapter sent %d transactions, want 1", f.btc.sent)
	}
}

func TestResubmitRejectsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.hist.RecordTransaction(ctx, testOwner, &wallet.Transaction{
		Type:        wallet.TxSend,
		FromAddress: "bitcoin-addr-1",
		ToAddress:   "bc1qdest",
		Amount:      500,
		Chain:       chains.ChainBitcoin,
	})
	if err != nil {
		t.Fatalf("RecordTransaction: %v", err)
	}
	if err := f.hist.UpdateStatus(ctx, id, testOwner, wallet.StatusFailed); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	err = f.svc.Resubmit(ctx, id)
	if !walleterr.IsKind(err, walleterr.KindTransaction) {
		t.Errorf("kind = %s, want transaction", walleterr.KindOf(err))
	}
	if f.btc.sent != 0 {
		t.Errorf("adapter sent %d transactions, want 0", f.btc.sent)
	}
}

func TestResubmitUnknownTransaction(t *testing.T) {
	f := newFixture(t)

	err := f.svc.Resubmit(context.Background(), "no-such-id")
	if !walleterr.IsKind(err, walleterr.KindHistoryRetrieval) {
		t.Errorf("kind = %s, want history_retrieval", walleterr.KindOf(err))
	}
}
