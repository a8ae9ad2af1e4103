// Package unified is the top-level wallet façade: multi-chain wallet
// provisioning, encrypted backup and restore, balances, sends, and the
// unlock session that gates spending operations.
package unified

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/argon2"

	"github.com/helix-wallet/helixd/internal/chains"
	"github.com/helix-wallet/helixd/internal/crypto"
	walleterr "github.com/helix-wallet/helixd/internal/errors"
	"github.com/helix-wallet/helixd/internal/history"
	"github.com/helix-wallet/helixd/internal/wallet"
	"github.com/helix-wallet/helixd/pkg/logging"
)

// BackupVersion is the current backup envelope version.
const BackupVersion = 1

// sessionTTL bounds how long an unlock lasts without renewal.
const sessionTTL = 15 * time.Minute

// mnemonicEntropyBits yields a 12-word recovery phrase.
const mnemonicEntropyBits = 128

// Authenticator verifies owner credentials for unlock.
type Authenticator interface {
	Authenticate(ctx context.Context, ownerDID, password string) error
}

// MultiChainWallet is the result of provisioning across chains.
type MultiChainWallet struct {
	Mnemonic string           `json:"mnemonic"`
	Wallets  []*wallet.Wallet `json:"wallets"`
}

// backupEnvelope wraps the encrypted wallet payload with plaintext
// routing metadata so a restore can be rejected before decryption.
type backupEnvelope struct {
	Version   int       `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	OwnerDID  string    `json:"ownerDid"`
	Payload   string    `json:"payload"`
}

// Service is the unified wallet façade.
type Service struct {
	repo    *wallet.Repository
	coord   *chains.Coordinator
	crypto  *crypto.Service
	history *history.Service
	auth    Authenticator

	mu       sync.RWMutex
	unlocked map[string]time.Time

	log *logging.Logger
}

// New creates the façade. auth may be nil, which leaves every owner
// locked.
func New(repo *wallet.Repository, coord *chains.Coordinator, cryptoSvc *crypto.Service, historySvc *history.Service, auth Authenticator) *Service {
	return &Service{
		repo:     repo,
		coord:    coord,
		crypto:   cryptoSvc,
		history:  historySvc,
		auth:     auth,
		unlocked: make(map[string]time.Time),
		log:      logging.GetDefault().Component("unified"),
	}
}

// CreateMultiChainWallet provisions a wallet on each requested chain
// under one recovery phrase. All chain adapters run before anything is
// persisted, so a single chain failure leaves no partial state.
func (s *Service) CreateMultiChainWallet(ctx context.Context, ownerDID, name string, chainIDs []string) (*MultiChainWallet, error) {
	if ownerDID == "" {
		return nil, walleterr.E(walleterr.KindValidation, "unified", "CreateMultiChainWallet",
			"owner DID is required")
	}
	if len(chainIDs) == 0 {
		chainIDs = s.coord.SupportedChains()
	}

	entropy, err := bip39.NewEntropy(mnemonicEntropyBits)
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindKeyManagement, "unified", "CreateMultiChainWallet",
			"entropy generation failed")
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindKeyManagement, "unified", "CreateMultiChainWallet",
			"mnemonic generation failed")
	}

	provisioned, err := s.coord.CreateWallets(ctx, ownerDID, chainIDs)
	if err != nil {
		return nil, err
	}

	wallets := make([]*wallet.Wallet, 0, len(provisioned))
	for _, chainID := range chainIDs {
		cw := provisioned[chainID]

		w := &wallet.Wallet{
			Name:     name,
			Type:     wallet.Type(chainID),
			OwnerDID: ownerDID,
			Address:  cw.Address,
			Metadata: cw.Extra,
		}
		if err := s.sealSensitiveMetadata(w); err != nil {
			return nil, err
		}

		id, err := s.repo.CreateWallet(ctx, w)
		if err != nil {
			return nil, err
		}
		w.ID = id
		wallets = append(wallets, w)
	}

	s.log.Info("Multi-chain wallet created", "owner", ownerDID, "chains", len(wallets))
	return &MultiChainWallet{Mnemonic: mnemonic, Wallets: wallets}, nil
}

// GetBalances returns per-chain balances for everything the owner
// holds.
func (s *Service) GetBalances(ctx context.Context, ownerDID string) (map[string]*chains.Balance, error) {
	return s.coord.GetAllBalances(ctx, ownerDID)
}

// SendTransaction records, broadcasts, and tracks a spend. The owner
// must hold an active unlock session.
func (s *Service) SendTransaction(ctx context.Context, ownerDID string, tx *wallet.Transaction) (string, error) {
	if !s.IsUnlocked(ownerDID) {
		return "", walleterr.E(walleterr.KindAuthentication, "unified", "SendTransaction",
			"wallet is locked").WithMeta("owner", ownerDID)
	}

	if tx.FromAddress != "" {
		w, err := s.repo.GetWalletByAddress(ctx, tx.FromAddress)
		if err != nil {
			return "", err
		}
		if w == nil || w.OwnerDID != ownerDID {
			return "", walleterr.E(walleterr.KindAuthorization, "unified", "SendTransaction",
				"source address does not belong to the caller")
		}
		tx.WalletID = w.ID
	}

	ledgerID, err := s.history.RecordTransaction(ctx, ownerDID, tx)
	if err != nil {
		return "", err
	}

	chainTxID, err := s.coord.Broadcast(ctx, tx.Chain, tx)
	if err != nil {
		if statusErr := s.history.UpdateStatus(ctx, ledgerID, ownerDID, wallet.StatusFailed); statusErr != nil {
			s.log.Error("Failed to mark transaction failed", "tx_id", ledgerID, "error", statusErr)
		}
		return "", err
	}

	if err := s.history.UpdateStatus(ctx, ledgerID, ownerDID, wallet.StatusConfirming); err != nil {
		s.log.Error("Failed to advance transaction status", "tx_id", ledgerID, "error", err)
	}

	s.log.Info("Transaction sent", "ledger_id", ledgerID, "chain_tx", chainTxID, "chain", tx.Chain)
	return ledgerID, nil
}

// Resubmit rebroadcasts an in-flight ledger entry through its chain
// adapter. The monitor uses this to retry transactions that failed
// transiently; entries that already reached a terminal status are
// rejected.
func (s *Service) Resubmit(ctx context.Context, txID string) error {
	tx, err := s.history.GetTransaction(ctx, txID)
	if err != nil {
		return err
	}
	if tx.Status.Terminal() {
		return walleterr.E(walleterr.KindTransaction, "unified", "Resubmit",
			"transaction already "+string(tx.Status)).WithMeta("tx_id", txID)
	}

	chainTxID, err := s.coord.Broadcast(ctx, tx.Chain, tx)
	if err != nil {
		return err
	}
	s.log.Info("Transaction resubmitted", "ledger_id", txID, "chain_tx", chainTxID, "chain", tx.Chain)
	return nil
}

// BackupWallets exports the owner's wallets as a password-encrypted
// envelope.
func (s *Service) BackupWallets(ctx context.Context, ownerDID, password string) (string, error) {
	wallets, err := s.repo.ListWallets(ctx, ownerDID)
	if err != nil {
		return "", err
	}
	if len(wallets) == 0 {
		return "", walleterr.E(walleterr.KindBackupCreation, "unified", "BackupWallets",
			"owner has no wallets to back up").WithMeta("owner", ownerDID)
	}

	payload, err := s.crypto.EncryptWallets(wallets, password)
	if err != nil {
		return "", err
	}

	envelope := backupEnvelope{
		Version:   BackupVersion,
		Timestamp: time.Now().UTC(),
		OwnerDID:  ownerDID,
		Payload:   payload,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return "", walleterr.Wrap(err, walleterr.KindBackupCreation, "unified", "BackupWallets",
			"failed to encode backup envelope")
	}

	s.log.Info("Backup created", "owner", ownerDID, "wallets", len(wallets))
	return base64.StdEncoding.EncodeToString(data), nil
}

// RestoreWallets imports a backup. The envelope version and owner must
// match, and every address must validate against its chain adapter
// before anything is persisted. Wallets whose address already exists
// are skipped.
func (s *Service) RestoreWallets(ctx context.Context, ownerDID, password, backup string) ([]*wallet.Wallet, error) {
	raw, err := base64.StdEncoding.DecodeString(backup)
	if err != nil {
		return nil, walleterr.E(walleterr.KindBackupRestoration, "unified", "RestoreWallets",
			"backup is not valid base64")
	}

	var envelope backupEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, walleterr.E(walleterr.KindBackupRestoration, "unified", "RestoreWallets",
			"backup envelope is malformed")
	}
	if envelope.Version > BackupVersion {
		return nil, walleterr.E(walleterr.KindBackupRestoration, "unified", "RestoreWallets",
			"backup version is newer than this daemon supports").
			WithMeta("version", strconv.Itoa(envelope.Version))
	}
	if envelope.OwnerDID != ownerDID {
		return nil, walleterr.E(walleterr.KindAuthorization, "unified", "RestoreWallets",
			"backup belongs to a different owner")
	}

	wallets, err := s.crypto.DecryptWallets(envelope.Payload, password)
	if err != nil {
		return nil, err
	}

	// Validate each wallet individually; a backup may hold several
	// wallets on the same chain.
	for _, w := range wallets {
		svc, err := s.coord.Get(string(w.Type))
		if err != nil {
			return nil, walleterr.Wrap(err, walleterr.KindBackupRestoration, "unified", "RestoreWallets",
				"backup references an unsupported chain").
				WithMeta("chain", string(w.Type))
		}
		ok, err := svc.ValidateAddress(ctx, w.Address)
		if err != nil {
			return nil, walleterr.Wrap(err, walleterr.KindBackupRestoration, "unified", "RestoreWallets",
				"failed to validate backup address").
				WithMeta("chain", string(w.Type)).WithMeta("address", w.Address)
		}
		if !ok {
			return nil, walleterr.E(walleterr.KindBackupRestoration, "unified", "RestoreWallets",
				"backup contains an invalid address").
				WithMeta("chain", string(w.Type)).WithMeta("address", w.Address)
		}
	}

	restored := make([]*wallet.Wallet, 0, len(wallets))
	for _, w := range wallets {
		existing, err := s.repo.GetWalletByAddress(ctx, w.Address)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			continue
		}

		w.ID = ""
		id, err := s.repo.CreateWallet(ctx, w)
		if err != nil {
			return nil, err
		}
		w.ID = id
		restored = append(restored, w)
	}

	s.log.Info("Backup restored", "owner", ownerDID, "restored", len(restored), "skipped", len(wallets)-len(restored))
	return restored, nil
}

// UnlockWallet opens a spending session for the owner.
func (s *Service) UnlockWallet(ctx context.Context, ownerDID, password string) error {
	if s.auth == nil {
		return walleterr.E(walleterr.KindAuthentication, "unified", "UnlockWallet",
			"no authenticator configured")
	}
	if err := s.auth.Authenticate(ctx, ownerDID, password); err != nil {
		return err
	}

	s.mu.Lock()
	s.unlocked[ownerDID] = time.Now().Add(sessionTTL)
	s.mu.Unlock()

	s.log.Info("Wallet unlocked", "owner", ownerDID)
	return nil
}

// LockWallet ends the owner's spending session.
func (s *Service) LockWallet(ownerDID string) {
	s.mu.Lock()
	delete(s.unlocked, ownerDID)
	s.mu.Unlock()
	s.log.Info("Wallet locked", "owner", ownerDID)
}

// IsUnlocked reports whether the owner holds an unexpired session.
func (s *Service) IsUnlocked(ownerDID string) bool {
	s.mu.RLock()
	expires, ok := s.unlocked[ownerDID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if time.Now().After(expires) {
		s.LockWallet(ownerDID)
		return false
	}
	return true
}

// GetDecryptedMetadata unseals a wallet's encrypted metadata, private
// key material included, for its owner. The owner must hold an
// unexpired unlock session; the plaintext is returned to the caller and
// never stored.
func (s *Service) GetDecryptedMetadata(ctx context.Context, ownerDID, walletID string) (map[string]string, error) {
	if !s.IsUnlocked(ownerDID) {
		return nil, walleterr.E(walleterr.KindAuthentication, "unified", "GetDecryptedMetadata",
			"wallet is locked").WithMeta("owner", ownerDID)
	}

	w, err := s.repo.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, walleterr.E(walleterr.KindRepository, "unified", "GetDecryptedMetadata",
			"wallet not found").WithMeta("wallet_id", walletID)
	}
	if w.OwnerDID != ownerDID {
		return nil, walleterr.E(walleterr.KindAuthorization, "unified", "GetDecryptedMetadata",
			"wallet does not belong to the caller").WithMeta("wallet_id", walletID)
	}

	sealed, err := s.crypto.DecryptMetadata(w)
	if err != nil {
		return nil, err
	}

	// Merge with the plaintext metadata so callers see the whole map.
	out := make(map[string]string, len(w.Metadata)+len(sealed))
	for k, v := range w.Metadata {
		out[k] = v
	}
	for k, v := range sealed {
		out[k] = v
	}
	return out, nil
}

// sealSensitiveMetadata moves private key material out of the plaintext
// metadata map into the encrypted blob.
func (s *Service) sealSensitiveMetadata(w *wallet.Wallet) error {
	if w.Metadata["privateKey"] == "" {
		return nil
	}

	sealed, err := s.crypto.EncryptMetadata(w)
	if err != nil {
		return err
	}
	w.EncryptedData = sealed
	delete(w.Metadata, "privateKey")
	return nil
}

// argon2 parameters for stored credentials.
const (
	credTime        = 3
	credMemory      = 64 * 1024
	credParallelism = 4
	credKeyLen      = 32
	credSaltLen     = 16
)

type storedCredential struct {
	salt []byte
	hash []byte
}

// MapAuthenticator verifies passwords against in-memory argon2id
// digests. It backs single-process deployments and tests; anything
// multi-node brings its own Authenticator.
type MapAuthenticator struct {
	mu    sync.RWMutex
	creds map[string]storedCredential
}

// NewMapAuthenticator creates an empty credential set.
func NewMapAuthenticator() *MapAuthenticator {
	return &MapAuthenticator{creds: make(map[string]storedCredential)}
}

// Register stores a credential for an owner, replacing any prior one.
func (m *MapAuthenticator) Register(ownerDID, password string) error {
	salt := make([]byte, credSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	hash := argon2.IDKey([]byte(password), salt, credTime, credMemory, credParallelism, credKeyLen)

	m.mu.Lock()
	m.creds[ownerDID] = storedCredential{salt: salt, hash: hash}
	m.mu.Unlock()
	return nil
}

// Authenticate verifies a password in constant time.
func (m *MapAuthenticator) Authenticate(ctx context.Context, ownerDID, password string) error {
	m.mu.RLock()
	cred, ok := m.creds[ownerDID]
	m.mu.RUnlock()
	if !ok {
		return walleterr.E(walleterr.KindAuthentication, "unified", "Authenticate",
			"unknown owner").WithMeta("owner", ownerDID)
	}

	hash := argon2.IDKey([]byte(password), cred.salt, credTime, credMemory, credParallelism, credKeyLen)
	if subtle.ConstantTimeCompare(hash, cred.hash) != 1 {
		return walleterr.E(walleterr.KindAuthentication, "unified", "Authenticate",
			"invalid credentials").WithMeta("owner", ownerDID)
	}
	return nil
}
