package crypto

import (
	"testing"
	"time"

	walleterr "github.com/helix-wallet/helixd/internal/errors"
	"github.com/helix-wallet/helixd/internal/wallet"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := NewService()
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func testWallets() []*wallet.Wallet {
	now := time.Now().UTC().Truncate(time.Second)
	return []*wallet.Wallet{
		{
			ID:        "w1",
			Name:      "main",
			Type:      wallet.TypeBitcoin,
			OwnerDID:  "did:helix:alice",
			Address:   "bc1qexample",
			Metadata:  map[string]string{"label": "primary"},
			CreatedAt: now,
			UpdatedAt: now,
		},
		{
			ID:       "w2",
			Name:     "contracts",
			Type:     wallet.TypeContract,
			OwnerDID: "did:helix:alice",
			Address:  "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7",
			Contract: &wallet.ContractDetails{Network: "mainnet"},
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

func TestEncryptDecryptWalletsRoundTrip(t *testing.T) {
	s := newTestService(t)
	wallets := testWallets()

	ciphertext, err := s.EncryptWallets(wallets, "Str0ng-Passw0rd!")
	if err != nil {
		t.Fatalf("EncryptWallets() error = %v", err)
	}

	decrypted, err := s.DecryptWallets(ciphertext, "Str0ng-Passw0rd!")
	if err != nil {
		t.Fatalf("DecryptWallets() error = %v", err)
	}

	if len(decrypted) != len(wallets) {
		t.Fatalf("decrypted %d wallets, want %d", len(decrypted), len(wallets))
	}
	for i := range wallets {
		if decrypted[i].ID != wallets[i].ID || decrypted[i].Address != wallets[i].Address {
			t.Errorf("wallet %d mismatch: %+v", i, decrypted[i])
		}
	}
	// Variant payload survives the round trip.
	if decrypted[1].Contract == nil || decrypted[1].Contract.Network != "mainnet" {
		t.Error("contract variant lost in round trip")
	}
}

func TestDecryptWrongPassword(t *testing.T) {
	s := newTestService(t)

	ciphertext, err := s.EncryptWallets(testWallets(), "correct-Pa55word!")
	if err != nil {
		t.Fatalf("EncryptWallets() error = %v", err)
	}

	wallets, err := s.DecryptWallets(ciphertext, "wrong-Pa55word!")
	if err == nil {
		t.Fatal("wrong password must not decrypt")
	}
	if !walleterr.IsKind(err, walleterr.KindDecryption) {
		t.Errorf("error = %v, want decryption kind", err)
	}
	if wallets != nil {
		t.Error("wrong password must never return wallet data")
	}
}

func TestDecryptCorruptCiphertext(t *testing.T) {
	s := newTestService(t)

	if _, err := s.DecryptWallets("not-base64!!!", "pw"); !walleterr.IsKind(err, walleterr.KindDecryption) {
		t.Errorf("garbage input error = %v, want decryption kind", err)
	}

	ciphertext, _ := s.EncryptWallets(testWallets(), "Str0ng-Passw0rd!")
	// Flip bytes in the middle of the envelope.
	corrupted := []byte(ciphertext)
	corrupted[len(corrupted)/2] ^= 0xff
	if _, err := s.DecryptWallets(string(corrupted), "Str0ng-Passw0rd!"); err == nil {
		t.Error("corrupted ciphertext must not decrypt")
	}
}

func TestEncryptEmptyWalletList(t *testing.T) {
	s := newTestService(t)

	if _, err := s.EncryptWallets(nil, "pw"); !walleterr.IsKind(err, walleterr.KindEncryption) {
		t.Errorf("empty list error = %v, want encryption kind", err)
	}
}

func TestFreshSaltAndNoncePerExport(t *testing.T) {
	s := newTestService(t)
	wallets := testWallets()

	c1, err := s.EncryptWallets(wallets, "Str0ng-Passw0rd!")
	if err != nil {
		t.Fatalf("EncryptWallets() error = %v", err)
	}
	c2, err := s.EncryptWallets(wallets, "Str0ng-Passw0rd!")
	if err != nil {
		t.Fatalf("EncryptWallets() error = %v", err)
	}

	if c1 == c2 {
		t.Error("two exports of the same payload must not share ciphertext")
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	s := newTestService(t)

	w := &wallet.Wallet{
		ID:       "w1",
		OwnerDID: "did:helix:alice",
		Metadata: map[string]string{"seed_hint": "drawer", "label": "primary"},
	}

	sealed, err := s.EncryptMetadata(w)
	if err != nil {
		t.Fatalf("EncryptMetadata() error = %v", err)
	}
	w.EncryptedData = sealed

	metadata, err := s.DecryptMetadata(w)
	if err != nil {
		t.Fatalf("DecryptMetadata() error = %v", err)
	}
	if metadata["seed_hint"] != "drawer" || metadata["label"] != "primary" {
		t.Errorf("metadata = %v", metadata)
	}
}

func TestDecryptMetadataOtherInstance(t *testing.T) {
	s1 := newTestService(t)
	s2 := newTestService(t)

	w := &wallet.Wallet{ID: "w1", Metadata: map[string]string{"k": "v"}}
	sealed, _ := s1.EncryptMetadata(w)
	w.EncryptedData = sealed

	// A different service instance has a different master key.
	if _, err := s2.DecryptMetadata(w); !walleterr.IsKind(err, walleterr.KindDecryption) {
		t.Errorf("cross-instance decrypt error = %v, want decryption kind", err)
	}
}

func TestDecryptMetadataMissing(t *testing.T) {
	s := newTestService(t)

	w := &wallet.Wallet{ID: "w1"}
	if _, err := s.DecryptMetadata(w); !walleterr.IsKind(err, walleterr.KindDecryption) {
		t.Errorf("missing metadata error = %v, want decryption kind", err)
	}
}

func TestMetaNonceUnique(t *testing.T) {
	s := newTestService(t)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		nonce := string(s.nextMetaNonce(12))
		if seen[nonce] {
			t.Fatal("metadata nonce repeated")
		}
		seen[nonce] = true
	}
}
