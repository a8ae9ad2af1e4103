// Package crypto provides the encryption service for wallet payloads.
// Password-derived keys use Argon2id; payloads are sealed with
// AES-256-GCM. At-rest wallet metadata is sealed under a process-lifetime
// master key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"

	walleterr "github.com/helix-wallet/helixd/internal/errors"
	"github.com/helix-wallet/helixd/internal/wallet"
)

// Argon2 parameters (OWASP recommended for password hashing)
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // 64 MB
	argon2Parallelism = 4
	argon2KeyLen      = 32 // AES-256
	argon2SaltLen     = 32
)

// EnvelopeVersion is the current backup ciphertext envelope version.
const EnvelopeVersion = 1

// envelope is the serialized form of a password-encrypted payload. Salt
// and nonce are fresh for every export.
type envelope struct {
	Version     int    `json:"version"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

// Service is the encryption service. The master key and the metadata
// nonce base live for the lifetime of the process.
type Service struct {
	masterKey []byte

	// metaNonce is the fixed per-instance IV base for metadata
	// encryption; a counter suffix keeps individual nonces unique.
	metaNonce [8]byte
	counter   uint32
	mu        sync.Mutex
}

// NewService creates an encryption service with a fresh master key.
func NewService() (*Service, error) {
	s := &Service{masterKey: make([]byte, 32)}
	if _, err := rand.Read(s.masterKey); err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindKeyManagement, "crypto", "NewService",
			"failed to generate master key")
	}
	if _, err := rand.Read(s.metaNonce[:]); err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindKeyManagement, "crypto", "NewService",
			"failed to generate metadata nonce")
	}
	return s, nil
}

// Close clears the master key from memory.
func (s *Service) Close() {
	SecureClear(s.masterKey)
}

// EncryptWallets serializes and encrypts a wallet list under a
// password-derived key. Salt and nonce are freshly generated, never
// reused across exports.
func (s *Service) EncryptWallets(wallets []*wallet.Wallet, password string) (string, error) {
	if len(wallets) == 0 {
		return "", walleterr.E(walleterr.KindEncryption, "crypto", "EncryptWallets",
			"wallet list is empty")
	}

	plaintext, err := json.Marshal(wallets)
	if err != nil {
		return "", walleterr.Wrap(err, walleterr.KindEncryption, "crypto", "EncryptWallets",
			"failed to serialize wallets")
	}

	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", walleterr.Wrap(err, walleterr.KindEncryption, "crypto", "EncryptWallets",
			"failed to generate salt")
	}

	key := deriveKey(password, salt, argon2Time, argon2Memory, argon2Parallelism)
	defer SecureClear(key)

	gcm, err := newGCM(key)
	if err != nil {
		return "", walleterr.Wrap(err, walleterr.KindEncryption, "crypto", "EncryptWallets",
			"failed to create cipher")
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", walleterr.Wrap(err, walleterr.KindEncryption, "crypto", "EncryptWallets",
			"failed to generate nonce")
	}

	env := &envelope{
		Version:     EnvelopeVersion,
		Ciphertext:  gcm.Seal(nil, nonce, plaintext, nil),
		Salt:        salt,
		Nonce:       nonce,
		Time:        argon2Time,
		Memory:      argon2Memory,
		Parallelism: argon2Parallelism,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return "", walleterr.Wrap(err, walleterr.KindEncryption, "crypto", "EncryptWallets",
			"failed to serialize envelope")
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecryptWallets reverses EncryptWallets. A wrong password, corrupted
// ciphertext, or format mismatch raises a typed decryption error; it
// never returns partial plaintext.
func (s *Service) DecryptWallets(ciphertext, password string) ([]*wallet.Wallet, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindDecryption, "crypto", "DecryptWallets",
			"malformed ciphertext encoding")
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindDecryption, "crypto", "DecryptWallets",
			"malformed ciphertext envelope")
	}
	if env.Version > EnvelopeVersion {
		return nil, walleterr.E(walleterr.KindDecryption, "crypto", "DecryptWallets",
			fmt.Sprintf("unsupported envelope version %d", env.Version))
	}

	// Use stored parameters so older envelopes stay decryptable.
	kdfTime, kdfMemory, kdfParallelism := env.Time, env.Memory, env.Parallelism
	if kdfTime == 0 {
		kdfTime = argon2Time
	}
	if kdfMemory == 0 {
		kdfMemory = argon2Memory
	}
	if kdfParallelism == 0 {
		kdfParallelism = argon2Parallelism
	}

	key := deriveKey(password, env.Salt, kdfTime, kdfMemory, kdfParallelism)
	defer SecureClear(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindDecryption, "crypto", "DecryptWallets",
			"failed to create cipher")
	}

	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindDecryption, "crypto", "DecryptWallets",
			"decryption failed (wrong password?)")
	}

	var wallets []*wallet.Wallet
	if err := json.Unmarshal(plaintext, &wallets); err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindDecryption, "crypto", "DecryptWallets",
			"decrypted payload is not a wallet list")
	}
	return wallets, nil
}

// EncryptMetadata seals a wallet's metadata map under the master key
// and returns the ciphertext for storage in EncryptedData.
func (s *Service) EncryptMetadata(w *wallet.Wallet) (string, error) {
	plaintext, err := json.Marshal(w.Metadata)
	if err != nil {
		return "", walleterr.Wrap(err, walleterr.KindEncryption, "crypto", "EncryptMetadata",
			"failed to serialize metadata")
	}

	gcm, err := newGCM(s.masterKey)
	if err != nil {
		return "", walleterr.Wrap(err, walleterr.KindEncryption, "crypto", "EncryptMetadata",
			"failed to create cipher")
	}

	nonce := s.nextMetaNonce(gcm.NonceSize())
	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	// Nonce travels with the ciphertext so decryption works after the
	// counter has advanced.
	out := append(nonce, sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptMetadata unseals a wallet's EncryptedData back into a metadata
// map.
func (s *Service) DecryptMetadata(w *wallet.Wallet) (map[string]string, error) {
	if w.EncryptedData == "" {
		return nil, walleterr.E(walleterr.KindDecryption, "crypto", "DecryptMetadata",
			"wallet has no encrypted metadata")
	}

	data, err := base64.StdEncoding.DecodeString(w.EncryptedData)
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindDecryption, "crypto", "DecryptMetadata",
			"malformed ciphertext encoding")
	}

	gcm, err := newGCM(s.masterKey)
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindDecryption, "crypto", "DecryptMetadata",
			"failed to create cipher")
	}

	if len(data) < gcm.NonceSize() {
		return nil, walleterr.E(walleterr.KindDecryption, "crypto", "DecryptMetadata",
			"ciphertext too short")
	}

	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindDecryption, "crypto", "DecryptMetadata",
			"metadata decryption failed")
	}

	var metadata map[string]string
	if err := json.Unmarshal(plaintext, &metadata); err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindDecryption, "crypto", "DecryptMetadata",
			"decrypted payload is not a metadata map")
	}
	return metadata, nil
}

// nextMetaNonce builds a nonce from the per-instance base plus a
// monotonic counter so the (key, nonce) pair is never repeated.
func (s *Service) nextMetaNonce(size int) []byte {
	s.mu.Lock()
	s.counter++
	counter := s.counter
	s.mu.Unlock()

	nonce := make([]byte, size)
	copy(nonce, s.metaNonce[:])
	binary.BigEndian.PutUint32(nonce[size-4:], counter)
	return nonce
}

func deriveKey(password string, salt []byte, time, memory uint32, parallelism uint8) []byte {
	return argon2.IDKey([]byte(password), salt, time, memory, parallelism, argon2KeyLen)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// SecureClear overwrites a byte slice with zeros.
func SecureClear(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
