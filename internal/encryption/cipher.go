package encryption

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/basekick-labs/keepsake/internal/backuperr"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// Overhead is the number of bytes each encrypted chunk grows by.
const Overhead = secretbox.Overhead

// Config is the encryption description stored in an archive's JSON block. It
// holds everything needed to decrypt the archive given the recovery code.
type Config struct {
	Salt              []byte `json:"salt"`
	SecretsNonce      []byte `json:"secretsNonce"`
	BackupAuthKey     []byte `json:"backupAuthKey"`
	WrappedSecrets    []byte `json:"wrappedSecrets"`
	PublicKey         []byte `json:"publicKey"`
	WrappedArchiveKey []byte `json:"wrappedArchiveKey"`
	BaseNonce         []byte `json:"baseNonce"`
}

// Validate checks that every field has the expected size.
func (c *Config) Validate() error {
	switch {
	case len(c.Salt) != saltSize:
		return fmt.Errorf("salt must be %d bytes", saltSize)
	case len(c.SecretsNonce) != nonceSize:
		return fmt.Errorf("secrets nonce must be %d bytes", nonceSize)
	case len(c.BackupAuthKey) != keySize:
		return fmt.Errorf("backup auth key must be %d bytes", keySize)
	case len(c.WrappedSecrets) != keySize+secretbox.Overhead:
		return fmt.Errorf("wrapped secrets have unexpected length %d", len(c.WrappedSecrets))
	case len(c.PublicKey) != keySize:
		return fmt.Errorf("public key must be %d bytes", keySize)
	case len(c.WrappedArchiveKey) != keySize+box.AnonymousOverhead:
		return fmt.Errorf("wrapped archive key has unexpected length %d", len(c.WrappedArchiveKey))
	case len(c.BaseNonce) != nonceSize:
		return fmt.Errorf("base nonce must be %d bytes", nonceSize)
	}
	return nil
}

// NewArchiveCipher creates a cipher with a random per-archive key sealed to the
// state's public key, and the Config describing it.
func (s *State) NewArchiveCipher() (*ChunkCipher, *Config, error) {
	if err := s.Validate(); err != nil {
		return nil, nil, err
	}

	var key [keySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return nil, nil, fmt.Errorf("failed to generate archive key: %w", err)
	}
	var base [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, base[:]); err != nil {
		return nil, nil, fmt.Errorf("failed to generate base nonce: %w", err)
	}

	var pub [keySize]byte
	copy(pub[:], s.PublicKey)
	wrapped, err := box.SealAnonymous(nil, key[:], &pub, rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to seal archive key: %w", err)
	}

	cfg := &Config{
		Salt:              s.Salt,
		SecretsNonce:      s.Nonce,
		BackupAuthKey:     s.BackupAuthKey,
		WrappedSecrets:    s.WrappedSecrets,
		PublicKey:         s.PublicKey,
		WrappedArchiveKey: wrapped,
		BaseNonce:         base[:],
	}
	return newChunkCipher(key, base), cfg, nil
}

// OpenArchiveCipher recovers the archive key from cfg using the recovery code.
func OpenArchiveCipher(cfg *Config, recoveryCode []byte) (*ChunkCipher, error) {
	if len(recoveryCode) == 0 {
		return nil, backuperr.New(backuperr.KindUnauthorized, "archive is encrypted and no recovery code was supplied")
	}
	if err := cfg.Validate(); err != nil {
		return nil, backuperr.Wrap(backuperr.KindCorruptedArchive, err, "invalid encryption config")
	}

	priv, err := unwrapPrivateKey(cfg.Salt, cfg.SecretsNonce, cfg.BackupAuthKey, cfg.WrappedSecrets, recoveryCode)
	if err != nil {
		return nil, err
	}
	if !publicKeyMatches(priv, cfg.PublicKey) {
		return nil, backuperr.New(backuperr.KindCorruptedArchive, "archive public key does not match its secrets")
	}

	var pub [keySize]byte
	copy(pub[:], cfg.PublicKey)
	plain, ok := box.OpenAnonymous(nil, cfg.WrappedArchiveKey, &pub, priv)
	if !ok || len(plain) != keySize {
		return nil, backuperr.New(backuperr.KindCorruptedArchive, "failed to unwrap archive key")
	}

	var key [keySize]byte
	copy(key[:], plain)
	var base [nonceSize]byte
	copy(base[:], cfg.BaseNonce)
	return newChunkCipher(key, base), nil
}

// ChunkCipher encrypts or decrypts an archive one chunk at a time. Chunks must be
// processed in order and the final chunk must be flagged; the flag is bound into
// the nonce so a truncated stream fails authentication.
type ChunkCipher struct {
	key     [keySize]byte
	base    [nonceSize]byte
	counter uint64
	done    bool
}

func newChunkCipher(key [keySize]byte, base [nonceSize]byte) *ChunkCipher {
	return &ChunkCipher{key: key, base: base}
}

// Encrypt seals the next chunk.
func (c *ChunkCipher) Encrypt(chunk []byte, isLast bool) ([]byte, error) {
	if c.done {
		return nil, fmt.Errorf("cipher already finalized")
	}
	c.counter++
	nonce := c.nonce(isLast)
	out := secretbox.Seal(nil, chunk, &nonce, &c.key)
	c.done = isLast
	return out, nil
}

// Decrypt opens the next chunk.
func (c *ChunkCipher) Decrypt(chunk []byte, isLast bool) ([]byte, error) {
	if c.done {
		return nil, backuperr.New(backuperr.KindCorruptedArchive, "data after final chunk")
	}
	c.counter++
	nonce := c.nonce(isLast)
	out, ok := secretbox.Open(nil, chunk, &nonce, &c.key)
	if !ok {
		return nil, backuperr.New(backuperr.KindCorruptedArchive, "chunk %d failed authentication", c.counter)
	}
	c.done = isLast
	return out, nil
}

// IsDone reports whether the final chunk has been processed.
func (c *ChunkCipher) IsDone() bool {
	return c.done
}

// nonce is the base nonce XOR'd with the chunk counter (big-endian, first 8
// bytes); the last byte's low bit marks the final chunk.
func (c *ChunkCipher) nonce(isLast bool) [nonceSize]byte {
	n := c.base
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], c.counter)
	for i := 0; i < len(ctr); i++ {
		n[i] ^= ctr[i]
	}
	if isLast {
		n[nonceSize-1] ^= 0x01
	}
	return n
}
