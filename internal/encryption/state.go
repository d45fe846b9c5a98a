package encryption

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/basekick-labs/keepsake/internal/backuperr"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	// StateVersion is the serialization version of State.
	StateVersion = 1

	// MinPasswordLength is the minimum number of characters in a recovery password.
	MinPasswordLength = 8

	saltSize  = 32
	keySize   = 32
	nonceSize = 24

	// scrypt parameters (N, r, p) recommended for interactive logins.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1

	authKeyInfo = "keepsake-backup-auth"
)

// State is the persisted key material that lets this profile produce encrypted
// archives without knowing the recovery password.
type State struct {
	Version        int    `json:"version"`
	PublicKey      []byte `json:"publicKey"`
	Salt           []byte `json:"salt"`
	Nonce          []byte `json:"nonce"`
	BackupAuthKey  []byte `json:"backupAuthKey"`
	WrappedSecrets []byte `json:"wrappedSecrets"`
}

// Initialize derives a fresh encryption state from a recovery password.
func Initialize(password string) (*State, error) {
	if password == "" {
		return nil, backuperr.New(backuperr.KindInvalidPassword, "password is empty")
	}
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return nil, backuperr.New(backuperr.KindInvalidPassword,
			"password must be at least %d characters", MinPasswordLength)
	}

	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	kek, err := deriveKEK([]byte(password), salt)
	if err != nil {
		return nil, err
	}
	authKey, err := deriveAuthKey(kek, salt)
	if err != nil {
		return nil, err
	}

	return &State{
		Version:        StateVersion,
		PublicKey:      publicKey[:],
		Salt:           salt,
		Nonce:          nonce[:],
		BackupAuthKey:  authKey,
		WrappedSecrets: secretbox.Seal(nil, privateKey[:], &nonce, kek),
	}, nil
}

// Validate checks that every field has the expected size.
func (s *State) Validate() error {
	switch {
	case s.Version < 1 || s.Version > StateVersion:
		return fmt.Errorf("unsupported encryption state version %d", s.Version)
	case len(s.PublicKey) != keySize:
		return fmt.Errorf("public key must be %d bytes", keySize)
	case len(s.Salt) != saltSize:
		return fmt.Errorf("salt must be %d bytes", saltSize)
	case len(s.Nonce) != nonceSize:
		return fmt.Errorf("nonce must be %d bytes", nonceSize)
	case len(s.BackupAuthKey) != keySize:
		return fmt.Errorf("backup auth key must be %d bytes", keySize)
	case len(s.WrappedSecrets) != keySize+secretbox.Overhead:
		return fmt.Errorf("wrapped secrets have unexpected length %d", len(s.WrappedSecrets))
	}
	return nil
}

// unwrapPrivateKey recovers the private key using the recovery code. It fails
// with KindUnauthorized when the code is wrong.
func unwrapPrivateKey(salt, nonce, authKey, wrapped, recoveryCode []byte) (*[keySize]byte, error) {
	kek, err := deriveKEK(recoveryCode, salt)
	if err != nil {
		return nil, err
	}
	expected, err := deriveAuthKey(kek, salt)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(expected, authKey) {
		return nil, backuperr.New(backuperr.KindUnauthorized, "recovery code does not match")
	}

	var n [nonceSize]byte
	copy(n[:], nonce)
	plain, ok := secretbox.Open(nil, wrapped, &n, kek)
	if !ok || len(plain) != keySize {
		return nil, backuperr.New(backuperr.KindUnauthorized, "failed to unwrap backup secrets")
	}
	var priv [keySize]byte
	copy(priv[:], plain)
	return &priv, nil
}

func deriveKEK(password, salt []byte) (*[keySize]byte, error) {
	raw, err := scrypt.Key(password, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	var kek [keySize]byte
	copy(kek[:], raw)
	return &kek, nil
}

func deriveAuthKey(kek *[keySize]byte, salt []byte) ([]byte, error) {
	out := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, kek[:], salt, []byte(authKeyInfo)), out); err != nil {
		return nil, fmt.Errorf("failed to derive auth key: %w", err)
	}
	return out, nil
}

// publicKeyMatches reports whether priv is the private half of pub.
func publicKeyMatches(priv *[keySize]byte, pub []byte) bool {
	derived, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return false
	}
	return hmac.Equal(derived, pub)
}
