package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// MinKeyMaterial is the shortest ENCRYPTION_KEY accepted.
const MinKeyMaterial = 16

const hkdfInfo = "credential-vault"

// ErrMalformedCiphertext is returned by Decrypt for values that are not in
// the iv:ciphertext form.
var ErrMalformedCiphertext = errors.New("vault: malformed ciphertext")

// Cipher encrypts credentials with AES-256-GCM. The 32-byte key is derived
// from arbitrary key material with HKDF-SHA256.
//
// Encrypted values are rendered as hex(iv) + ":" + hex(ciphertext) with a
// fresh random IV per call.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the AES key from material and prepares the AEAD.
func NewCipher(material []byte) (*Cipher, error) {
	if len(material) < MinKeyMaterial {
		return nil, fmt.Errorf("vault: key material must be at least %d bytes, got %d", MinKeyMaterial, len(material))
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, material, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: create gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh IV.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	iv := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("vault: generate iv: %w", err)
	}
	sealed := c.aead.Seal(nil, iv, plaintext, nil)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *Cipher) Decrypt(value string) ([]byte, error) {
	ivHex, ctHex, ok := strings.Cut(value, ":")
	if !ok || ivHex == "" || ctHex == "" {
		return nil, ErrMalformedCiphertext
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != c.aead.NonceSize() {
		return nil, ErrMalformedCiphertext
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil {
		return nil, ErrMalformedCiphertext
	}
	plaintext, err := c.aead.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: decrypt: %w", err)
	}
	return plaintext, nil
}
