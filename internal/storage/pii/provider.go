// Package pii implements the transparent field-encryption envelope. Each
// table declares its PII fields in a registry loaded at startup; on write
// those field values are replaced by "ENC:" + base64 ciphertext, on read the
// ciphertext is decrypted back. Filters on PII fields are applied after
// decryption and therefore never use indexes.
package pii

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// Provider encrypts and decrypts field values with a per-field key.
type Provider interface {
	// Name is the configuration name of the provider.
	Name() string

	// Encrypt seals plaintext. The first byte of the result identifies the
	// provider so mixed-provider data can be read during migrations.
	Encrypt(key, plaintext []byte) ([]byte, error)

	// Decrypt opens ciphertext produced by Encrypt (without the tag byte).
	Decrypt(key, ciphertext []byte) ([]byte, error)
}

// Provider tag bytes embedded in ciphertext.
const (
	tagAESGCM byte = 1
	tagLegacy byte = 2
)

// NewProvider returns the provider for a configuration name:
// "none", "authenticated-aead" or "legacy".
func NewProvider(name string) (Provider, error) {
	switch name {
	case "none":
		return nil, nil
	case "", "authenticated-aead":
		return aeadProvider{}, nil
	case "legacy":
		return legacyProvider{}, nil
	}
	return nil, fmt.Errorf("unknown encryption provider: %s", name)
}

// aeadProvider is AES-256-GCM with a random nonce prefix.
type aeadProvider struct{}

func (aeadProvider) Name() string { return "authenticated-aead" }

func (aeadProvider) Encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, tagAESGCM)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

func (aeadProvider) Decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}

// legacyProvider is unauthenticated AES-CTR, kept only so data written by
// earlier deployments can be read and rotated to AEAD.
type legacyProvider struct{}

func (legacyProvider) Name() string { return "legacy" }

func (legacyProvider) Encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	out := make([]byte, 1+aes.BlockSize+len(plaintext))
	out[0] = tagLegacy
	copy(out[1:], iv)
	cipher.NewCTR(block, iv).XORKeyStream(out[1+aes.BlockSize:], plaintext)
	return out, nil
}

func (legacyProvider) Decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aes.BlockSize {
		return nil, fmt.Errorf("ciphertext shorter than iv")
	}
	iv, payload := ciphertext[:aes.BlockSize], ciphertext[aes.BlockSize:]
	out := make([]byte, len(payload))
	cipher.NewCTR(block, iv).XORKeyStream(out, payload)
	return out, nil
}

// providerForTag returns the provider that produced a tag byte.
func providerForTag(tag byte) (Provider, error) {
	switch tag {
	case tagAESGCM:
		return aeadProvider{}, nil
	case tagLegacy:
		return legacyProvider{}, nil
	}
	return nil, fmt.Errorf("unknown ciphertext provider tag: %d", tag)
}
