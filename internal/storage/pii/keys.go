package pii

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
)

// KeyManager derives per-field keys from a master key so that no two fields
// share a key and rotation can re-derive everything from new material.
type KeyManager struct {
	master []byte
}

// NewKeyManager creates a key manager from master key material. The material
// must be at least 16 bytes.
func NewKeyManager(material []byte) (*KeyManager, error) {
	if len(material) < 16 {
		return nil, fmt.Errorf("key material too short: %d bytes", len(material))
	}
	master := make([]byte, len(material))
	copy(master, material)
	return &KeyManager{master: master}, nil
}

// FieldKey derives the 32-byte key for (table, field).
func (m *KeyManager) FieldKey(table, field string) []byte {
	mac := hmac.New(sha256.New, m.master)
	mac.Write([]byte(table))
	mac.Write([]byte{0})
	mac.Write([]byte(field))
	return mac.Sum(nil)
}
