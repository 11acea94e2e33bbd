package pii

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// envelopePrefix marks an encrypted field value.
const envelopePrefix = "ENC:"

// IsEnveloped reports whether a field value is an encryption envelope.
func IsEnveloped(v any) bool {
	s, ok := v.(string)
	return ok && strings.HasPrefix(s, envelopePrefix)
}

// sealValue encrypts a field value into its "ENC:<base64>" envelope. The
// value is JSON-serialized first so non-string PII survives the round trip.
func sealValue(p Provider, key []byte, value any) (string, error) {
	plain, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshal pii value: %w", err)
	}
	sealed, err := p.Encrypt(key, plain)
	if err != nil {
		return "", err
	}
	return envelopePrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// openValue decrypts an "ENC:<base64>" envelope back to the field value.
// The provider is chosen from the ciphertext tag so legacy data stays
// readable during migration.
func openValue(key []byte, envelope string) (any, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(envelope, envelopePrefix))
	if err != nil {
		return nil, fmt.Errorf("decode pii envelope: %w", err)
	}
	if len(raw) < 2 {
		return nil, fmt.Errorf("pii envelope too short")
	}
	p, err := providerForTag(raw[0])
	if err != nil {
		return nil, err
	}
	plain, err := p.Decrypt(key, raw[1:])
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(strings.NewReader(string(plain)))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("unmarshal pii value: %w", err)
	}
	return value, nil
}
