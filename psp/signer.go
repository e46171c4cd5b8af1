package psp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Signer produces and checks hex HMAC-SHA256 checksums.
type Signer struct {
	key []byte
}

func NewSigner(key string) Signer {
	return Signer{key: []byte(key)}
}

func (s Signer) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the checksum and compares in constant time.
func (s Signer) Verify(payload []byte, signature string) bool {
	given, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), given)
}

// SignJSON marshals v and signs the bytes. Structs keep field order and maps
// are key-sorted by encoding/json, so the encoding is canonical.
func (s Signer) SignJSON(v any) ([]byte, string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal signed payload: %w", err)
	}
	return body, s.Sign(body), nil
}
