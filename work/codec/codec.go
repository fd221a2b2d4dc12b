// Package codec turns upstream URLs into opaque path-safe tokens and back.
//
// Tokens are an XOR of the input against a process-lifetime secret, encoded as unpadded
// URL-safe base64. This hides origin URLs from viewing clients; it is not access control
// and not encryption. A restart generates a new secret and invalidates every issued token.
package codec

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"freesky-proxy/work/types"
)

// SecretSize is the length of the generated process secret.
const SecretSize = 64

// Codec encodes and decodes proxy tokens. It is immutable after construction and safe
// for concurrent use.
type Codec struct {
	secret []byte
}

// New creates a codec with a fresh random secret.
func New() (*Codec, error) {
	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate codec secret: %w", err)
	}
	return &Codec{secret: secret}, nil
}

// NewWithSecret creates a codec with a caller-supplied secret.
func NewWithSecret(secret []byte) (*Codec, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("codec secret must not be empty")
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	return &Codec{secret: s}, nil
}

func (c *Codec) xor(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ c.secret[i%len(c.secret)]
	}
	return out
}

// Encode returns the token for s.
func (c *Codec) Encode(s string) string {
	return base64.RawURLEncoding.EncodeToString(c.xor([]byte(s)))
}

// Decode inverts Encode for any byte string. Input that is not unpadded URL-safe base64
// yields types.ErrTokenInvalid; checking what the plaintext means is up to the caller.
func (c *Codec) Decode(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("decode token: %w", types.ErrTokenInvalid)
	}
	return string(c.xor(raw)), nil
}
