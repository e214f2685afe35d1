// Package signature holds the message reconstruction rule shared by crawlers
// and the gateway, together with Ed25519 signing and verification over it.
//
// The signed message is the value of every header listed in signature-input,
// looked up case-insensitively in the declared order, joined with a single
// space. A missing header contributes an empty string.
package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"strings"
)

// Header names of the crawler protocol.
const (
	HeaderCrawlerID      = "crawler-id"
	HeaderMaxPrice       = "crawler-max-price"
	HeaderSignatureInput = "signature-input"
	HeaderSignature      = "signature"
)

var (
	ErrEmptyInput = errors.New("signature-input lists no headers")
	ErrInvalidKey = errors.New("invalid ed25519 private key")
)

// Headers resolves a header value by name. Implementations must treat names
// case-insensitively and return "" for a missing header.
type Headers interface {
	Get(name string) string
}

// HeaderMap is a Headers backed by a map with lower-cased keys.
type HeaderMap map[string]string

// NewHeaderMap copies src, lower-casing every key. When a name appears twice
// with different casing the last one wins.
func NewHeaderMap(src map[string]string) HeaderMap {
	h := make(HeaderMap, len(src))
	for k, v := range src {
		h[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return h
}

func (h HeaderMap) Get(name string) string {
	return h[strings.ToLower(name)]
}

// ParseInput splits a signature-input header value into header names.
func ParseInput(value string) []string {
	return strings.Fields(value)
}

// Message reconstructs the signed message for names.
func Message(names []string, headers Headers) []byte {
	values := make([]string, len(names))
	for i, name := range names {
		values[i] = headers.Get(strings.ToLower(name))
	}
	return []byte(strings.Join(values, " "))
}

// Verify reports whether sig is a valid Ed25519 signature of the message
// reconstructed from names under publicKey. Wrong sizes yield false.
func Verify(names []string, headers Headers, sig, publicKey []byte) bool {
	if len(names) == 0 {
		return false
	}
	if len(publicKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), Message(names, headers), sig)
}

// VerifyEncoded is Verify over textual (base64 or hex) signature and key.
// Any decoding failure is a verification failure.
func VerifyEncoded(names []string, headers Headers, signature, publicKey string) bool {
	sig, ok := decode(signature, ed25519.SignatureSize)
	if !ok {
		return false
	}
	pub, ok := decode(publicKey, ed25519.PublicKeySize)
	if !ok {
		return false
	}
	return Verify(names, headers, sig, pub)
}

// Sign produces the detached signature a crawler attaches in the signature
// header. privateKey is either the 64-byte expanded key or a 32-byte seed.
func Sign(names []string, headers Headers, privateKey []byte) ([]byte, error) {
	if len(names) == 0 {
		return nil, ErrEmptyInput
	}
	var key ed25519.PrivateKey
	switch len(privateKey) {
	case ed25519.PrivateKeySize:
		key = ed25519.PrivateKey(privateKey)
	case ed25519.SeedSize:
		key = ed25519.NewKeyFromSeed(privateKey)
	default:
		return nil, ErrInvalidKey
	}
	return ed25519.Sign(key, Message(names, headers)), nil
}

// SignEncoded signs with a base64 or hex private key and returns the
// signature base64-encoded.
func SignEncoded(names []string, headers Headers, privateKey string) (string, error) {
	key, ok := decode(privateKey, ed25519.PrivateKeySize)
	if !ok {
		key, ok = decode(privateKey, ed25519.SeedSize)
	}
	if !ok {
		return "", ErrInvalidKey
	}
	sig, err := Sign(names, headers, key)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// KeyPair is a base64-encoded Ed25519 key pair. PrivateKey is the 64-byte
// expanded form.
type KeyPair struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// GenerateKeyPair creates a new key pair. A nil reader uses crypto/rand.
func GenerateKeyPair(r io.Reader) (KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(priv),
	}, nil
}

var encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// decode accepts base64 (padded or raw, std or url alphabet) or hex and
// returns the first interpretation that yields exactly size bytes.
func decode(s string, size int) ([]byte, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	for _, enc := range encodings {
		if b, err := enc.DecodeString(s); err == nil && len(b) == size {
			return b, true
		}
	}
	if b, err := hex.DecodeString(s); err == nil && len(b) == size {
		return b, true
	}
	return nil, false
}
