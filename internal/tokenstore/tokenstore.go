// Package tokenstore encodes the OAuth refresh token for persistence. The
// plaintext token never reaches disk: it is always wrapped in at least the
// salt-keyed obfuscation layer, and optionally in a passphrase-derived
// AES-256-GCM layer on top.
package tokenstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	prefixAESGCM    = "aesgcm:"
	prefixObf       = "obf1:"
	prefixObfLegacy = "obf:"

	ivSize  = 16
	macSize = sha256.Size

	pbkdf2Iterations = 210_000
	aesKeySize       = 32
)

var (
	// ErrIntegrity means a MAC or GCM tag did not verify. Decryption is
	// refused outright; a tampered or mis-keyed payload never yields output.
	ErrIntegrity = errors.New("token integrity check failed")

	// ErrPassphraseRequired means the payload is AES-wrapped but no
	// passphrase was supplied.
	ErrPassphraseRequired = errors.New("passphrase required to decrypt tokens")
)

// Mode labels for display.
const (
	ModeMemoryOnly = "memory-only"
	ModeObfuscated = "obfuscated"
	ModeAESWrapped = "AES-wrapped"
)

// Codec encodes and decodes token payloads against one per-install salt.
type Codec struct {
	salt []byte
}

// NewCodec creates a codec for the given salt. The salt is not secret; it
// only ties payloads to this install.
func NewCodec(salt string) *Codec {
	return &Codec{salt: []byte(salt)}
}

// NewSalt returns a fresh random per-install salt, hex-free base64 so it
// survives JSON round trips untouched.
func NewSalt() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Encode wraps plaintext for persistence. The obfuscation layer is always
// applied; a non-empty passphrase adds the AES-GCM layer on top.
func (c *Codec) Encode(plaintext, passphrase string) (string, error) {
	inner, err := c.encodeObf(plaintext)
	if err != nil {
		return "", err
	}
	if passphrase == "" {
		return inner, nil
	}
	return c.encodeAES(inner, passphrase)
}

// Decode unwraps a persisted payload. Legacy obf: payloads decode but are
// not re-encoded here; callers re-Encode on the next write, which upgrades
// the layer.
func (c *Codec) Decode(encoded, passphrase string) (string, error) {
	switch {
	case strings.HasPrefix(encoded, prefixAESGCM):
		if passphrase == "" {
			return "", ErrPassphraseRequired
		}
		inner, err := c.decodeAES(encoded, passphrase)
		if err != nil {
			return "", err
		}
		return c.Decode(inner, "")

	case strings.HasPrefix(encoded, prefixObf):
		return c.decodeObf(encoded)

	case strings.HasPrefix(encoded, prefixObfLegacy):
		return c.decodeLegacy(encoded)

	default:
		return "", fmt.Errorf("unrecognized token payload layer")
	}
}

// Mode reports the display label for a stored payload.
func Mode(encoded string) string {
	switch {
	case encoded == "":
		return ModeMemoryOnly
	case strings.HasPrefix(encoded, prefixAESGCM):
		return ModeAESWrapped
	default:
		return ModeObfuscated
	}
}

// obf1 layer: XOR keystream plus HMAC, both keyed off the salt. This keeps
// casual inspection out and detects tampering; it is not a substitute for
// the passphrase layer.

func (c *Codec) obfBaseKey() []byte {
	mac := hmac.New(sha256.New, c.salt)
	mac.Write([]byte("obf1"))
	return mac.Sum(nil)
}

func subKey(base []byte, label string) []byte {
	mac := hmac.New(sha256.New, base)
	mac.Write([]byte(label))
	return mac.Sum(nil)
}

func (c *Codec) encodeObf(plaintext string) (string, error) {
	base := c.obfBaseKey()
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	ciphertext := xorStream(subKey(base, "enc"), iv, []byte(plaintext))

	mac := hmac.New(sha256.New, subKey(base, "mac"))
	mac.Write(iv)
	mac.Write(ciphertext)

	payload := make([]byte, 0, ivSize+len(ciphertext)+macSize)
	payload = append(payload, iv...)
	payload = append(payload, ciphertext...)
	payload = mac.Sum(payload)

	return prefixObf + base64.StdEncoding.EncodeToString(payload), nil
}

func (c *Codec) decodeObf(encoded string) (string, error) {
	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encoded, prefixObf))
	if err != nil {
		return "", fmt.Errorf("failed to decode token payload: %w", err)
	}
	if len(payload) < ivSize+macSize {
		return "", ErrIntegrity
	}

	base := c.obfBaseKey()
	iv := payload[:ivSize]
	ciphertext := payload[ivSize : len(payload)-macSize]
	gotMAC := payload[len(payload)-macSize:]

	mac := hmac.New(sha256.New, subKey(base, "mac"))
	mac.Write(iv)
	mac.Write(ciphertext)
	if !hmac.Equal(gotMAC, mac.Sum(nil)) {
		return "", ErrIntegrity
	}

	return string(xorStream(subKey(base, "enc"), iv, ciphertext)), nil
}

// xorStream generates an HMAC-chained keystream over (iv, counter) and
// XORs it into data. Symmetric: applying it twice restores the input.
func xorStream(key, iv, data []byte) []byte {
	out := make([]byte, len(data))
	var counter [8]byte
	block := make([]byte, 0, macSize)
	for i := range data {
		if i%macSize == 0 {
			binary.BigEndian.PutUint64(counter[:], uint64(i/macSize))
			mac := hmac.New(sha256.New, key)
			mac.Write(iv)
			mac.Write(counter[:])
			block = mac.Sum(block[:0])
		}
		out[i] = data[i] ^ block[i%macSize]
	}
	return out
}

// legacy obf: single-round XOR against SHA-256(salt). Read-only; writes
// always use obf1.

func (c *Codec) decodeLegacy(encoded string) (string, error) {
	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encoded, prefixObfLegacy))
	if err != nil {
		return "", fmt.Errorf("failed to decode legacy token payload: %w", err)
	}
	key := sha256.Sum256(c.salt)
	out := make([]byte, len(payload))
	for i := range payload {
		out[i] = payload[i] ^ key[i%len(key)]
	}
	return string(out), nil
}

// aesgcm layer: AES-256-GCM keyed from the passphrase via PBKDF2 over the
// install salt.

func (c *Codec) aesKey(passphrase string) []byte {
	return pbkdf2.Key([]byte(passphrase), c.salt, pbkdf2Iterations, aesKeySize, sha256.New)
}

func (c *Codec) encodeAES(inner, passphrase string) (string, error) {
	block, err := aes.NewCipher(c.aesKey(passphrase))
	if err != nil {
		return "", fmt.Errorf("failed to init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to init GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(inner), nil)
	return prefixAESGCM + base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Codec) decodeAES(encoded, passphrase string) (string, error) {
	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encoded, prefixAESGCM))
	if err != nil {
		return "", fmt.Errorf("failed to decode token payload: %w", err)
	}

	block, err := aes.NewCipher(c.aesKey(passphrase))
	if err != nil {
		return "", fmt.Errorf("failed to init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to init GCM: %w", err)
	}
	if len(payload) < gcm.NonceSize() {
		return "", ErrIntegrity
	}

	plain, err := gcm.Open(nil, payload[:gcm.NonceSize()], payload[gcm.NonceSize():], nil)
	if err != nil {
		return "", ErrIntegrity
	}
	return string(plain), nil
}
