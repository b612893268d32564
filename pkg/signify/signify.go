// Package signify verifies signify/usign detached signatures as published
// next to toolchain checksum lists.
package signify

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	algLen    = 2
	keyNumLen = 8
)

var algEd25519 = []byte("Ed")

// PublicKey is a decoded usign public key.
type PublicKey struct {
	KeyNum [keyNumLen]byte
	Key    ed25519.PublicKey
}

// Signature is a decoded usign signature.
type Signature struct {
	KeyNum [keyNumLen]byte
	Sig    []byte
}

// ParsePublicKey decodes a key either as a bare base64 line or as a full
// key file whose last line carries the key material.
func ParsePublicKey(text string) (PublicKey, error) {
	raw, err := decodeLastLine(text)
	if err != nil {
		return PublicKey{}, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != algLen+keyNumLen+ed25519.PublicKeySize {
		return PublicKey{}, fmt.Errorf("public key has %d bytes", len(raw))
	}
	if !bytes.Equal(raw[:algLen], algEd25519) {
		return PublicKey{}, errors.New("public key is not Ed25519")
	}
	var pk PublicKey
	copy(pk.KeyNum[:], raw[algLen:algLen+keyNumLen])
	pk.Key = ed25519.PublicKey(raw[algLen+keyNumLen:])
	return pk, nil
}

// ParseSignature decodes the base64 payload on the last non-empty line of
// a signature file.
func ParseSignature(text string) (Signature, error) {
	raw, err := decodeLastLine(text)
	if err != nil {
		return Signature{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(raw) != algLen+keyNumLen+ed25519.SignatureSize {
		return Signature{}, fmt.Errorf("signature has %d bytes", len(raw))
	}
	if !bytes.Equal(raw[:algLen], algEd25519) {
		return Signature{}, errors.New("signature is not Ed25519")
	}
	var sig Signature
	copy(sig.KeyNum[:], raw[algLen:algLen+keyNumLen])
	sig.Sig = raw[algLen+keyNumLen:]
	return sig, nil
}

// Verify reports whether signature is a valid signature of message by
// publicKey. Malformed input verifies false.
func Verify(message []byte, signature, publicKey string) bool {
	pk, err := ParsePublicKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := ParseSignature(signature)
	if err != nil {
		return false
	}
	if pk.KeyNum != sig.KeyNum {
		return false
	}
	return ed25519.Verify(pk.Key, message, sig.Sig)
}

// Fingerprint returns the hex key number of a public key, which usign uses
// as the key file name.
func Fingerprint(publicKey string) (string, error) {
	raw, err := decodeLastLine(publicKey)
	if err != nil {
		return "", err
	}
	if len(raw) < algLen+keyNumLen {
		return "", errors.New("public key too short")
	}
	return hex.EncodeToString(raw[algLen : algLen+keyNumLen]), nil
}

// EncodePublicKey renders a key in the single line form usign prints.
func EncodePublicKey(keyNum [keyNumLen]byte, key ed25519.PublicKey) string {
	buf := make([]byte, 0, algLen+keyNumLen+len(key))
	buf = append(buf, algEd25519...)
	buf = append(buf, keyNum[:]...)
	buf = append(buf, key...)
	return base64.StdEncoding.EncodeToString(buf)
}

// Sign produces a signature file body for message. It exists for tooling
// and tests that need to publish signed checksum lists.
func Sign(keyNum [keyNumLen]byte, priv ed25519.PrivateKey, message []byte) string {
	sig := ed25519.Sign(priv, message)
	buf := make([]byte, 0, algLen+keyNumLen+len(sig))
	buf = append(buf, algEd25519...)
	buf = append(buf, keyNum[:]...)
	buf = append(buf, sig...)
	return "untrusted comment: signed by key " + hex.EncodeToString(keyNum[:]) + "\n" +
		base64.StdEncoding.EncodeToString(buf) + "\n"
}

func decodeLastLine(text string) ([]byte, error) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return nil, errors.New("empty input")
	}
	return base64.StdEncoding.DecodeString(last)
}
