// Package signing provides payload canonicalization, content hashing and
// Ed25519 signature verification for the crawlmesh trust pipeline.
//
// Payloads travel as JSON objects. Canonical bytes are produced by
// encoding/json, which marshals map keys in sorted order, so any two
// parties serializing the same payload obtain byte-identical input for
// hashing and signing.
package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrBadSignature is returned when a signature does not verify
	// against the producer's registered public key.
	ErrBadSignature = errors.New("signature verification failed")
	// ErrHashMismatch is returned when a declared content hash does not
	// match the hash recomputed from the payload.
	ErrHashMismatch = errors.New("content hash mismatch")
)

// CanonicalBytes serializes a payload to its canonical byte form.
func CanonicalBytes(payload map[string]interface{}) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return b, nil
}

// ContentHash returns the lowercase hex sha256 of the canonical payload.
func ContentHash(payload map[string]interface{}) (string, error) {
	b, err := CanonicalBytes(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyHash checks a declared content hash against the payload.
func VerifyHash(payload map[string]interface{}, declared string) error {
	computed, err := ContentHash(payload)
	if err != nil {
		return err
	}
	if computed != declared {
		return fmt.Errorf("%w: declared %s, computed %s", ErrHashMismatch, declared, computed)
	}
	return nil
}

// Sign signs the canonical payload bytes and returns a hex signature.
func Sign(priv ed25519.PrivateKey, payload map[string]interface{}) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("invalid private key length: %d", len(priv))
	}
	b, err := CanonicalBytes(payload)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ed25519.Sign(priv, b)), nil
}

// Verify checks a hex-encoded Ed25519 signature over the canonical
// payload bytes.
func Verify(pub ed25519.PublicKey, payload map[string]interface{}, sigHex string) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key length: %d", len(pub))
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	b, err := CanonicalBytes(payload)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, b, sig) {
		return ErrBadSignature
	}
	return nil
}

// ShortID derives a 16-character identifier from arbitrary input, the
// same shape the rest of the mesh uses for content-addressed ids.
func ShortID(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
