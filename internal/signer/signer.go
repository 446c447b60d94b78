// Package signer implements HMAC-SHA256 signing of webhook payloads and
// constant-time verification for receivers.
package signer

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// SecretPrefix makes generated secrets recognizable in configuration and logs.
const SecretPrefix = "whsec_"

const secretBytes = 24

// Sign computes the hex HMAC-SHA256 of "{timestamp}.{payload}". The payload
// must be the exact byte string sent on the wire; signing a re-serialized
// object breaks verification when key order differs.
func Sign(secret, timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.%s", timestamp, payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares it in constant time. A
// malformed candidate is a verification failure, never an error.
func Verify(secret, timestamp, payload, candidate string) bool {
	expected, err := hex.DecodeString(Sign(secret, timestamp, payload))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(candidate)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

// GenerateSecret returns a new webhook signing secret in the form
// whsec_<48 hex chars>, sourced from crypto/rand.
func GenerateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return SecretPrefix + hex.EncodeToString(b), nil
}
