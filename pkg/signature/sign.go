package signature

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// signedMessage binds the timestamp into the signed bytes themselves, so the
// embedded timestamp is tamper-evident, not just envelope metadata.
func signedMessage(hashHex string, tsMs int64) []byte {
	return []byte(hashHex + "|" + strconv.FormatInt(tsMs, 10))
}

// Sign produces an ed25519 wire signature over hash||"|"||timestamp.
func Sign(hashHex string, priv ed25519.PrivateKey) (string, error) {
	return SignAt(hashHex, priv, time.Now())
}

func SignAt(hashHex string, priv ed25519.PrivateKey, at time.Time) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", errors.New("signature: ed25519 private key required")
	}
	if hashHex == "" {
		return "", errors.New("signature: hash is required")
	}
	ts := at.UnixMilli()
	sig := ed25519.Sign(priv, signedMessage(hashHex, ts))
	env := Envelope{Scheme: SchemeEd25519, Signature: sig, TimestampMs: ts}
	return env.String(), nil
}

// LegacySign is the pre-identity signer kept for backward compatibility with
// agreements created before DID keys existed. It is a keyed digest over the
// agent id, not a cryptographic signature.
func LegacySign(hashHex, agentID string) string {
	return LegacySignAt(hashHex, agentID, time.Now())
}

func LegacySignAt(hashHex, agentID string, at time.Time) string {
	ts := at.UnixMilli()
	mac := legacyMAC(hashHex, agentID, ts)
	env := Envelope{Scheme: SchemeLegacy, MAC: mac, TimestampMs: ts}
	return env.String()
}

func legacyMAC(hashHex, agentID string, tsMs int64) string {
	sum := sha256.Sum256([]byte(hashHex + "|" + agentID + "|" + strconv.FormatInt(tsMs, 10)))
	return hex.EncodeToString(sum[:])
}

// SignRaw signs arbitrary bytes with the current key, used for request
// signing (METHOD:PATH:TIMESTAMP) where no terms hash is involved.
func SignRaw(message []byte, priv ed25519.PrivateKey) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", errors.New("signature: ed25519 private key required")
	}
	return base64.RawURLEncoding.EncodeToString(ed25519.Sign(priv, message)), nil
}
