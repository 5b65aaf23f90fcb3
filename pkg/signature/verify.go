package signature

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"time"

	"github.com/agentpact/trustcore/pkg/base58"
	"github.com/agentpact/trustcore/pkg/identity"
)

// Result is the outcome of a verification. Verification never returns an
// error across the module boundary: failures come back as Valid=false with a
// reason.
type Result struct {
	Valid       bool   `json:"valid"`
	KeyID       string `json:"keyId,omitempty"`
	TimestampMs int64  `json:"timestamp,omitempty"`
	Historical  bool   `json:"historical,omitempty"`
	Reason      string `json:"error,omitempty"`
}

func invalid(reason string) Result { return Result{Valid: false, Reason: reason} }

// Verify checks a wire signature against the document's current key. Legacy
// sig: envelopes are verified against the document id.
func Verify(hashHex, wireSig string, doc *identity.Document) Result {
	env, err := ParseEnvelope(wireSig)
	if err != nil {
		return invalid("malformed signature")
	}
	switch env.Scheme {
	case SchemeLegacy:
		return verifyLegacy(hashHex, env, doc.ID)
	case SchemeEd25519:
		keyID := doc.CurrentKeyID()
		if keyID == "" {
			return invalid("document has no current key")
		}
		return verifyWithKey(hashHex, env, doc, keyID, false)
	default:
		return invalid("unknown signature scheme")
	}
}

// VerifyWithHistory falls back to the key whose activity interval
// [activatedAt, rotatedAt) contains the claimed signing time. This is what
// lets signatures survive key rotation. Keys revoked by controller recovery
// never verify historically.
func VerifyWithHistory(hashHex, wireSig string, doc *identity.Document, claimedSignTime time.Time) Result {
	if res := Verify(hashHex, wireSig, doc); res.Valid || res.Reason == "malformed signature" {
		return res
	}
	env, err := ParseEnvelope(wireSig)
	if err != nil || env.Scheme != SchemeEd25519 {
		return invalid("malformed signature")
	}
	entry := keyActiveAt(doc, claimedSignTime)
	if entry == nil {
		return invalid("no key was active at the claimed signing time")
	}
	if entry.RevokedAt != nil {
		return invalid("key was revoked by " + entry.RevocationReason)
	}
	return verifyWithKey(hashHex, env, doc, entry.KeyID, true)
}

func keyActiveAt(doc *identity.Document, at time.Time) *identity.KeyHistoryEntry {
	for i := range doc.KeyHistory {
		e := &doc.KeyHistory[i]
		if at.Before(e.ActivatedAt) {
			continue
		}
		if e.RotatedAt == nil || at.Before(*e.RotatedAt) {
			return e
		}
	}
	return nil
}

func verifyWithKey(hashHex string, env *Envelope, doc *identity.Document, keyID string, historical bool) Result {
	vm := doc.MethodByID(keyID)
	if vm == nil {
		return invalid("key " + keyID + " not present in document")
	}
	pub, err := base58.DecodeMultibase(vm.PublicKeyMultibase)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return invalid("key material for " + keyID + " is malformed")
	}
	if len(env.Signature) != ed25519.SignatureSize {
		return invalid("signature has wrong length")
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), signedMessage(hashHex, env.TimestampMs), env.Signature) {
		return invalid("signature does not verify")
	}
	return Result{Valid: true, KeyID: keyID, TimestampMs: env.TimestampMs, Historical: historical}
}

func verifyLegacy(hashHex string, env *Envelope, agentID string) Result {
	expected := legacyMAC(hashHex, agentID, env.TimestampMs)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(env.MAC)) != 1 {
		return invalid("legacy digest mismatch")
	}
	return Result{Valid: true, KeyID: agentID, TimestampMs: env.TimestampMs}
}

// VerifyRaw checks a bare base64url ed25519 signature over message with the
// given key id from the document, used for DID-signed HTTP requests.
func VerifyRaw(message []byte, sigB64 string, doc *identity.Document, keyID string) Result {
	vm := doc.MethodByID(keyID)
	if vm == nil {
		return invalid("key " + keyID + " not present in document")
	}
	pub, err := base58.DecodeMultibase(vm.PublicKeyMultibase)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return invalid("key material for " + keyID + " is malformed")
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return invalid("signature encoding is invalid")
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), message, sig) {
		return invalid("signature does not verify")
	}
	return Result{Valid: true, KeyID: keyID}
}
