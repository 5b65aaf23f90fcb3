package signature

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/agentpact/trustcore/pkg/identity"
)

func TestCanonicalizeTerms(t *testing.T) {
	in := "  Deliver   Docs\n\tby 2026-02-14  "
	if got := CanonicalizeTerms(in); got != "deliver docs by 2026-02-14" {
		t.Fatalf("CanonicalizeTerms = %q", got)
	}
}

func TestTermsHashDeterministicAndOrderSensitive(t *testing.T) {
	parties := []string{"did:pao:testnet:a", "did:pao:testnet:b"}
	h1 := TermsHash("Deliver docs", parties, "2026-02-14")
	h2 := TermsHash("  deliver   DOCS ", parties, "2026-02-14")
	if h1 != h2 {
		t.Fatalf("canonicalization must make hashes equal: %s vs %s", h1, h2)
	}
	swapped := []string{parties[1], parties[0]}
	if TermsHash("Deliver docs", swapped, "2026-02-14") == h1 {
		t.Fatalf("party order must change the hash")
	}
	if TermsHash("Deliver docs", parties, "2026-02-15") == h1 {
		t.Fatalf("deadline must change the hash")
	}
	if TermsHash("Deliver more docs", parties, "2026-02-14") == h1 {
		t.Fatalf("terms must change the hash")
	}
}

func TestParseEnvelopeStrict(t *testing.T) {
	for _, bad := range []string{
		"",
		"ed25519",
		"ed25519:",
		"ed25519:abc",
		"ed25519:abc=:1700000000000",      // padding forbidden
		"ed25519:ab!c:1700000000000",      // bad charset
		"ed25519:abcd:17000000000001234",  // timestamp too long
		"ed25519:abcd:-1",                 // negative timestamp
		"sig:XYZ:1700000000000",           // legacy mac must be lower hex
		"rsa:abcd:1700000000000",          // unknown scheme handled separately
	} {
		_, err := ParseEnvelope(bad)
		if err == nil {
			t.Fatalf("ParseEnvelope(%q) should fail", bad)
		}
	}
	if _, err := ParseEnvelope("rsa:abcd:1700000000000"); !errors.Is(err, ErrUnknownScheme) {
		t.Fatalf("expected ErrUnknownScheme")
	}
}

func newSignedIdentity(t *testing.T) (*identity.Manager, *identity.Document) {
	t.Helper()
	m := identity.NewManager(t.TempDir())
	doc, err := m.Init("testnet", "signer", nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return m, doc
}

func TestSignVerifyRoundTrip(t *testing.T) {
	m, doc := newSignedIdentity(t)
	priv, keyID, err := m.CurrentKey()
	if err != nil {
		t.Fatalf("CurrentKey: %v", err)
	}
	hash := TermsHash("deliver docs", []string{"a", "b"}, "")
	wire, err := Sign(hash, priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !strings.HasPrefix(wire, "ed25519:") {
		t.Fatalf("unexpected wire form %q", wire)
	}
	res := Verify(hash, wire, doc)
	if !res.Valid || res.KeyID != keyID {
		t.Fatalf("Verify: %+v", res)
	}
	if res.TimestampMs == 0 {
		t.Fatalf("timestamp not surfaced")
	}

	// tampering with the embedded timestamp breaks the signature
	env, _ := ParseEnvelope(wire)
	env.TimestampMs++
	if res := Verify(hash, env.String(), doc); res.Valid {
		t.Fatalf("timestamp tamper must invalidate")
	}
	if res := Verify(TermsHash("other terms", []string{"a", "b"}, ""), wire, doc); res.Valid {
		t.Fatalf("hash substitution must invalidate")
	}
}

func TestVerifyWithHistoryAcrossRotation(t *testing.T) {
	m, _ := newSignedIdentity(t)
	priv, _, _ := m.CurrentKey()
	hash := TermsHash("historic terms", []string{"a", "b"}, "")
	signTime := time.Now().UTC()
	wire, err := SignAt(hash, priv, signTime)
	if err != nil {
		t.Fatalf("SignAt: %v", err)
	}

	// rotation slightly later so the old interval contains signTime
	time.Sleep(5 * time.Millisecond)
	if _, err := m.Rotate("routine"); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	doc, _ := m.Load()

	if res := Verify(hash, wire, doc); res.Valid {
		t.Fatalf("current-key verify must fail after rotation")
	}
	res := VerifyWithHistory(hash, wire, doc, signTime)
	if !res.Valid || !res.Historical {
		t.Fatalf("historical verify failed: %+v", res)
	}
	if res.KeyID != doc.KeyHistory[1].KeyID {
		t.Fatalf("verified against %s, want rotated key", res.KeyID)
	}

	// a claimed time outside the key's activity interval must not verify
	outside := time.Now().UTC().Add(time.Hour)
	if res := VerifyWithHistory(hash, wire, doc, outside); res.Valid {
		t.Fatalf("claimed time after rotation resolves to the new key and must fail")
	}
	before := doc.KeyHistory[1].ActivatedAt.Add(-time.Hour)
	if res := VerifyWithHistory(hash, wire, doc, before); res.Valid {
		t.Fatalf("claimed time before activation must fail")
	}
}

func TestVerifyWithHistoryRejectsRevokedKeys(t *testing.T) {
	ctrlMgr := identity.NewManager(t.TempDir())
	if _, err := ctrlMgr.Init("testnet", "victim", &identity.Controller{Platform: "github", Handle: "op"}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	priv, _, _ := ctrlMgr.CurrentKey()
	hash := TermsHash("pre-recovery terms", []string{"a"}, "")
	signTime := time.Now().UTC()
	wire, _ := SignAt(hash, priv, signTime)

	time.Sleep(5 * time.Millisecond)
	if _, _, err := ctrlMgr.Recover("github:op:token", true); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	recovered, _ := ctrlMgr.Load()
	if res := VerifyWithHistory(hash, wire, recovered, signTime); res.Valid {
		t.Fatalf("signatures by recovery-revoked keys must not verify")
	}
}

func TestLegacySignerSideBySide(t *testing.T) {
	_, doc := newSignedIdentity(t)
	hash := TermsHash("legacy terms", []string{"a", "b"}, "")
	wire := LegacySign(hash, doc.ID)
	if !strings.HasPrefix(wire, "sig:") {
		t.Fatalf("unexpected legacy wire form %q", wire)
	}
	res := Verify(hash, wire, doc)
	if !res.Valid {
		t.Fatalf("legacy verify failed: %+v", res)
	}
	if res := Verify(hash, LegacySign(hash, "someone-else"), doc); res.Valid {
		t.Fatalf("legacy digest for another agent must not verify")
	}
}
