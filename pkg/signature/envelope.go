// Package signature implements terms canonicalization and hashing, the
// signature envelope format, and verification against current and historical
// keys of a DID document.
package signature

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

const (
	SchemeEd25519 = "ed25519"
	SchemeLegacy  = "sig"
)

var (
	ErrMalformedEnvelope = errors.New("signature: malformed envelope")
	ErrUnknownScheme     = errors.New("signature: unknown scheme")
)

// Envelope is the decoded wire signature. The wire form is a fixed
// three-field layout:
//
//	ed25519:<sig-b64url>:<unixMsTimestamp>
//	sig:<mac-hex>:<unixMsTimestamp>        (legacy, non-cryptographic)
//
// Both payload fields are drawn from alphabets that exclude ':', so the
// layout is unambiguous; the parser still validates each field's charset
// rather than trusting a split.
type Envelope struct {
	Scheme      string
	Signature   []byte
	MAC         string
	TimestampMs int64
}

// ParseEnvelope strictly decodes a wire signature.
func ParseEnvelope(s string) (*Envelope, error) {
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok {
		return nil, ErrMalformedEnvelope
	}
	body, tsField, ok := strings.Cut(rest, ":")
	if !ok || body == "" || tsField == "" {
		return nil, ErrMalformedEnvelope
	}
	ts, err := parseTimestampMs(tsField)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case SchemeEd25519:
		if strings.ContainsAny(body, "=:") {
			return nil, ErrMalformedEnvelope
		}
		sig, err := base64.RawURLEncoding.DecodeString(body)
		if err != nil {
			return nil, ErrMalformedEnvelope
		}
		return &Envelope{Scheme: SchemeEd25519, Signature: sig, TimestampMs: ts}, nil
	case SchemeLegacy:
		if !isLowerHex(body) {
			return nil, ErrMalformedEnvelope
		}
		return &Envelope{Scheme: SchemeLegacy, MAC: body, TimestampMs: ts}, nil
	default:
		return nil, ErrUnknownScheme
	}
}

func (e *Envelope) String() string {
	switch e.Scheme {
	case SchemeLegacy:
		return SchemeLegacy + ":" + e.MAC + ":" + strconv.FormatInt(e.TimestampMs, 10)
	default:
		return SchemeEd25519 + ":" + base64.RawURLEncoding.EncodeToString(e.Signature) + ":" + strconv.FormatInt(e.TimestampMs, 10)
	}
}

func parseTimestampMs(s string) (int64, error) {
	if s == "" || len(s) > 16 {
		return 0, ErrMalformedEnvelope
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, ErrMalformedEnvelope
		}
	}
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, ErrMalformedEnvelope
	}
	return ts, nil
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return len(s) > 0
}
