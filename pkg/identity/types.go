// Package identity implements the self-sovereign agent identity subsystem:
// Ed25519 keypair lifecycle, the DID document, key rotation with succession
// proofs signed by the outgoing key, and human-controller recovery.
package identity

import (
	"time"
)

const (
	// DIDMethod is the method segment of every locally issued DID.
	DIDMethod = "pao"

	// KeyType is the verification method type for Ed25519 keys.
	KeyType = "Ed25519VerificationKey2020"

	// RevocationReasonRecovery marks keys revoked by controller recovery, the
	// only flow that revokes rather than chains keys.
	RevocationReasonRecovery = "controller_recovery"
)

type Document struct {
	ID                 string               `json:"id"`
	Created            time.Time            `json:"created"`
	Updated            time.Time            `json:"updated"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
	Authentication     []string             `json:"authentication"`
	AssertionMethod    []string             `json:"assertionMethod"`
	KeyHistory         []KeyHistoryEntry    `json:"keyHistory"`
	Controller         *Controller          `json:"controller,omitempty"`
}

type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

// KeyHistoryEntry is one link in the succession chain. Entries are kept in
// reverse-chronological order: index 0 is the current key, the genesis key
// (no previousKeyId) is last.
type KeyHistoryEntry struct {
	KeyID            string         `json:"keyId"`
	ActivatedAt      time.Time      `json:"activatedAt"`
	RotatedAt        *time.Time     `json:"rotatedAt,omitempty"`
	RotationProof    *RotationProof `json:"rotationProof,omitempty"`
	PreviousKeyID    string         `json:"previousKeyId,omitempty"`
	RevokedAt        *time.Time     `json:"revokedAt,omitempty"`
	RevocationReason string         `json:"revocationReason,omitempty"`
}

// RotationProof is the succession statement signed by the outgoing key,
// attesting that it hands authority to the new key.
type RotationProof struct {
	PreviousKeyID string    `json:"previousKeyId"`
	NewKeyID      string    `json:"newKeyId"`
	NewPublicKey  string    `json:"newPublicKey"`
	Reason        string    `json:"reason"`
	RotatedAt     time.Time `json:"rotatedAt"`
	Signature     string    `json:"signature"`
}

// Controller is the optional human recovery contact bound to the identity.
type Controller struct {
	Platform          string `json:"platform"`
	Handle            string `json:"handle"`
	VerificationProof string `json:"verificationProof,omitempty"`
}

// KeyRecord is the private half of a key. It is stored outside the DID
// document with restricted permissions and is never embedded in anything that
// leaves the process. Rotated keys are archived, not deleted, tagged with
// their successor so historical signatures stay checkable.
type KeyRecord struct {
	KeyID              string     `json:"keyId"`
	PrivateKeyBase64   string     `json:"privateKeyBase64"`
	PublicKeyMultibase string     `json:"publicKeyMultibase"`
	CreatedAt          time.Time  `json:"createdAt"`
	ArchivedAt         *time.Time `json:"archivedAt,omitempty"`
	SuccessorKeyID     string     `json:"successorKeyId,omitempty"`
}

// RecoveryRecord is the audit entry written for every confirmed recovery.
type RecoveryRecord struct {
	RecoveredAt     time.Time `json:"recoveredAt"`
	ControllerProof string    `json:"controllerProofHash"`
	RevokedKeyIDs   []string  `json:"revokedKeyIds"`
	NewKeyID        string    `json:"newKeyId"`
}

// RecoveryPreview describes what a confirmed recovery would do.
type RecoveryPreview struct {
	DID           string   `json:"did"`
	RevokedKeyIDs []string `json:"revokedKeyIds"`
	Confirmed     bool     `json:"confirmed"`
}

// DID builds a did:pao identifier from a namespace and name.
func DID(namespace, name string) string {
	return "did:" + DIDMethod + ":" + namespace + ":" + name
}

// CurrentKeyID returns the id of the document's current key, empty if the
// document has no authentication entry.
func (d *Document) CurrentKeyID() string {
	if len(d.Authentication) == 0 {
		return ""
	}
	return d.Authentication[0]
}

// MethodByID finds a verification method by key id.
func (d *Document) MethodByID(keyID string) *VerificationMethod {
	for i := range d.VerificationMethod {
		if d.VerificationMethod[i].ID == keyID {
			return &d.VerificationMethod[i]
		}
	}
	return nil
}

// HistoryByID finds a key history entry by key id.
func (d *Document) HistoryByID(keyID string) *KeyHistoryEntry {
	for i := range d.KeyHistory {
		if d.KeyHistory[i].KeyID == keyID {
			return &d.KeyHistory[i]
		}
	}
	return nil
}
