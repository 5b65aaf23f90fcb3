package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentpact/trustcore/pkg/base58"
	"github.com/agentpact/trustcore/pkg/fault"
)

const (
	didFile        = "did.json"
	privateDir     = "private"
	archiveDir     = "archive"
	recoveryDir    = "recovery"
	peersDir       = "peers"
	currentKeyFile = "key-current.json"
)

// Manager owns one agent identity rooted at a directory:
//
//	<dir>/did.json
//	<dir>/private/key-current.json   (0600)
//	<dir>/archive/<keyId>.json       (0600)
//	<dir>/recovery/<ts>.json
//	<dir>/peers/<name>.json          resolvable counterparty documents
type Manager struct {
	dir string
	mu  sync.Mutex

	now func() time.Time
}

func NewManager(dir string) *Manager {
	return &Manager{dir: dir, now: func() time.Time { return time.Now().UTC() }}
}

// Init generates the genesis keypair and DID document. It refuses to
// overwrite an existing identity.
func (m *Manager) Init(namespace, name string, controller *Controller) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if strings.TrimSpace(namespace) == "" || strings.TrimSpace(name) == "" {
		return nil, fault.Validationf("IDENTITY_INVALID", "namespace and name are required")
	}
	if _, err := os.Stat(filepath.Join(m.dir, didFile)); err == nil {
		return nil, fault.Conflictf("IDENTITY_EXISTS", "identity already initialized at %s", m.dir)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fault.Persistence("generate keypair", err)
	}

	did := DID(namespace, name)
	keyID := did + "#key-1"
	now := m.now()
	doc := &Document{
		ID:      did,
		Created: now,
		Updated: now,
		VerificationMethod: []VerificationMethod{{
			ID:                 keyID,
			Type:               KeyType,
			Controller:         did,
			PublicKeyMultibase: base58.EncodeMultibase(pub),
		}},
		Authentication:  []string{keyID},
		AssertionMethod: []string{keyID},
		KeyHistory: []KeyHistoryEntry{{
			KeyID:       keyID,
			ActivatedAt: now,
		}},
		Controller: controller,
	}

	rec := KeyRecord{
		KeyID:              keyID,
		PrivateKeyBase64:   base64.StdEncoding.EncodeToString(priv),
		PublicKeyMultibase: base58.EncodeMultibase(pub),
		CreatedAt:          now,
	}
	if err := m.writeCurrentKey(rec); err != nil {
		return nil, err
	}
	if err := m.writeDoc(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Load reads the local DID document.
func (m *Manager) Load() (*Document, error) {
	var doc Document
	if err := readJSONFile(filepath.Join(m.dir, didFile), &doc); err != nil {
		if os.IsNotExist(err) {
			return nil, fault.NotFoundf("IDENTITY_NOT_FOUND", "no identity at %s", m.dir)
		}
		return nil, fault.Persistence("load did document", err)
	}
	return &doc, nil
}

// CurrentKey returns the active private key and its key id. A missing key
// record for an initialized identity is identity corruption, not a plain
// not-found: it means the recovery flow is needed.
func (m *Manager) CurrentKey() (ed25519.PrivateKey, string, error) {
	var rec KeyRecord
	if err := readJSONFile(filepath.Join(m.dir, privateDir, currentKeyFile), &rec); err != nil {
		if os.IsNotExist(err) {
			return nil, "", fault.NotFoundf("IDENTITY_CORRUPT", "private key record missing").
				WithHint("the identity directory exists without its private key; run recovery")
		}
		return nil, "", fault.Persistence("load private key", err)
	}
	priv, err := base64.StdEncoding.DecodeString(rec.PrivateKeyBase64)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return nil, "", fault.NotFoundf("IDENTITY_CORRUPT", "private key record is malformed")
	}
	return ed25519.PrivateKey(priv), rec.KeyID, nil
}

// Rotate generates a successor keypair. The outgoing key signs the rotation
// statement naming its successor, then is archived with restricted
// permissions. Old keys stay in verificationMethod so historical signatures
// keep verifying.
func (m *Manager) Rotate(reason string) (*RotationProof, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.Load()
	if err != nil {
		return nil, err
	}
	oldPriv, oldKeyID, err := m.CurrentKey()
	if err != nil {
		return nil, err
	}
	if doc.CurrentKeyID() != oldKeyID {
		return nil, fault.NotFoundf("IDENTITY_CORRUPT", "private key %s does not match document head %s", oldKeyID, doc.CurrentKeyID())
	}

	newPub, newPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fault.Persistence("generate keypair", err)
	}
	now := m.now()
	newKeyID := fmt.Sprintf("%s#key-%d", doc.ID, len(doc.KeyHistory)+1)
	newPubMB := base58.EncodeMultibase(newPub)

	proof := &RotationProof{
		PreviousKeyID: oldKeyID,
		NewKeyID:      newKeyID,
		NewPublicKey:  newPubMB,
		Reason:        reason,
		RotatedAt:     now,
	}
	proof.Signature = base64.RawURLEncoding.EncodeToString(ed25519.Sign(oldPriv, rotationStatementBytes(*proof)))

	// Archive the outgoing private key tagged with its successor.
	oldRec := KeyRecord{
		KeyID:              oldKeyID,
		PrivateKeyBase64:   base64.StdEncoding.EncodeToString(oldPriv),
		PublicKeyMultibase: doc.MethodByID(oldKeyID).PublicKeyMultibase,
		CreatedAt:          doc.KeyHistory[0].ActivatedAt,
		ArchivedAt:         &now,
		SuccessorKeyID:     newKeyID,
	}
	archivePath := filepath.Join(m.dir, archiveDir, keyFragment(oldKeyID)+".json")
	if err := writeJSONFileAtomic(archivePath, oldRec, 0o600); err != nil {
		return nil, fault.Persistence("archive key", err)
	}

	doc.VerificationMethod = append([]VerificationMethod{{
		ID:                 newKeyID,
		Type:               KeyType,
		Controller:         doc.ID,
		PublicKeyMultibase: newPubMB,
	}}, doc.VerificationMethod...)
	doc.Authentication = []string{newKeyID}
	doc.AssertionMethod = []string{newKeyID}
	doc.KeyHistory[0].RotatedAt = &now
	doc.KeyHistory[0].RotationProof = proof
	doc.KeyHistory = append([]KeyHistoryEntry{{
		KeyID:         newKeyID,
		ActivatedAt:   now,
		PreviousKeyID: oldKeyID,
	}}, doc.KeyHistory...)
	doc.Updated = now

	newRec := KeyRecord{
		KeyID:              newKeyID,
		PrivateKeyBase64:   base64.StdEncoding.EncodeToString(newPriv),
		PublicKeyMultibase: newPubMB,
		CreatedAt:          now,
	}
	if err := m.writeCurrentKey(newRec); err != nil {
		return nil, err
	}
	if err := m.writeDoc(doc); err != nil {
		return nil, err
	}
	return proof, nil
}

// Recover is the loss-of-control flow. Without confirm it previews the keys
// that would be revoked. With confirm it mints a fresh keypair, replaces
// verificationMethod with only the new key, and revokes every prior history
// entry instead of chaining.
func (m *Manager) Recover(controllerProof string, confirm bool) (*RecoveryPreview, *Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.Load()
	if err != nil {
		return nil, nil, err
	}
	if doc.Controller == nil {
		return nil, nil, fault.Validationf("NO_CONTROLLER", "identity has no recovery controller configured")
	}
	if err := checkControllerProof(doc.Controller, controllerProof); err != nil {
		return nil, nil, err
	}

	revoked := make([]string, 0, len(doc.KeyHistory))
	for _, e := range doc.KeyHistory {
		revoked = append(revoked, e.KeyID)
	}
	preview := &RecoveryPreview{DID: doc.ID, RevokedKeyIDs: revoked, Confirmed: confirm}
	if !confirm {
		return preview, nil, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fault.Persistence("generate keypair", err)
	}
	now := m.now()
	newKeyID := fmt.Sprintf("%s#key-%d", doc.ID, len(doc.KeyHistory)+1)
	newPubMB := base58.EncodeMultibase(pub)

	for i := range doc.KeyHistory {
		doc.KeyHistory[i].RevokedAt = &now
		doc.KeyHistory[i].RevocationReason = RevocationReasonRecovery
	}
	doc.VerificationMethod = []VerificationMethod{{
		ID:                 newKeyID,
		Type:               KeyType,
		Controller:         doc.ID,
		PublicKeyMultibase: newPubMB,
	}}
	doc.Authentication = []string{newKeyID}
	doc.AssertionMethod = []string{newKeyID}
	doc.KeyHistory = append([]KeyHistoryEntry{{
		KeyID:       newKeyID,
		ActivatedAt: now,
	}}, doc.KeyHistory...)
	doc.Updated = now

	proofSum := sha256.Sum256([]byte(controllerProof))
	audit := RecoveryRecord{
		RecoveredAt:     now,
		ControllerProof: hex.EncodeToString(proofSum[:]),
		RevokedKeyIDs:   revoked,
		NewKeyID:        newKeyID,
	}
	auditPath := filepath.Join(m.dir, recoveryDir, fmt.Sprintf("%d.json", now.UnixMilli()))
	if err := writeJSONFileAtomic(auditPath, audit, 0o644); err != nil {
		return nil, nil, fault.Persistence("write recovery record", err)
	}

	rec := KeyRecord{
		KeyID:              newKeyID,
		PrivateKeyBase64:   base64.StdEncoding.EncodeToString(priv),
		PublicKeyMultibase: newPubMB,
		CreatedAt:          now,
	}
	if err := m.writeCurrentKey(rec); err != nil {
		return nil, nil, err
	}
	if err := m.writeDoc(doc); err != nil {
		return nil, nil, err
	}
	return preview, doc, nil
}

// VerifyKeyChainIntegrity walks keyHistory pairwise and reports every break
// in the succession chain. A controller recovery deliberately severs the
// chain: a key with no previousKeyId sitting above recovery-revoked entries
// is a new genesis, not a break.
func VerifyKeyChainIntegrity(doc *Document) []string {
	var issues []string
	if len(doc.KeyHistory) == 0 {
		return []string{"key history is empty"}
	}
	if doc.CurrentKeyID() != doc.KeyHistory[0].KeyID {
		issues = append(issues, fmt.Sprintf("authentication key %s is not the head of keyHistory", doc.CurrentKeyID()))
	}
	for i := 0; i+1 < len(doc.KeyHistory); i++ {
		cur, prev := doc.KeyHistory[i], doc.KeyHistory[i+1]
		if cur.PreviousKeyID == "" && prev.RevocationReason == RevocationReasonRecovery {
			continue
		}
		if cur.PreviousKeyID != prev.KeyID {
			issues = append(issues, fmt.Sprintf("entry %s names previous key %q, expected %s", cur.KeyID, cur.PreviousKeyID, prev.KeyID))
		}
	}
	if genesis := doc.KeyHistory[len(doc.KeyHistory)-1]; genesis.PreviousKeyID != "" {
		issues = append(issues, fmt.Sprintf("genesis entry %s has a previous key", genesis.KeyID))
	}
	return issues
}

// VerifyRotationProof checks a succession statement against the outgoing
// key's public material in the document.
func VerifyRotationProof(doc *Document, proof *RotationProof) bool {
	vm := doc.MethodByID(proof.PreviousKeyID)
	if vm == nil {
		return false
	}
	pub, err := base58.DecodeMultibase(vm.PublicKeyMultibase)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(proof.Signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), rotationStatementBytes(*proof), sig)
}

// ResolvePeer resolves a DID against the local identity and the peers
// directory. External DIDs are not resolvable by design.
func (m *Manager) ResolvePeer(did string) (*Document, error) {
	doc, err := m.Load()
	if err == nil && doc.ID == did {
		return doc, nil
	}
	entries, err := os.ReadDir(filepath.Join(m.dir, peersDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.NotFoundf("DID_NOT_RESOLVABLE", "did %s is not locally resolvable", did)
		}
		return nil, fault.Persistence("read peers", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var peer Document
		if err := readJSONFile(filepath.Join(m.dir, peersDir, e.Name()), &peer); err != nil {
			continue
		}
		if peer.ID == did {
			return &peer, nil
		}
	}
	return nil, fault.NotFoundf("DID_NOT_RESOLVABLE", "did %s is not locally resolvable", did)
}

// SavePeer stores a counterparty document for local resolution.
func (m *Manager) SavePeer(doc *Document) error {
	parts := strings.Split(doc.ID, ":")
	if len(parts) != 4 || parts[0] != "did" {
		return fault.Validationf("DID_INVALID", "malformed did %q", doc.ID)
	}
	path := filepath.Join(m.dir, peersDir, parts[2]+"-"+parts[3]+".json")
	if err := writeJSONFileAtomic(path, doc, 0o644); err != nil {
		return fault.Persistence("save peer", err)
	}
	return nil
}

func (m *Manager) writeDoc(doc *Document) error {
	if err := writeJSONFileAtomic(filepath.Join(m.dir, didFile), doc, 0o644); err != nil {
		return fault.Persistence("write did document", err)
	}
	return nil
}

func (m *Manager) writeCurrentKey(rec KeyRecord) error {
	path := filepath.Join(m.dir, privateDir, currentKeyFile)
	if err := writeJSONFileAtomic(path, rec, 0o600); err != nil {
		return fault.Persistence("write private key", err)
	}
	return nil
}

// rotationStatementBytes serializes the statement the outgoing key signs.
// The signature field is excluded; struct field order fixes the layout.
func rotationStatementBytes(p RotationProof) []byte {
	p.Signature = ""
	b, _ := json.Marshal(p)
	return b
}

func checkControllerProof(c *Controller, proof string) error {
	// Proof format: <platform>:<handle>:<token>. Out-of-band verification of
	// the token is the controller platform's job; here the binding to the
	// registered contact is what gets checked.
	parts := strings.SplitN(strings.TrimSpace(proof), ":", 3)
	if len(parts) != 3 || parts[2] == "" {
		return fault.Validationf("CONTROLLER_PROOF_INVALID", "controller proof must be platform:handle:token")
	}
	if parts[0] != c.Platform || parts[1] != c.Handle {
		return fault.Forbiddenf("CONTROLLER_MISMATCH", "proof does not match registered controller")
	}
	return nil
}

func keyFragment(keyID string) string {
	if i := strings.LastIndexByte(keyID, '#'); i >= 0 {
		return keyID[i+1:]
	}
	return keyID
}

func readJSONFile(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// writeJSONFileAtomic writes via temp file + rename so a crash never leaves
// half-written JSON behind.
func writeJSONFileAtomic(path string, v any, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
