// Package engine implements the Programmable Agreement Object lifecycle:
// proposal, agreement, arbitration, and ruling, with every transition
// appended to an immutable per-agreement timeline.
package engine

import "time"

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending_acceptance"
	ProposalAccepted ProposalStatus = "accepted"
	ProposalRejected ProposalStatus = "rejected"
	ProposalExpired  ProposalStatus = "expired"
)

type AgreementStatus string

const (
	AgreementActive      AgreementStatus = "active"
	AgreementPendingConf AgreementStatus = "pending_confirmation"
	AgreementDisputed    AgreementStatus = "disputed"
	AgreementClosed      AgreementStatus = "closed"
)

type ArbitrationStatus string

const (
	ArbitrationOpen           ArbitrationStatus = "open"
	ArbitrationEvidencePeriod ArbitrationStatus = "evidence_period"
	ArbitrationDeliberation   ArbitrationStatus = "deliberation"
	ArbitrationRuled          ArbitrationStatus = "ruled"
)

type RulingDecision string

const (
	DecisionClaimant   RulingDecision = "claimant"
	DecisionRespondent RulingDecision = "respondent"
	DecisionSplit      RulingDecision = "split"
)

// Resolution records how a closed agreement ended.
const (
	ResolutionFulfilled = "fulfilled"
	ResolutionRuled     = "ruled"
)

// X402Terms gates arbitration behind an on-chain payment proof. Only the
// proof's format is checked locally; chain verification is an external
// collaborator's job and is never awaited inline.
type X402Terms struct {
	ArbitrationCost string `json:"arbitrationCost,omitempty"`
	PaymentToken    string `json:"paymentToken,omitempty"`
	PaymentChain    string `json:"paymentChain,omitempty"`
	PaymentAddress  string `json:"paymentAddress,omitempty"`
}

type Proposal struct {
	ProposalID        string         `json:"proposalId"`
	Terms             string         `json:"terms"`
	TermsHash         string         `json:"termsHash"`
	Proposer          string         `json:"proposer"`
	Counterparty      string         `json:"counterparty"`
	Arbiter           string         `json:"arbiter"`
	Deadline          string         `json:"deadline,omitempty"`
	Value             string         `json:"value,omitempty"`
	X402              *X402Terms     `json:"x402,omitempty"`
	ProposerSignature string         `json:"proposerSignature"`
	Status            ProposalStatus `json:"status"`
	CreatedAt         time.Time      `json:"createdAt"`
	ExpiresAt         time.Time      `json:"expiresAt"`
	// AgreementID back-references the promotion; proposals are never deleted.
	AgreementID string `json:"agreementId,omitempty"`
}

type TimelineEvent struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type Agreement struct {
	AgreementID string            `json:"agreementId"`
	ProposalID  string            `json:"proposalId"`
	TermsHash   string            `json:"termsHash"`
	Parties     [2]string         `json:"parties"`
	Arbiter     string            `json:"arbiter"`
	Signatures  map[string]string `json:"signatures"`
	X402        *X402Terms        `json:"x402,omitempty"`
	Status      AgreementStatus   `json:"status"`
	Resolution  string            `json:"resolution,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	// GraceEndsAt is set by fulfill; the uncontested close happens lazily
	// once it has passed.
	GraceEndsAt   *time.Time      `json:"graceEndsAt,omitempty"`
	ArbitrationID string          `json:"arbitrationId,omitempty"`
	Timeline      []TimelineEvent `json:"timeline"`
}

type Evidence struct {
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
	Hash      string    `json:"hash"`
	Type      string    `json:"type"`
}

type EvidenceSet struct {
	Claimant   []Evidence `json:"claimant"`
	Respondent []Evidence `json:"respondent"`
}

type Arbitration struct {
	ArbitrationID    string            `json:"arbitrationId"`
	AgreementID      string            `json:"agreementId"`
	Claimant         string            `json:"claimant"`
	Respondent       string            `json:"respondent"`
	Arbiter          string            `json:"arbiter"`
	Reason           string            `json:"reason"`
	Evidence         EvidenceSet       `json:"evidence"`
	EvidenceDeadline time.Time         `json:"evidenceDeadline"`
	Status           ArbitrationStatus `json:"status"`
	OpenedAt         time.Time         `json:"openedAt"`
	Ruling           *Ruling           `json:"ruling"`
}

type EvidenceCounts struct {
	Claimant   int `json:"claimant"`
	Respondent int `json:"respondent"`
}

type Ruling struct {
	RulingID           string         `json:"rulingId"`
	ArbitrationID      string         `json:"arbitrationId"`
	Decision           RulingDecision `json:"decision"`
	Reasoning          string         `json:"reasoning"`
	ReasoningHash      string         `json:"reasoningHash"`
	EvidenceConsidered EvidenceCounts `json:"evidenceConsidered"`
	IssuedAt           time.Time      `json:"issuedAt"`
}

// WitnessRecord stores an externally captured document hash countersigned by
// the local identity, e.g. from a capture tool handing over risk flags.
type WitnessRecord struct {
	WitnessID    string    `json:"witnessId"`
	DocumentHash string    `json:"documentHash"`
	Source       string    `json:"source,omitempty"`
	Flags        []string  `json:"flags,omitempty"`
	WitnessedAt  time.Time `json:"witnessedAt"`
	SignedBy     string    `json:"signedBy"`
	Signature    string    `json:"signature"`
}

func (a *Agreement) isParty(actor string) bool {
	return actor == a.Parties[0] || actor == a.Parties[1]
}

func (a *Agreement) otherParty(actor string) string {
	if actor == a.Parties[0] {
		return a.Parties[1]
	}
	return a.Parties[0]
}
