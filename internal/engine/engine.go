package engine

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentpact/trustcore/internal/store"
	"github.com/agentpact/trustcore/pkg/fault"
	"github.com/agentpact/trustcore/pkg/identity"
	"github.com/agentpact/trustcore/pkg/signature"
)

// Options tune the lifecycle windows. Zero values pick the defaults.
type Options struct {
	ProposalTTL    time.Duration // pending_acceptance -> expired
	GracePeriod    time.Duration // pending_confirmation -> closed when uncontested
	EvidenceWindow time.Duration // arbitration evidence_period length
}

const (
	defaultProposalTTL    = 72 * time.Hour
	defaultGracePeriod    = 24 * time.Hour
	defaultEvidenceWindow = 48 * time.Hour
)

// Engine drives the agreement state machine over the entity store. All
// transitions run under the store's per-entity write serialization; expiry
// and the uncontested grace close are evaluated lazily on read, never by a
// background sweep.
type Engine struct {
	st  store.Store
	ids *identity.Manager
	opt Options

	now func() time.Time
}

func New(st store.Store, ids *identity.Manager, opt Options) *Engine {
	if opt.ProposalTTL <= 0 {
		opt.ProposalTTL = defaultProposalTTL
	}
	if opt.GracePeriod <= 0 {
		opt.GracePeriod = defaultGracePeriod
	}
	if opt.EvidenceWindow <= 0 {
		opt.EvidenceWindow = defaultEvidenceWindow
	}
	return &Engine{st: st, ids: ids, opt: opt, now: func() time.Time { return time.Now().UTC() }}
}

type ProposeRequest struct {
	Terms           string
	Counterparty    string
	Arbiter         string
	Deadline        string
	Value           string
	ArbitrationCost string
	PaymentAddress  string
	PaymentToken    string
	PaymentChain    string
}

// Propose creates a proposal signed by the local identity's current key.
func (e *Engine) Propose(ctx context.Context, req ProposeRequest) (*Proposal, error) {
	if strings.TrimSpace(req.Terms) == "" {
		return nil, fault.Validationf("TERMS_REQUIRED", "terms must not be empty")
	}
	if strings.TrimSpace(req.Counterparty) == "" {
		return nil, fault.Validationf("COUNTERPARTY_REQUIRED", "counterparty must not be empty")
	}
	if strings.TrimSpace(req.Arbiter) == "" {
		return nil, fault.Validationf("ARBITER_REQUIRED", "arbiter must not be empty").
			WithHint("the arbiter is fixed at proposal time and cannot be changed later")
	}

	doc, err := e.ids.Load()
	if err != nil {
		return nil, err
	}
	priv, _, err := e.ids.CurrentKey()
	if err != nil {
		return nil, err
	}

	now := e.now()
	terms := signature.CanonicalizeTerms(req.Terms)
	hash := signature.TermsHash(req.Terms, []string{doc.ID, req.Counterparty}, req.Deadline)
	sig, err := signature.Sign(hash, priv)
	if err != nil {
		return nil, fault.Persistence("sign proposal", err)
	}

	p := &Proposal{
		ProposalID:        "prop_" + uuid.NewString(),
		Terms:             terms,
		TermsHash:         hash,
		Proposer:          doc.ID,
		Counterparty:      req.Counterparty,
		Arbiter:           req.Arbiter,
		Deadline:          req.Deadline,
		Value:             req.Value,
		ProposerSignature: sig,
		Status:            ProposalPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(e.opt.ProposalTTL),
	}
	if req.ArbitrationCost != "" || req.PaymentAddress != "" {
		if req.ArbitrationCost == "" || req.PaymentAddress == "" {
			return nil, fault.Validationf("X402_INCOMPLETE", "x402 terms need both arbitrationCost and paymentAddress")
		}
		p.X402 = &X402Terms{
			ArbitrationCost: req.ArbitrationCost,
			PaymentAddress:  req.PaymentAddress,
			PaymentToken:    req.PaymentToken,
			PaymentChain:    req.PaymentChain,
		}
	}
	if err := e.st.Save(ctx, store.Proposals, p.ProposalID, p); err != nil {
		return nil, fault.Persistence("save proposal", err)
	}
	return p, nil
}

// GetProposal loads a proposal, expiring it lazily so "expired" is always
// observed consistently.
func (e *Engine) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	var p Proposal
	if err := e.st.Load(ctx, store.Proposals, id, &p); err != nil {
		return nil, proposalLoadErr(id, err)
	}
	if p.Status == ProposalPending && e.now().After(p.ExpiresAt) {
		err := e.st.Update(ctx, store.Proposals, id, func(raw []byte) (any, error) {
			var cur Proposal
			if err := json.Unmarshal(raw, &cur); err != nil {
				return nil, err
			}
			if cur.Status == ProposalPending {
				cur.Status = ProposalExpired
			}
			p = cur
			return cur, nil
		})
		if err != nil {
			return nil, fault.Persistence("expire proposal", err)
		}
	}
	return &p, nil
}

// Accept promotes a pending proposal into an agreement exactly once. actor
// is the authenticated caller; when set it must be the proposal's
// counterparty.
func (e *Engine) Accept(ctx context.Context, proposalID, actor string) (*Agreement, error) {
	p, err := e.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if actor != "" && actor != p.Counterparty {
		return nil, fault.Forbiddenf("NOT_COUNTERPARTY", "only the proposal counterparty may accept")
	}
	if p.Status != ProposalPending {
		return nil, fault.Conflictf("PROPOSAL_NOT_PENDING", "proposal %s is %s", proposalID, p.Status).
			WithHint("only pending_acceptance proposals can be accepted")
	}

	now := e.now()
	agr := &Agreement{
		AgreementID: "agr_" + uuid.NewString(),
		ProposalID:  p.ProposalID,
		TermsHash:   p.TermsHash,
		Parties:     [2]string{p.Proposer, p.Counterparty},
		Arbiter:     p.Arbiter,
		X402:        p.X402,
		Status:      AgreementActive,
		CreatedAt:   now,
		Signatures: map[string]string{
			p.Proposer: p.ProposerSignature,
		},
	}
	agr.Signatures[p.Counterparty] = e.counterSign(p.TermsHash, p.Counterparty)
	agr.Timeline = []TimelineEvent{{
		Event:     "created",
		Timestamp: now,
		Actor:     p.Counterparty,
		Details:   map[string]any{"proposalId": p.ProposalID},
	}}

	// Flip the proposal inside its write lock; a concurrent accept loses
	// here and surfaces as a state conflict. The agreement is saved before
	// the flip, so an interrupted accept leaves the proposal pending rather
	// than pointing at an agreement that was never written.
	err = e.st.Update(ctx, store.Proposals, proposalID, func(raw []byte) (any, error) {
		var cur Proposal
		if err := json.Unmarshal(raw, &cur); err != nil {
			return nil, err
		}
		if cur.Status != ProposalPending {
			return nil, fault.Conflictf("PROPOSAL_NOT_PENDING", "proposal %s is %s", proposalID, cur.Status)
		}
		if err := e.st.Save(ctx, store.Agreements, agr.AgreementID, agr); err != nil {
			return nil, fault.Persistence("save agreement", err)
		}
		cur.Status = ProposalAccepted
		cur.AgreementID = agr.AgreementID
		return cur, nil
	})
	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, fault.Persistence("accept proposal", err)
	}
	return agr, nil
}

// Reject declines a pending proposal.
func (e *Engine) Reject(ctx context.Context, proposalID, actor string) (*Proposal, error) {
	p, err := e.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if actor != "" && actor != p.Counterparty {
		return nil, fault.Forbiddenf("NOT_COUNTERPARTY", "only the proposal counterparty may reject")
	}
	if p.Status != ProposalPending {
		return nil, fault.Conflictf("PROPOSAL_NOT_PENDING", "proposal %s is %s", proposalID, p.Status)
	}
	var out Proposal
	err = e.st.Update(ctx, store.Proposals, proposalID, func(raw []byte) (any, error) {
		var cur Proposal
		if err := json.Unmarshal(raw, &cur); err != nil {
			return nil, err
		}
		if cur.Status != ProposalPending {
			return nil, fault.Conflictf("PROPOSAL_NOT_PENDING", "proposal %s is %s", proposalID, cur.Status)
		}
		cur.Status = ProposalRejected
		out = cur
		return cur, nil
	})
	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, fault.Persistence("reject proposal", err)
	}
	return &out, nil
}

// GetAgreement loads an agreement and performs the lazy uncontested close
// when the fulfillment grace period has elapsed.
func (e *Engine) GetAgreement(ctx context.Context, id string) (*Agreement, error) {
	var a Agreement
	if err := e.st.Load(ctx, store.Agreements, id, &a); err != nil {
		return nil, agreementLoadErr(id, err)
	}
	if a.Status == AgreementPendingConf && a.GraceEndsAt != nil && e.now().After(*a.GraceEndsAt) {
		err := e.mutateAgreement(ctx, id, func(cur *Agreement) error {
			if cur.Status != AgreementPendingConf || cur.GraceEndsAt == nil || !e.now().After(*cur.GraceEndsAt) {
				return nil
			}
			cur.Status = AgreementClosed
			cur.Resolution = ResolutionFulfilled
			cur.appendEvent(e.now(), "closed", "", map[string]any{"resolution": ResolutionFulfilled, "uncontested": true})
			return nil
		}, &a)
		if err != nil {
			return nil, err
		}
	}
	return &a, nil
}

// Fulfill marks the work done and starts the confirmation grace period.
func (e *Engine) Fulfill(ctx context.Context, agreementID, actor, evidence string) (*Agreement, error) {
	if strings.TrimSpace(evidence) == "" {
		return nil, fault.Validationf("EVIDENCE_REQUIRED", "fulfillment evidence must not be empty")
	}
	a, err := e.GetAgreement(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	if actor != "" && !a.isParty(actor) {
		return nil, fault.Forbiddenf("NOT_A_PARTY", "only an agreement party may fulfill")
	}
	if a.Status != AgreementActive {
		return nil, fault.Conflictf("AGREEMENT_NOT_ACTIVE", "agreement %s is %s", agreementID, a.Status)
	}
	var out Agreement
	err = e.mutateAgreement(ctx, agreementID, func(cur *Agreement) error {
		if cur.Status != AgreementActive {
			return fault.Conflictf("AGREEMENT_NOT_ACTIVE", "agreement %s is %s", agreementID, cur.Status)
		}
		now := e.now()
		grace := now.Add(e.opt.GracePeriod)
		cur.Status = AgreementPendingConf
		cur.GraceEndsAt = &grace
		cur.appendEvent(now, "fulfilled", actor, map[string]any{
			"evidence":     evidence,
			"evidenceHash": signature.HashBytes([]byte(evidence)),
			"graceEndsAt":  grace,
		})
		return nil
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListProposals returns all proposals, lazily expired.
func (e *Engine) ListProposals(ctx context.Context) ([]*Proposal, error) {
	ids, err := e.st.List(ctx, store.Proposals)
	if err != nil {
		return nil, fault.Persistence("list proposals", err)
	}
	out := make([]*Proposal, 0, len(ids))
	for _, id := range ids {
		p, err := e.GetProposal(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ListAgreements returns all agreements, applying the lazy grace close.
func (e *Engine) ListAgreements(ctx context.Context) ([]*Agreement, error) {
	ids, err := e.st.List(ctx, store.Agreements)
	if err != nil {
		return nil, fault.Persistence("list agreements", err)
	}
	out := make([]*Agreement, 0, len(ids))
	for _, id := range ids {
		a, err := e.GetAgreement(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Witness countersigns an externally captured document hash with the local
// identity and records it.
func (e *Engine) Witness(ctx context.Context, docHash, source string, flags []string) (*WitnessRecord, error) {
	docHash = strings.TrimPrefix(strings.TrimSpace(docHash), "sha256:")
	if !hexHashShape.MatchString(docHash) {
		return nil, fault.Validationf("HASH_INVALID", "documentHash must be a 64-char hex sha256")
	}
	doc, err := e.ids.Load()
	if err != nil {
		return nil, err
	}
	priv, _, err := e.ids.CurrentKey()
	if err != nil {
		return nil, err
	}
	sig, err := signature.Sign(docHash, priv)
	if err != nil {
		return nil, fault.Persistence("sign witness", err)
	}
	w := &WitnessRecord{
		WitnessID:    "wit_" + uuid.NewString(),
		DocumentHash: docHash,
		Source:       source,
		Flags:        flags,
		WitnessedAt:  e.now(),
		SignedBy:     doc.ID,
		Signature:    sig,
	}
	if err := e.st.Save(ctx, store.Witnesses, w.WitnessID, w); err != nil {
		return nil, fault.Persistence("save witness", err)
	}
	return w, nil
}

var hexHashShape = regexp.MustCompile(`^[0-9a-f]{64}$`)

// counterSign produces the acceptor's signature on the terms hash. When the
// local identity is the counterparty its real key signs; otherwise the
// legacy signer records the remote party's assent.
func (e *Engine) counterSign(hash, counterparty string) string {
	if doc, err := e.ids.Load(); err == nil && doc.ID == counterparty {
		if priv, _, err := e.ids.CurrentKey(); err == nil {
			if sig, err := signature.Sign(hash, priv); err == nil {
				return sig
			}
		}
	}
	return signature.LegacySign(hash, counterparty)
}

// mutateAgreement runs fn under the agreement's write lock and copies the
// result into out.
func (e *Engine) mutateAgreement(ctx context.Context, id string, fn func(*Agreement) error, out *Agreement) error {
	err := e.st.Update(ctx, store.Agreements, id, func(raw []byte) (any, error) {
		var cur Agreement
		if err := json.Unmarshal(raw, &cur); err != nil {
			return nil, err
		}
		if err := fn(&cur); err != nil {
			return nil, err
		}
		*out = cur
		return cur, nil
	})
	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			return fe
		}
		return fault.Persistence("update agreement", err)
	}
	return nil
}

func (a *Agreement) appendEvent(at time.Time, event, actor string, details map[string]any) {
	a.Timeline = append(a.Timeline, TimelineEvent{Event: event, Timestamp: at, Actor: actor, Details: details})
}

func proposalLoadErr(id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fault.NotFoundf("PROPOSAL_NOT_FOUND", "proposal %s not found", id)
	}
	return fault.Persistence("load proposal", err)
}

func agreementLoadErr(id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fault.NotFoundf("AGREEMENT_NOT_FOUND", "agreement %s not found", id)
	}
	return fault.Persistence("load agreement", err)
}
