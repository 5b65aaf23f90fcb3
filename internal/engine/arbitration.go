package engine

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/agentpact/trustcore/internal/store"
	"github.com/agentpact/trustcore/pkg/fault"
	"github.com/agentpact/trustcore/pkg/signature"
)

// paymentProofShape is the 0x-prefixed transaction hash an x402-gated
// arbitration must present. Only the shape is checked; settlement
// verification happens off-path.
var paymentProofShape = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Arbitrate opens a dispute on an active or pending_confirmation agreement.
// The claimant must be a party; the respondent is derived, never supplied.
func (e *Engine) Arbitrate(ctx context.Context, agreementID, claimant, reason, paymentProof string) (*Arbitration, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fault.Validationf("REASON_REQUIRED", "dispute reason must not be empty")
	}
	a, err := e.GetAgreement(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	if !a.isParty(claimant) {
		return nil, fault.Forbiddenf("NOT_A_PARTY", "only an agreement party may open arbitration")
	}
	if a.Status != AgreementActive && a.Status != AgreementPendingConf {
		return nil, fault.Conflictf("AGREEMENT_NOT_DISPUTABLE", "agreement %s is %s", agreementID, a.Status).
			WithHint("arbitration is open to active and pending_confirmation agreements only")
	}
	if a.X402 != nil && a.X402.ArbitrationCost != "" {
		if paymentProof == "" {
			return nil, fault.PaymentRequiredf("PAYMENT_REQUIRED",
				"arbitration on this agreement costs %s; include a payment proof", a.X402.ArbitrationCost)
		}
		if !paymentProofShape.MatchString(paymentProof) {
			return nil, fault.Validationf("PAYMENT_PROOF_INVALID", "payment proof must be a 0x-prefixed 64-char tx hash")
		}
	}

	now := e.now()
	arb := &Arbitration{
		ArbitrationID:    "arb_" + uuid.NewString(),
		AgreementID:      agreementID,
		Claimant:         claimant,
		Respondent:       a.otherParty(claimant),
		Arbiter:          a.Arbiter,
		Reason:           reason,
		Status:           ArbitrationOpen,
		OpenedAt:         now,
		EvidenceDeadline: now.Add(e.opt.EvidenceWindow),
	}

	var out Agreement
	err = e.mutateAgreement(ctx, agreementID, func(cur *Agreement) error {
		if cur.Status != AgreementActive && cur.Status != AgreementPendingConf {
			return fault.Conflictf("AGREEMENT_NOT_DISPUTABLE", "agreement %s is %s", agreementID, cur.Status)
		}
		cur.Status = AgreementDisputed
		cur.ArbitrationID = arb.ArbitrationID
		details := map[string]any{"arbitrationId": arb.ArbitrationID, "reason": reason}
		if paymentProof != "" {
			details["paymentProof"] = paymentProof
		}
		cur.appendEvent(now, "disputed", claimant, details)
		return nil
	}, &out)
	if err != nil {
		return nil, err
	}
	if err := e.st.Save(ctx, store.Arbitrations, arb.ArbitrationID, arb); err != nil {
		return nil, fault.Persistence("save arbitration", err)
	}
	return arb, nil
}

// GetArbitration loads an arbitration, lazily moving it into deliberation
// once the evidence deadline has passed.
func (e *Engine) GetArbitration(ctx context.Context, id string) (*Arbitration, error) {
	var arb Arbitration
	if err := e.st.Load(ctx, store.Arbitrations, id, &arb); err != nil {
		return nil, arbitrationLoadErr(id, err)
	}
	if acceptsEvidence(arb.Status) && e.now().After(arb.EvidenceDeadline) {
		err := e.st.Update(ctx, store.Arbitrations, id, func(raw []byte) (any, error) {
			var cur Arbitration
			if err := json.Unmarshal(raw, &cur); err != nil {
				return nil, err
			}
			if acceptsEvidence(cur.Status) && e.now().After(cur.EvidenceDeadline) {
				cur.Status = ArbitrationDeliberation
			}
			arb = cur
			return cur, nil
		})
		if err != nil {
			return nil, fault.Persistence("close evidence period", err)
		}
	}
	return &arb, nil
}

func acceptsEvidence(s ArbitrationStatus) bool {
	return s == ArbitrationOpen || s == ArbitrationEvidencePeriod
}

// SubmitEvidence appends hashed evidence for the claimant or respondent.
// The first submission moves an open arbitration into its evidence period.
func (e *Engine) SubmitEvidence(ctx context.Context, arbitrationID, actor, content, evType string) (*Arbitration, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fault.Validationf("EVIDENCE_REQUIRED", "evidence content must not be empty")
	}
	arb, err := e.GetArbitration(ctx, arbitrationID)
	if err != nil {
		return nil, err
	}
	if actor != arb.Claimant && actor != arb.Respondent {
		return nil, fault.Forbiddenf("NOT_A_PARTY", "only the claimant or respondent may submit evidence")
	}
	if !acceptsEvidence(arb.Status) {
		return nil, fault.Conflictf("EVIDENCE_PERIOD_CLOSED", "arbitration %s is %s", arbitrationID, arb.Status)
	}
	if evType == "" {
		evType = "statement"
	}
	ev := Evidence{
		Timestamp: e.now(),
		Content:   content,
		Hash:      signature.HashBytes([]byte(content)),
		Type:      evType,
	}
	var out Arbitration
	err = e.st.Update(ctx, store.Arbitrations, arbitrationID, func(raw []byte) (any, error) {
		var cur Arbitration
		if err := json.Unmarshal(raw, &cur); err != nil {
			return nil, err
		}
		if !acceptsEvidence(cur.Status) {
			return nil, fault.Conflictf("EVIDENCE_PERIOD_CLOSED", "arbitration %s is %s", arbitrationID, cur.Status)
		}
		cur.Status = ArbitrationEvidencePeriod
		if actor == cur.Claimant {
			cur.Evidence.Claimant = append(cur.Evidence.Claimant, ev)
		} else {
			cur.Evidence.Respondent = append(cur.Evidence.Respondent, ev)
		}
		out = cur
		return cur, nil
	})
	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, fault.Persistence("append evidence", err)
	}
	return &out, nil
}

// Rule issues the arbiter's decision, closes the arbitration, and resolves
// the disputed agreement. Exactly one ruling per arbitration.
func (e *Engine) Rule(ctx context.Context, arbitrationID, actor string, decision RulingDecision, reasoning string) (*Ruling, error) {
	switch decision {
	case DecisionClaimant, DecisionRespondent, DecisionSplit:
	default:
		return nil, fault.Validationf("DECISION_INVALID", "decision must be claimant, respondent, or split")
	}
	arb, err := e.GetArbitration(ctx, arbitrationID)
	if err != nil {
		return nil, err
	}
	if actor != arb.Arbiter {
		return nil, fault.Forbiddenf("NOT_ARBITER", "only the designated arbiter may rule")
	}
	if arb.Status == ArbitrationRuled {
		return nil, fault.Conflictf("ALREADY_RULED", "arbitration %s already has a ruling", arbitrationID)
	}

	now := e.now()
	ruling := &Ruling{
		RulingID:      "rul_" + uuid.NewString(),
		ArbitrationID: arbitrationID,
		Decision:      decision,
		Reasoning:     reasoning,
		ReasoningHash: signature.HashBytes([]byte(reasoning)),
		EvidenceConsidered: EvidenceCounts{
			Claimant:   len(arb.Evidence.Claimant),
			Respondent: len(arb.Evidence.Respondent),
		},
		IssuedAt: now,
	}

	err = e.st.Update(ctx, store.Arbitrations, arbitrationID, func(raw []byte) (any, error) {
		var cur Arbitration
		if err := json.Unmarshal(raw, &cur); err != nil {
			return nil, err
		}
		if cur.Status == ArbitrationRuled {
			return nil, fault.Conflictf("ALREADY_RULED", "arbitration %s already has a ruling", arbitrationID)
		}
		cur.Status = ArbitrationRuled
		cur.Ruling = ruling
		return cur, nil
	})
	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, fault.Persistence("record ruling", err)
	}
	if err := e.st.Save(ctx, store.Rulings, ruling.RulingID, ruling); err != nil {
		return nil, fault.Persistence("save ruling", err)
	}

	var out Agreement
	err = e.mutateAgreement(ctx, arb.AgreementID, func(cur *Agreement) error {
		if cur.Status != AgreementDisputed {
			return nil
		}
		cur.Status = AgreementClosed
		cur.Resolution = ResolutionRuled
		cur.appendEvent(now, "ruled", actor, map[string]any{
			"rulingId": ruling.RulingID,
			"decision": decision,
		})
		return nil
	}, &out)
	if err != nil {
		return nil, err
	}
	return ruling, nil
}

// GetRuling loads a ruling by id.
func (e *Engine) GetRuling(ctx context.Context, id string) (*Ruling, error) {
	var r Ruling
	if err := e.st.Load(ctx, store.Rulings, id, &r); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.NotFoundf("RULING_NOT_FOUND", "ruling %s not found", id)
		}
		return nil, fault.Persistence("load ruling", err)
	}
	return &r, nil
}

func arbitrationLoadErr(id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fault.NotFoundf("ARBITRATION_NOT_FOUND", "arbitration %s not found", id)
	}
	return fault.Persistence("load arbitration", err)
}
