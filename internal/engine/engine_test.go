package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/agentpact/trustcore/internal/store"
	"github.com/agentpact/trustcore/pkg/fault"
	"github.com/agentpact/trustcore/pkg/identity"
	"github.com/agentpact/trustcore/pkg/signature"
)

type clock struct{ at time.Time }

func (c *clock) now() time.Time { return c.at }

func (c *clock) advance(d time.Duration) { c.at = c.at.Add(d) }

func newTestEngine(t *testing.T) (*Engine, *clock, *identity.Document) {
	t.Helper()
	st, err := store.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	t.Cleanup(st.Close)

	ids := identity.NewManager(t.TempDir())
	doc, err := ids.Init("agent", "proposer", nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	eng := New(st, ids, Options{})
	ck := &clock{at: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	eng.now = ck.now
	return eng, ck, doc
}

func propose(t *testing.T, eng *Engine) *Proposal {
	t.Helper()
	p, err := eng.Propose(context.Background(), ProposeRequest{
		Terms:        "Deliver the quarterly   risk report\nby Friday",
		Counterparty: "did:pao:agent:counterparty",
		Arbiter:      "did:pao:agent:arbiter",
		Deadline:     "2026-03-06",
		Value:        "250 USDC",
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	return p
}

func faultKind(t *testing.T, err error, want fault.Kind) *fault.Error {
	t.Helper()
	var fe *fault.Error
	if !errors.As(err, &fe) {
		t.Fatalf("want *fault.Error, got %T: %v", err, err)
	}
	if fe.Kind != want {
		t.Fatalf("kind = %v (%s), want %v", fe.Kind, fe.Code, want)
	}
	return fe
}

func TestProposeSignsAndHashesTerms(t *testing.T) {
	eng, _, doc := newTestEngine(t)
	p := propose(t, eng)

	if !strings.HasPrefix(p.ProposalID, "prop_") {
		t.Fatalf("proposal id %q", p.ProposalID)
	}
	if p.Terms != "deliver the quarterly risk report by friday" {
		t.Fatalf("terms not canonicalized: %q", p.Terms)
	}
	want := signature.TermsHash("Deliver the quarterly   risk report\nby Friday",
		[]string{doc.ID, p.Counterparty}, p.Deadline)
	if p.TermsHash != want {
		t.Fatalf("terms hash mismatch")
	}
	res := signature.Verify(p.TermsHash, p.ProposerSignature, doc)
	if !res.Valid {
		t.Fatalf("proposer signature invalid: %s", res.Reason)
	}
	if p.Status != ProposalPending {
		t.Fatalf("status = %s", p.Status)
	}
}

func TestProposeValidation(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Propose(ctx, ProposeRequest{Counterparty: "x", Arbiter: "y"})
	faultKind(t, err, fault.KindValidation)

	_, err = eng.Propose(ctx, ProposeRequest{Terms: "t", Counterparty: "x"})
	faultKind(t, err, fault.KindValidation)

	_, err = eng.Propose(ctx, ProposeRequest{
		Terms: "t", Counterparty: "x", Arbiter: "y", ArbitrationCost: "5",
	})
	fe := faultKind(t, err, fault.KindValidation)
	if fe.Code != "X402_INCOMPLETE" {
		t.Fatalf("code = %s", fe.Code)
	}
}

func TestHappyPathFulfillAndGraceClose(t *testing.T) {
	eng, ck, _ := newTestEngine(t)
	ctx := context.Background()
	p := propose(t, eng)

	agr, err := eng.Accept(ctx, p.ProposalID, p.Counterparty)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if agr.Status != AgreementActive {
		t.Fatalf("status = %s", agr.Status)
	}
	if len(agr.Signatures) != 2 {
		t.Fatalf("signatures = %d, want both parties", len(agr.Signatures))
	}
	if agr.Parties[0] != p.Proposer || agr.Parties[1] != p.Counterparty {
		t.Fatalf("parties = %v", agr.Parties)
	}

	got, err := eng.GetProposal(ctx, p.ProposalID)
	if err != nil {
		t.Fatalf("GetProposal: %v", err)
	}
	if got.Status != ProposalAccepted || got.AgreementID != agr.AgreementID {
		t.Fatalf("proposal after accept: %s %s", got.Status, got.AgreementID)
	}

	agr2, err := eng.Fulfill(ctx, agr.AgreementID, agr.Parties[0], "delivered report, commit abc123")
	if err != nil {
		t.Fatalf("Fulfill: %v", err)
	}
	if agr2.Status != AgreementPendingConf || agr2.GraceEndsAt == nil {
		t.Fatalf("after fulfill: %s graceEndsAt=%v", agr2.Status, agr2.GraceEndsAt)
	}

	// Grace period not elapsed: still pending confirmation.
	agr3, err := eng.GetAgreement(ctx, agr.AgreementID)
	if err != nil {
		t.Fatalf("GetAgreement: %v", err)
	}
	if agr3.Status != AgreementPendingConf {
		t.Fatalf("status before grace end = %s", agr3.Status)
	}

	ck.advance(defaultGracePeriod + time.Minute)
	agr4, err := eng.GetAgreement(ctx, agr.AgreementID)
	if err != nil {
		t.Fatalf("GetAgreement after grace: %v", err)
	}
	if agr4.Status != AgreementClosed || agr4.Resolution != ResolutionFulfilled {
		t.Fatalf("after grace: %s / %s", agr4.Status, agr4.Resolution)
	}
	last := agr4.Timeline[len(agr4.Timeline)-1]
	if last.Event != "closed" || last.Details["uncontested"] != true {
		t.Fatalf("last timeline event = %+v", last)
	}
}

func TestAcceptIsExactlyOnce(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()
	p := propose(t, eng)

	if _, err := eng.Accept(ctx, p.ProposalID, p.Counterparty); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	_, err := eng.Accept(ctx, p.ProposalID, p.Counterparty)
	fe := faultKind(t, err, fault.KindStateConflict)
	if fe.Code != "PROPOSAL_NOT_PENDING" {
		t.Fatalf("code = %s", fe.Code)
	}

	agrs, err := eng.ListAgreements(ctx)
	if err != nil {
		t.Fatalf("ListAgreements: %v", err)
	}
	if len(agrs) != 1 {
		t.Fatalf("agreements = %d, want exactly one", len(agrs))
	}
}

type saveFailStore struct {
	store.Store
	failCollection string
}

func (s *saveFailStore) Save(ctx context.Context, collection, id string, v any) error {
	if collection == s.failCollection {
		return errors.New("write rejected")
	}
	return s.Store.Save(ctx, collection, id, v)
}

func TestAcceptKeepsProposalPendingWhenAgreementWriteFails(t *testing.T) {
	fs, err := store.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	t.Cleanup(fs.Close)
	st := &saveFailStore{Store: fs}
	ids := identity.NewManager(t.TempDir())
	if _, err := ids.Init("agent", "proposer", nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	eng := New(st, ids, Options{})
	ctx := context.Background()
	p := propose(t, eng)

	st.failCollection = store.Agreements
	_, err = eng.Accept(ctx, p.ProposalID, p.Counterparty)
	faultKind(t, err, fault.KindPersistence)

	got, err := eng.GetProposal(ctx, p.ProposalID)
	if err != nil {
		t.Fatalf("GetProposal: %v", err)
	}
	if got.Status != ProposalPending || got.AgreementID != "" {
		t.Fatalf("proposal after failed accept: %s %q", got.Status, got.AgreementID)
	}

	st.failCollection = ""
	if _, err := eng.Accept(ctx, p.ProposalID, p.Counterparty); err != nil {
		t.Fatalf("retried accept: %v", err)
	}
}

func TestAcceptAuthorization(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	p := propose(t, eng)

	_, err := eng.Accept(context.Background(), p.ProposalID, "did:pao:agent:stranger")
	fe := faultKind(t, err, fault.KindAuthorization)
	if fe.Code != "NOT_COUNTERPARTY" {
		t.Fatalf("code = %s", fe.Code)
	}
}

func TestProposalExpiresLazily(t *testing.T) {
	eng, ck, _ := newTestEngine(t)
	ctx := context.Background()
	p := propose(t, eng)

	ck.advance(defaultProposalTTL + time.Hour)

	got, err := eng.GetProposal(ctx, p.ProposalID)
	if err != nil {
		t.Fatalf("GetProposal: %v", err)
	}
	if got.Status != ProposalExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	_, err = eng.Accept(ctx, p.ProposalID, p.Counterparty)
	faultKind(t, err, fault.KindStateConflict)
}

func TestRejectProposal(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()
	p := propose(t, eng)

	got, err := eng.Reject(ctx, p.ProposalID, p.Counterparty)
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if got.Status != ProposalRejected {
		t.Fatalf("status = %s", got.Status)
	}
	_, err = eng.Accept(ctx, p.ProposalID, p.Counterparty)
	faultKind(t, err, fault.KindStateConflict)
}

func TestDisputePathThroughRuling(t *testing.T) {
	eng, ck, _ := newTestEngine(t)
	ctx := context.Background()
	p := propose(t, eng)
	agr, err := eng.Accept(ctx, p.ProposalID, p.Counterparty)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, err := eng.Fulfill(ctx, agr.AgreementID, p.Proposer, "done"); err != nil {
		t.Fatalf("Fulfill: %v", err)
	}

	arb, err := eng.Arbitrate(ctx, agr.AgreementID, p.Counterparty, "deliverable does not match terms", "")
	if err != nil {
		t.Fatalf("Arbitrate: %v", err)
	}
	if arb.Status != ArbitrationOpen {
		t.Fatalf("arbitration status = %s", arb.Status)
	}
	if arb.Claimant != p.Counterparty || arb.Respondent != p.Proposer {
		t.Fatalf("claimant=%s respondent=%s", arb.Claimant, arb.Respondent)
	}
	if arb.Arbiter != p.Arbiter {
		t.Fatalf("arbiter = %s", arb.Arbiter)
	}

	a, err := eng.GetAgreement(ctx, agr.AgreementID)
	if err != nil {
		t.Fatalf("GetAgreement: %v", err)
	}
	if a.Status != AgreementDisputed || a.ArbitrationID != arb.ArbitrationID {
		t.Fatalf("agreement after dispute: %s %s", a.Status, a.ArbitrationID)
	}
	// The grace close must not override a dispute.
	ck.advance(defaultGracePeriod * 2)
	a, err = eng.GetAgreement(ctx, agr.AgreementID)
	if err != nil {
		t.Fatalf("GetAgreement: %v", err)
	}
	if a.Status != AgreementDisputed {
		t.Fatalf("disputed agreement drifted to %s", a.Status)
	}

	arb, err = eng.SubmitEvidence(ctx, arb.ArbitrationID, arb.Claimant, "report missed sections 3-5", "statement")
	if err != nil {
		t.Fatalf("claimant evidence: %v", err)
	}
	if arb.Status != ArbitrationEvidencePeriod {
		t.Fatalf("first evidence left arbitration %s", arb.Status)
	}
	if _, err := eng.SubmitEvidence(ctx, arb.ArbitrationID, arb.Respondent, "scope excluded section 5", ""); err != nil {
		t.Fatalf("respondent evidence: %v", err)
	}
	_, err = eng.SubmitEvidence(ctx, arb.ArbitrationID, "did:pao:agent:stranger", "noise", "")
	faultKind(t, err, fault.KindAuthorization)

	ruling, err := eng.Rule(ctx, arb.ArbitrationID, arb.Arbiter, DecisionSplit, "both parties partially right")
	if err != nil {
		t.Fatalf("Rule: %v", err)
	}
	if ruling.Decision != DecisionSplit {
		t.Fatalf("decision = %s", ruling.Decision)
	}
	if ruling.EvidenceConsidered.Claimant != 1 || ruling.EvidenceConsidered.Respondent != 1 {
		t.Fatalf("evidence counts = %+v", ruling.EvidenceConsidered)
	}
	if ruling.ReasoningHash != signature.HashBytes([]byte("both parties partially right")) {
		t.Fatalf("reasoning hash mismatch")
	}

	arb2, err := eng.GetArbitration(ctx, arb.ArbitrationID)
	if err != nil {
		t.Fatalf("GetArbitration: %v", err)
	}
	if arb2.Status != ArbitrationRuled || arb2.Ruling == nil || arb2.Ruling.RulingID != ruling.RulingID {
		t.Fatalf("arbitration after ruling: %+v", arb2)
	}

	a, err = eng.GetAgreement(ctx, agr.AgreementID)
	if err != nil {
		t.Fatalf("GetAgreement: %v", err)
	}
	if a.Status != AgreementClosed || a.Resolution != ResolutionRuled {
		t.Fatalf("agreement after ruling: %s / %s", a.Status, a.Resolution)
	}

	_, err = eng.Rule(ctx, arb.ArbitrationID, arb.Arbiter, DecisionClaimant, "second thoughts")
	faultKind(t, err, fault.KindStateConflict)
}

func TestRulingRequiresDesignatedArbiter(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()
	p := propose(t, eng)
	agr, err := eng.Accept(ctx, p.ProposalID, p.Counterparty)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	arb, err := eng.Arbitrate(ctx, agr.AgreementID, p.Proposer, "payment overdue", "")
	if err != nil {
		t.Fatalf("Arbitrate: %v", err)
	}

	_, err = eng.Rule(ctx, arb.ArbitrationID, p.Counterparty, DecisionClaimant, "self-serving")
	fe := faultKind(t, err, fault.KindAuthorization)
	if fe.Code != "NOT_ARBITER" {
		t.Fatalf("code = %s", fe.Code)
	}

	_, err = eng.Rule(ctx, arb.ArbitrationID, arb.Arbiter, RulingDecision("dismissed"), "r")
	faultKind(t, err, fault.KindValidation)
}

func TestEvidencePeriodClosesLazily(t *testing.T) {
	eng, ck, _ := newTestEngine(t)
	ctx := context.Background()
	p := propose(t, eng)
	agr, err := eng.Accept(ctx, p.ProposalID, p.Counterparty)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	arb, err := eng.Arbitrate(ctx, agr.AgreementID, p.Proposer, "stalled work", "")
	if err != nil {
		t.Fatalf("Arbitrate: %v", err)
	}

	ck.advance(defaultEvidenceWindow + time.Hour)

	got, err := eng.GetArbitration(ctx, arb.ArbitrationID)
	if err != nil {
		t.Fatalf("GetArbitration: %v", err)
	}
	if got.Status != ArbitrationDeliberation {
		t.Fatalf("status = %s, want deliberation", got.Status)
	}
	_, err = eng.SubmitEvidence(ctx, arb.ArbitrationID, arb.Claimant, "late filing", "")
	faultKind(t, err, fault.KindStateConflict)

	// Deliberation still accepts the ruling.
	if _, err := eng.Rule(ctx, arb.ArbitrationID, arb.Arbiter, DecisionClaimant, "respondent went silent"); err != nil {
		t.Fatalf("Rule during deliberation: %v", err)
	}
}

func TestArbitrationPaymentGate(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()
	p, err := eng.Propose(ctx, ProposeRequest{
		Terms:           "paid escrow job",
		Counterparty:    "did:pao:agent:counterparty",
		Arbiter:         "did:pao:agent:arbiter",
		ArbitrationCost: "5 USDC",
		PaymentAddress:  "0x00000000000000000000000000000000000000aa",
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	agr, err := eng.Accept(ctx, p.ProposalID, p.Counterparty)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	_, err = eng.Arbitrate(ctx, agr.AgreementID, p.Proposer, "dispute", "")
	fe := faultKind(t, err, fault.KindPaymentRequired)
	if fe.Code != "PAYMENT_REQUIRED" {
		t.Fatalf("code = %s", fe.Code)
	}

	_, err = eng.Arbitrate(ctx, agr.AgreementID, p.Proposer, "dispute", "not-a-tx-hash")
	faultKind(t, err, fault.KindValidation)

	proof := "0x" + strings.Repeat("ab", 32)
	arb, err := eng.Arbitrate(ctx, agr.AgreementID, p.Proposer, "dispute", proof)
	if err != nil {
		t.Fatalf("Arbitrate with proof: %v", err)
	}
	a, err := eng.GetAgreement(ctx, agr.AgreementID)
	if err != nil {
		t.Fatalf("GetAgreement: %v", err)
	}
	last := a.Timeline[len(a.Timeline)-1]
	if last.Details["paymentProof"] != proof || last.Details["arbitrationId"] != arb.ArbitrationID {
		t.Fatalf("dispute event details = %+v", last.Details)
	}
}

func TestArbitrateGuards(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()
	p := propose(t, eng)
	agr, err := eng.Accept(ctx, p.ProposalID, p.Counterparty)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	_, err = eng.Arbitrate(ctx, agr.AgreementID, "did:pao:agent:stranger", "reason", "")
	faultKind(t, err, fault.KindAuthorization)

	_, err = eng.Arbitrate(ctx, agr.AgreementID, p.Proposer, "   ", "")
	faultKind(t, err, fault.KindValidation)

	if _, err := eng.Arbitrate(ctx, agr.AgreementID, p.Proposer, "reason", ""); err != nil {
		t.Fatalf("Arbitrate: %v", err)
	}
	_, err = eng.Arbitrate(ctx, agr.AgreementID, p.Counterparty, "me too", "")
	fe := faultKind(t, err, fault.KindStateConflict)
	if fe.Code != "AGREEMENT_NOT_DISPUTABLE" {
		t.Fatalf("code = %s", fe.Code)
	}
}

func TestWitnessRecordsCountersignedHash(t *testing.T) {
	eng, _, doc := newTestEngine(t)
	ctx := context.Background()

	hash := signature.HashBytes([]byte("captured page"))
	w, err := eng.Witness(ctx, "sha256:"+hash, "capture-proxy", []string{"auto_renewal"})
	if err != nil {
		t.Fatalf("Witness: %v", err)
	}
	if w.DocumentHash != hash {
		t.Fatalf("hash = %s", w.DocumentHash)
	}
	if w.SignedBy != doc.ID {
		t.Fatalf("signedBy = %s", w.SignedBy)
	}
	res := signature.Verify(w.DocumentHash, w.Signature, doc)
	if !res.Valid {
		t.Fatalf("witness signature invalid: %s", res.Reason)
	}

	_, err = eng.Witness(ctx, "sha256:notahash", "", nil)
	faultKind(t, err, fault.KindValidation)
}

func TestNotFoundLookups(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.GetProposal(ctx, "prop_missing")
	faultKind(t, err, fault.KindNotFound)
	_, err = eng.GetAgreement(ctx, "agr_missing")
	faultKind(t, err, fault.KindNotFound)
	_, err = eng.GetArbitration(ctx, "arb_missing")
	faultKind(t, err, fault.KindNotFound)
	_, err = eng.GetRuling(ctx, "rul_missing")
	faultKind(t, err, fault.KindNotFound)
}
