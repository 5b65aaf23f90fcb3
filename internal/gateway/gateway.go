// Package gateway exposes the agreement engine and identity service over
// HTTP. Every route sits behind the per-IP rate limiter; write routes
// additionally require an API key or a DID-signed request.
package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentpact/trustcore/internal/config"
	"github.com/agentpact/trustcore/internal/engine"
	"github.com/agentpact/trustcore/pkg/httpx"
	"github.com/agentpact/trustcore/pkg/identity"
)

type Server struct {
	eng            *engine.Engine
	ids            *identity.Manager
	apiKey         string
	allowedOrigins []string
	chains         []string
	limiter        *rateLimiter

	now func() time.Time
}

func New(eng *engine.Engine, ids *identity.Manager, cfg *config.Config) *Server {
	return &Server{
		eng:            eng,
		ids:            ids,
		apiKey:         cfg.Server.APIKey,
		allowedOrigins: cfg.Server.AllowedOrigins,
		chains:         cfg.X402.Chains,
		limiter:        newRateLimiter(cfg.Server.RateLimit, cfg.RateWindow()),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.rateLimit)
	r.Use(s.cors)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		info := map[string]any{
			"service": "pao-trust-core",
			"status":  "ok",
		}
		if doc, err := s.ids.Load(); err == nil {
			info["did"] = doc.ID
		}
		httpx.WriteJSON(w, 200, info)
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Get("/identity", func(w http.ResponseWriter, r *http.Request) {
		doc, err := s.ids.Load()
		if err != nil {
			httpx.WriteFault(w, err)
			return
		}
		httpx.WriteJSON(w, 200, doc)
	})

	r.Get("/identity/chains", func(w http.ResponseWriter, r *http.Request) {
		chains := s.chains
		if chains == nil {
			chains = []string{}
		}
		httpx.WriteJSON(w, 200, map[string]any{
			"chains":             chains,
			"paymentProofFormat": "0x-prefixed 64-char transaction hash",
		})
	})

	r.Get("/identity/verify", func(w http.ResponseWriter, r *http.Request) {
		doc, err := s.ids.Load()
		if err != nil {
			httpx.WriteFault(w, err)
			return
		}
		problems := identity.VerifyKeyChainIntegrity(doc)
		httpx.WriteJSON(w, 200, map[string]any{
			"did":      doc.ID,
			"keyCount": len(doc.KeyHistory),
			"intact":   len(problems) == 0,
			"problems": problems,
		})
	})

	r.Group(func(pr chi.Router) {
		pr.Use(s.authenticate)

		pr.Post("/propose", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Terms           string `json:"terms"`
				Counterparty    string `json:"counterparty"`
				Arbiter         string `json:"arbiter"`
				Deadline        string `json:"deadline"`
				Value           string `json:"value"`
				ArbitrationCost string `json:"arbitrationCost"`
				PaymentAddress  string `json:"paymentAddress"`
				PaymentToken    string `json:"paymentToken"`
				PaymentChain    string `json:"paymentChain"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), "")
				return
			}
			if r.Context().Err() != nil {
				return
			}
			p, err := s.eng.Propose(r.Context(), engine.ProposeRequest{
				Terms:           req.Terms,
				Counterparty:    req.Counterparty,
				Arbiter:         req.Arbiter,
				Deadline:        req.Deadline,
				Value:           req.Value,
				ArbitrationCost: req.ArbitrationCost,
				PaymentAddress:  req.PaymentAddress,
				PaymentToken:    req.PaymentToken,
				PaymentChain:    req.PaymentChain,
			})
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "proposal": p})
		})

		pr.Post("/accept", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ProposalID string `json:"proposalId"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), "")
				return
			}
			if r.Context().Err() != nil {
				return
			}
			agr, err := s.eng.Accept(r.Context(), req.ProposalID, Actor(r.Context()))
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "agreement": agr})
		})

		pr.Post("/reject", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ProposalID string `json:"proposalId"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), "")
				return
			}
			if r.Context().Err() != nil {
				return
			}
			p, err := s.eng.Reject(r.Context(), req.ProposalID, Actor(r.Context()))
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "proposal": p})
		})

		pr.Post("/fulfill", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				AgreementID string `json:"agreementId"`
				Evidence    string `json:"evidence"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), "")
				return
			}
			if r.Context().Err() != nil {
				return
			}
			agr, err := s.eng.Fulfill(r.Context(), req.AgreementID, Actor(r.Context()), req.Evidence)
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "agreement": agr})
		})

		pr.Post("/arbitrate", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				AgreementID  string `json:"agreementId"`
				Claimant     string `json:"claimant"`
				Reason       string `json:"reason"`
				PaymentProof string `json:"paymentProof"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), "")
				return
			}
			claimant := Actor(r.Context())
			if claimant == "" {
				claimant = req.Claimant
			}
			if r.Context().Err() != nil {
				return
			}
			arb, err := s.eng.Arbitrate(r.Context(), req.AgreementID, claimant, req.Reason, req.PaymentProof)
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "arbitration": arb})
		})

		pr.Post("/arbitrations/{arbitration_id}/evidence", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Actor   string `json:"actor"`
				Content string `json:"content"`
				Type    string `json:"type"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), "")
				return
			}
			actor := Actor(r.Context())
			if actor == "" {
				actor = req.Actor
			}
			if r.Context().Err() != nil {
				return
			}
			arb, err := s.eng.SubmitEvidence(r.Context(), chi.URLParam(r, "arbitration_id"), actor, req.Content, req.Type)
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "arbitration": arb})
		})

		pr.Post("/arbitrations/{arbitration_id}/rule", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Arbiter   string `json:"arbiter"`
				Decision  string `json:"decision"`
				Reasoning string `json:"reasoning"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), "")
				return
			}
			arbiter := Actor(r.Context())
			if arbiter == "" {
				arbiter = req.Arbiter
			}
			if r.Context().Err() != nil {
				return
			}
			ruling, err := s.eng.Rule(r.Context(), chi.URLParam(r, "arbitration_id"), arbiter,
				engine.RulingDecision(req.Decision), req.Reasoning)
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "ruling": ruling})
		})

		pr.Get("/arbitrations/{arbitration_id}", func(w http.ResponseWriter, r *http.Request) {
			arb, err := s.eng.GetArbitration(r.Context(), chi.URLParam(r, "arbitration_id"))
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 200, arb)
		})

		pr.Post("/witness", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				DocumentHash string   `json:"documentHash"`
				Source       string   `json:"source"`
				Flags        []string `json:"flags"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), "")
				return
			}
			if r.Context().Err() != nil {
				return
			}
			rec, err := s.eng.Witness(r.Context(), req.DocumentHash, req.Source, req.Flags)
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "witness": rec})
		})

		pr.Get("/list", func(w http.ResponseWriter, r *http.Request) {
			typ := r.URL.Query().Get("type")
			if typ == "" {
				typ = "all"
			}
			out := map[string]any{}
			if typ == "all" || typ == "proposals" {
				ps, err := s.eng.ListProposals(r.Context())
				if err != nil {
					httpx.WriteFault(w, err)
					return
				}
				out["proposals"] = ps
			}
			if typ == "all" || typ == "agreements" {
				as, err := s.eng.ListAgreements(r.Context())
				if err != nil {
					httpx.WriteFault(w, err)
					return
				}
				out["agreements"] = as
			}
			if len(out) == 0 {
				httpx.WriteError(w, 400, "BAD_TYPE", "type must be proposals, agreements, or all", "")
				return
			}
			httpx.WriteJSON(w, 200, out)
		})

		pr.Get("/proposals", func(w http.ResponseWriter, r *http.Request) {
			ps, err := s.eng.ListProposals(r.Context())
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"proposals": ps})
		})

		pr.Get("/proposals/{proposal_id}", func(w http.ResponseWriter, r *http.Request) {
			p, err := s.eng.GetProposal(r.Context(), chi.URLParam(r, "proposal_id"))
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 200, p)
		})

		pr.Get("/agreements", func(w http.ResponseWriter, r *http.Request) {
			as, err := s.eng.ListAgreements(r.Context())
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"agreements": as})
		})

		pr.Get("/agreements/{agreement_id}", func(w http.ResponseWriter, r *http.Request) {
			a, err := s.eng.GetAgreement(r.Context(), chi.URLParam(r, "agreement_id"))
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 200, a)
		})

		pr.Get("/agreements/{agreement_id}/timeline", func(w http.ResponseWriter, r *http.Request) {
			a, err := s.eng.GetAgreement(r.Context(), chi.URLParam(r, "agreement_id"))
			if err != nil {
				httpx.WriteFault(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"agreementId": a.AgreementID,
				"status":      a.Status,
				"timeline":    a.Timeline,
			})
		})
	})

	return r
}
