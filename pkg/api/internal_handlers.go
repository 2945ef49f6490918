package api

import (
	"net/http"

	"github.com/platinummonkey/creditd/pkg/contextkeys"
	"github.com/platinummonkey/creditd/pkg/httputil"
	"github.com/platinummonkey/creditd/pkg/ledger"
	"github.com/platinummonkey/creditd/pkg/middleware"
	"github.com/platinummonkey/creditd/pkg/observability"
)

// recordUsage handles POST /internal/v1/organizations/{orgID}/credits/usage
func (s *Server) recordUsage(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathStringOrError(w, r, middleware.OrgIDVar)
	if !ok {
		return
	}
	var req UsageRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	out, err := s.credits.DebitUsage(r.Context(), orgID, req.Amount, req.ToolSlug, req.JobID)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	s.writeMutation(w, r, out, "usage")
}

// recordRefund handles POST /internal/v1/organizations/{orgID}/credits/refunds
func (s *Server) recordRefund(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathStringOrError(w, r, middleware.OrgIDVar)
	if !ok {
		return
	}
	var req RefundRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	out, err := s.credits.Refund(r.Context(), orgID, req.Amount, req.ToolSlug, req.JobID, req.Reason)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	s.writeMutation(w, r, out, "refund")
}

func (s *Server) writeMutation(w http.ResponseWriter, r *http.Request, out ledger.Outcome, kind string) {
	resp := MutationResponse{
		Transaction:  out.Transaction,
		Balance:      newBalanceResponse(out.Balance),
		OverageAdded: out.OverageAdded(),
		Duplicate:    out.Duplicate,
	}

	logger := observability.FromContext(r.Context()).WithFields(map[string]interface{}{
		"caller":    contextkeys.GetCaller(r.Context()),
		"kind":      kind,
		"duplicate": out.Duplicate,
	})
	if out.Transaction != nil {
		logger = logger.WithField("transaction_id", out.Transaction.ID)
	}
	logger.Debug("Recorded credit mutation")

	if out.Duplicate {
		httputil.WriteSuccess(w, resp)
		return
	}
	httputil.WriteCreated(w, resp)
}
