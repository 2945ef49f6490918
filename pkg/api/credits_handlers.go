package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/platinummonkey/creditd/pkg/httputil"
	"github.com/platinummonkey/creditd/pkg/ledger"
	"github.com/platinummonkey/creditd/pkg/middleware"
	"github.com/platinummonkey/creditd/pkg/observability"
)

// getBalance handles GET /v1/organizations/{orgID}/credits/balance
func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathStringOrError(w, r, middleware.OrgIDVar)
	if !ok {
		return
	}
	b, err := s.credits.GetBalance(r.Context(), orgID)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, newBalanceResponse(b))
}

// listTransactions handles GET /v1/organizations/{orgID}/credits/transactions
func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathStringOrError(w, r, middleware.OrgIDVar)
	if !ok {
		return
	}
	page, err := httputil.ParseQueryInt(r, "page", 1)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	pageSize, err := httputil.ParseQueryInt(r, "page_size", ledger.DefaultPageSize)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if page < 1 || pageSize < 1 || pageSize > ledger.MaxPageSize {
		httputil.WriteBadRequest(w, fmt.Sprintf("page must be positive and page_size between 1 and %d", ledger.MaxPageSize))
		return
	}

	var types []ledger.TransactionType
	for _, raw := range httputil.ParseQueryList(r, "type") {
		t := ledger.TransactionType(strings.ToUpper(raw))
		if !t.Valid() {
			httputil.WriteBadRequest(w, fmt.Sprintf("unknown transaction type: %s", raw))
			return
		}
		types = append(types, t)
	}

	result, err := s.credits.ListTransactions(r.Context(), orgID, page, pageSize, types)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// usageByTool handles GET /v1/organizations/{orgID}/credits/usage/tools
func (s *Server) usageByTool(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathStringOrError(w, r, middleware.OrgIDVar)
	if !ok {
		return
	}
	from, err := httputil.ParseQueryTime(r, "from")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	to, err := httputil.ParseQueryTime(r, "to")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	tools, err := s.credits.UsageByTool(r.Context(), orgID, from, to)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	if tools == nil {
		tools = []ledger.ToolUsage{}
	}
	httputil.WriteSuccess(w, ToolUsageResponse{From: from, To: to, Tools: tools})
}

// usageByPeriod handles GET /v1/organizations/{orgID}/credits/usage/periods
func (s *Server) usageByPeriod(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathStringOrError(w, r, middleware.OrgIDVar)
	if !ok {
		return
	}
	g := ledger.Granularity(strings.ToLower(httputil.ParseQueryString(r, "granularity", string(ledger.GranularityDay))))
	if !g.Valid() {
		httputil.WriteBadRequest(w, fmt.Sprintf("granularity must be one of day, week or month: %s", g))
		return
	}
	from, err := httputil.ParseQueryTime(r, "from")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	to, err := httputil.ParseQueryTime(r, "to")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	periods, err := s.credits.UsageByPeriod(r.Context(), orgID, g, from, to)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	if periods == nil {
		periods = []ledger.PeriodUsage{}
	}
	httputil.WriteSuccess(w, PeriodUsageResponse{Granularity: g, From: from, To: to, Periods: periods})
}

// audit handles GET /v1/organizations/{orgID}/credits/audit
func (s *Server) audit(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathStringOrError(w, r, middleware.OrgIDVar)
	if !ok {
		return
	}
	report, err := s.credits.Audit(r.Context(), orgID)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	if !report.Consistent {
		observability.FromContext(r.Context()).WithField("mismatches", report.Mismatches).
			Error("Stored balance does not match replayed ledger")
	}
	httputil.WriteSuccess(w, report)
}

func (s *Server) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrBalanceNotFound),
		errors.Is(err, ledger.ErrUsageNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, ledger.ErrMissingOrganization),
		errors.Is(err, ledger.ErrInvalidPeriod),
		errors.Is(err, ledger.ErrInvalidAmount):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, ledger.ErrRefundExceedsUsage):
		httputil.WriteConflict(w, err.Error())
	default:
		observability.FromContext(r.Context()).WithError(err).Error("Credit ledger request failed")
		httputil.WriteInternalError(w, err)
	}
}
