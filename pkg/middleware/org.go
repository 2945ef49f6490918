package middleware

import (
	"net/http"
	"regexp"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/creditd/pkg/httputil"
	"github.com/platinummonkey/creditd/pkg/observability"
)

// OrgIDVar is the route variable naming the organization
const OrgIDVar = "orgID"

var orgIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// OrganizationContext validates the {orgID} route variable and stores it in
// the request context. Routes without the variable pass through.
func OrganizationContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := mux.Vars(r)[OrgIDVar]
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if !orgIDPattern.MatchString(orgID) {
			httputil.WriteBadRequest(w, "invalid organization id")
			return
		}
		next.ServeHTTP(w, r.WithContext(observability.WithOrganizationID(r.Context(), orgID)))
	})
}
