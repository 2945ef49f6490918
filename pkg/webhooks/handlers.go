package webhooks

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/creditd/pkg/httputil"
)

const maxDeliveryPage = 500

// Handlers exposes the delivery log over HTTP
type Handlers struct {
	manager *Manager
}

// NewHandlers creates delivery log handlers
func NewHandlers(manager *Manager) *Handlers {
	return &Handlers{manager: manager}
}

// RegisterRoutes registers the delivery log routes. The router is expected
// to be mounted under /internal/v1.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/notifications/deliveries", h.listDeliveries).Methods(http.MethodGet)
	router.HandleFunc("/notifications/endpoints", h.listEndpoints).Methods(http.MethodGet)
}

// listDeliveries handles GET /internal/v1/notifications/deliveries
func (h *Handlers) listDeliveries(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", 50)
	if err != nil || limit <= 0 || limit > maxDeliveryPage {
		httputil.WriteBadRequest(w, "limit must be between 1 and 500")
		return
	}

	status := DeliveryStatus(httputil.ParseQueryString(r, "status", ""))
	switch status {
	case "", DeliveryStatusPending, DeliveryStatusSuccess, DeliveryStatusFailed, DeliveryStatusRetrying:
	default:
		httputil.WriteBadRequest(w, "unknown status "+string(status))
		return
	}

	deliveries := h.manager.Deliveries(DeliveryFilter{
		EndpointID: httputil.ParseQueryString(r, "endpoint_id", ""),
		EventID:    httputil.ParseQueryString(r, "event_id", ""),
		Status:     status,
		Limit:      limit,
	})
	httputil.WriteSuccess(w, map[string]interface{}{
		"deliveries": deliveries,
		"count":      len(deliveries),
	})
}

type endpointStatus struct {
	Endpoint
	Stats DeliveryStats `json:"stats"`
}

// listEndpoints handles GET /internal/v1/notifications/endpoints
func (h *Handlers) listEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints := h.manager.Endpoints()
	out := make([]endpointStatus, 0, len(endpoints))
	for _, e := range endpoints {
		out = append(out, endpointStatus{Endpoint: e, Stats: h.manager.Stats(e.ID)})
	}
	httputil.WriteSuccess(w, map[string]interface{}{"endpoints": out})
}
