package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/antinvestor/service-collab/internal/health"
)

// NewRouter assembles the gateway's HTTP surface: the websocket entry
// point, the read-side API and the health probes.
func NewRouter(
	gateway *GatewayHandler,
	retrieval *RetrievalHandler,
	healthHandler *health.Handler,
) *mux.Router {
	router := mux.NewRouter().StrictSlash(true)

	router.HandleFunc("/healthz", healthHandler.LivenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/readyz", healthHandler.ReadinessHandler).Methods(http.MethodGet)

	router.HandleFunc("/ws/{projectID}", gateway.Connect).Methods(http.MethodGet)

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/projects/{projectID}/presence", retrieval.Presence).
		Methods(http.MethodGet)
	v1.HandleFunc("/projects/{projectID}/snapshots/latest", retrieval.LatestSnapshot).
		Methods(http.MethodGet)
	v1.HandleFunc("/projects/{projectID}/snapshots", retrieval.SnapshotHistory).
		Methods(http.MethodGet)

	return router
}
