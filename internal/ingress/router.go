package ingress

import (
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter wires every ingress handler onto its route, mirroring the
// teacher's cmd/api server setup (one mux.Router, path-parameterized
// routes, handlers built by the HandleX(deps) constructor).
func NewRouter(d Deps) *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/v1").Subrouter()

	api.Handle("/devices", HandleRegisterDevice(d)).Methods(http.MethodPost)
	api.Handle("/devices/{deviceId}/heartbeat", HandleHeartbeat(d)).Methods(http.MethodPost)
	api.Handle("/captures", HandleUploadCapture(d)).Methods(http.MethodPost)
	api.Handle("/captures", HandleListCaptures(d)).Methods(http.MethodGet)
	api.Handle("/captures/{captureId}", HandleGetCapture(d)).Methods(http.MethodGet)

	return r
}
