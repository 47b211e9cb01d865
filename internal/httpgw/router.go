// Package httpgw implements the read-model HTTP/JSON gateway over the
// binary store: registry publication, type descriptor lookup, and turn/
// context/blob read views rendered through the projection engine.
package httpgw

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/strongdm/cxdb/core"
)

// Gateway holds the dependencies every handler needs.
type Gateway struct {
	Store *core.Store
	Log   *logrus.Logger
}

// NewRouter builds the gorilla/mux router for the HTTP gateway, matching
// the teacher's middleware-chain style (RequestLogger, JSONHeaders) over
// handler functions rather than a framework's own DSL.
func NewRouter(gw *Gateway) http.Handler {
	r := mux.NewRouter()
	r.Use(RequestLogger(gw.Log))
	r.Use(JSONHeaders)

	r.HandleFunc("/v1/registry/bundles/{bundle_id}", gw.putBundle).Methods(http.MethodPut)
	r.HandleFunc("/v1/registry/bundles/{bundle_id}", gw.getBundle).Methods(http.MethodGet)
	r.HandleFunc("/v1/registry/types/{type_id}/versions/{type_version}", gw.getTypeVersion).Methods(http.MethodGet)

	r.HandleFunc("/v1/contexts", gw.listContexts).Methods(http.MethodGet)
	r.HandleFunc("/v1/contexts/{context_id}", gw.getContext).Methods(http.MethodGet)
	r.HandleFunc("/v1/contexts/{context_id}/turns", gw.listTurns).Methods(http.MethodGet)

	r.HandleFunc("/v1/blobs/{hash_hex}", gw.getBlob).Methods(http.MethodGet)

	return r
}
