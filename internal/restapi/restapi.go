// Package restapi wires the gateway's HTTP control plane: protocol
// template and device CRUD, manual step execution, template testing, and
// health — all behind a pre-shared API key. Routing is gorilla/mux, the
// way the teacher's HTTP surfaces are built; the resource shapes and error
// mappings are grounded on
// original_source/backend/api/{devices,protocols,deps}.py.
package restapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fisaks/scalegate/internal/apperr"
	"github.com/fisaks/scalegate/internal/logging"
	"github.com/fisaks/scalegate/internal/manager"
	"github.com/fisaks/scalegate/internal/store"
)

type Server struct {
	store   *store.Store
	manager *manager.Manager
	apiKey  string
}

func NewServer(st *store.Store, mgr *manager.Manager, apiKey string) *Server {
	return &Server{store: st, manager: mgr, apiKey: apiKey}
}

// Router builds the full mux.Router, with every /api/* route behind the
// API-key middleware and /healthz left open for liveness probes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireAPIKey)

	tpl := api.PathPrefix("/protocols").Subrouter()
	tpl.HandleFunc("", s.listProtocols).Methods(http.MethodGet)
	tpl.HandleFunc("", s.createProtocol).Methods(http.MethodPost)
	tpl.HandleFunc("/import", s.importProtocol).Methods(http.MethodPost)
	tpl.HandleFunc("/{id:[0-9]+}", s.getProtocol).Methods(http.MethodGet)
	tpl.HandleFunc("/{id:[0-9]+}", s.updateProtocol).Methods(http.MethodPut)
	tpl.HandleFunc("/{id:[0-9]+}", s.deleteProtocol).Methods(http.MethodDelete)
	tpl.HandleFunc("/{id:[0-9]+}/export", s.exportProtocol).Methods(http.MethodGet)
	tpl.HandleFunc("/{id:[0-9]+}/test", s.testProtocol).Methods(http.MethodPost)
	tpl.HandleFunc("/{id:[0-9]+}/test-step", s.testStep).Methods(http.MethodPost)

	dev := api.PathPrefix("/devices").Subrouter()
	dev.HandleFunc("", s.listDevices).Methods(http.MethodGet)
	dev.HandleFunc("", s.createDevice).Methods(http.MethodPost)
	dev.HandleFunc("/{id:[0-9]+}", s.getDevice).Methods(http.MethodGet)
	dev.HandleFunc("/{id:[0-9]+}", s.updateDevice).Methods(http.MethodPut)
	dev.HandleFunc("/{id:[0-9]+}", s.deleteDevice).Methods(http.MethodDelete)
	dev.HandleFunc("/{id:[0-9]+}/enable", s.enableDevice).Methods(http.MethodPost)
	dev.HandleFunc("/{id:[0-9]+}/disable", s.disableDevice).Methods(http.MethodPost)
	dev.HandleFunc("/{id:[0-9]+}/execute", s.executeStep).Methods(http.MethodPost)
	dev.HandleFunc("/by-code/{code}", s.getDeviceByCode).Methods(http.MethodGet)
	dev.HandleFunc("/by-code/{code}", s.updateDeviceByCode).Methods(http.MethodPut)
	dev.HandleFunc("/by-code/{code}", s.deleteDeviceByCode).Methods(http.MethodDelete)
	dev.HandleFunc("/by-code/{code}/enable", s.enableDeviceByCode).Methods(http.MethodPost)
	dev.HandleFunc("/by-code/{code}/disable", s.disableDeviceByCode).Methods(http.MethodPost)
	dev.HandleFunc("/by-code/{code}/execute", s.executeStepByCode).Methods(http.MethodPost)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireAPIKey mirrors deps.py::require_api_key: an empty configured key
// disables auth entirely; otherwise the request must carry a matching
// X-API-Key header or api_key query parameter.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != s.apiKey {
			writeError(w, apperr.New(apperr.Auth, "invalid or missing API key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	writeJSON(w, apperr.HTTPStatus(kind), map[string]any{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.Validation, "invalid request body", err)
	}
	return nil
}
