package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"charge_point/chargepoint"
	"charge_point/common"
	"charge_point/metrics"
)

const httpWait = 5 * time.Second

func routes(handler *ChargePointHandler, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler(reg))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/connectors", handler.ListConnectors)
	r.Post("/connectors/{connectorId}/plug", handler.plugHTTP(true))
	r.Post("/connectors/{connectorId}/unplug", handler.plugHTTP(false))
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (handler *ChargePointHandler) ListConnectors(w http.ResponseWriter, r *http.Request) {
	states := make(chan []connectorState, 1)
	handler.Do(func(cp *chargepoint.ChargePoint) { states <- handler.state(cp) })
	select {
	case s := <-states:
		writeJSON(w, http.StatusOK, s)
	case <-r.Context().Done():
	case <-time.After(httpWait):
		http.Error(w, "charge point busy", http.StatusServiceUnavailable)
	}
}

func (handler *ChargePointHandler) plugHTTP(plugged bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(chi.URLParam(r, "connectorId"))
		if err != nil || id < 1 {
			http.Error(w, "invalid connector id", http.StatusBadRequest)
			return
		}
		payload, _ := json.Marshal(pluggedPayload{Plugged: plugged})
		responseChannel := make(chan common.Response, 1)
		handler.SetPlugged(&id, payload, responseChannel)
		select {
		case response := <-responseChannel:
			if response.Err != nil {
				writeJSON(w, http.StatusNotFound, response)
				return
			}
			writeJSON(w, http.StatusOK, response)
		case <-r.Context().Done():
		case <-time.After(httpWait):
			http.Error(w, "charge point busy", http.StatusServiceUnavailable)
		}
	}
}
