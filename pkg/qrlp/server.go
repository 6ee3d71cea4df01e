package qrlp

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 1 << 20

// NewHandler exposes the runtime over HTTP: current payload and image,
// status, verification, history, user data, health and metrics.
func NewHandler(rt *Runtime) http.Handler {
	h := &handler{rt: rt}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Routes stay on the root router so a method mismatch answers 405.
	r.HandleFunc("/api/qr/current", h.current).Methods("GET")
	r.HandleFunc("/api/qr/current.png", h.currentPNG).Methods("GET")
	r.HandleFunc("/api/qr/history", h.history).Methods("GET")
	r.HandleFunc("/api/status", h.status).Methods("GET")
	r.HandleFunc("/api/chains", h.chains).Methods("GET")
	r.HandleFunc("/api/chains/{chain}", h.chain).Methods("GET")
	r.HandleFunc("/api/verify", h.verify).Methods("POST")
	r.HandleFunc("/api/user-data", h.userData).Methods("POST")
	return r
}

type handler struct {
	rt *Runtime
}

func (h *handler) current(w http.ResponseWriter, r *http.Request) {
	u, ok := h.rt.Current()
	if !ok {
		http.Error(w, "no payload generated yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(u.JSON)
}

func (h *handler) currentPNG(w http.ResponseWriter, r *http.Request) {
	u, ok := h.rt.Current()
	if !ok || u.Image == nil {
		http.Error(w, "no image available", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(u.Image)
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := h.rt.History(limit)
	if errors.Is(err, ErrNoJournal) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.rt.Stats())
}

func (h *handler) chains(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.rt.ChainInfo())
}

func (h *handler) chain(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["chain"]
	info, ok := h.rt.ChainInfo()[name]
	if !ok {
		http.Error(w, "chain not cached", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handler) verify(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	res := h.rt.Verify(raw)
	writeJSON(w, http.StatusOK, struct {
		VerificationResult
		Valid bool `json:"valid"`
	}{res, res.Valid()})
}

// userData replaces the per-tick user data with the posted object; an
// empty body or null clears it.
func (h *handler) userData(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var data map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			http.Error(w, "body must be a JSON object", http.StatusBadRequest)
			return
		}
	}
	if data == nil {
		h.rt.SetUserDataSupplier(nil)
	} else {
		h.rt.SetUserDataSupplier(func() (map[string]any, error) { return data, nil })
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
